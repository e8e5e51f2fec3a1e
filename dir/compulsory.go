package dir

import "github.com/etsoc/etsoc-driver/region"

// CompulsoryRegions returns the set of region types that must validate
// successfully for the given node, per spec §4.3 step 8 ("after the walk,
// every compulsory region type for the node must be valid, else fatal").
//
// The two nodes are asymmetric: Mgmt additionally requires the trace and
// scratch regions (firmware update staging, trace extraction) that Ops has
// no use for; Ops requires the host-managed DRAM/kernel-launch window that
// Mgmt never touches. Both require their own VQ and interrupt-trigger
// regions. This mirrors the original driver's separate et_mgmt_dir and
// et_ops_dir region-map enums (see original_source/et-driver/et_mgmt_dir.h,
// et_ops_dir.h), collapsed onto the single region.Type enum this module
// uses for both nodes.
func CompulsoryRegions(node region.NodeKind) map[region.Type]bool {
	switch node {
	case region.Mgmt:
		return map[region.Type]bool{
			region.TypeMgmtVQ:    true,
			region.TypeInterrupt: true,
			region.TypeTrace:     true,
			region.TypeScratch:   true,
		}
	default:
		return map[region.Type]bool{
			region.TypeOpsVQ:       true,
			region.TypeInterrupt:   true,
			region.TypeHostManaged: true,
		}
	}
}
