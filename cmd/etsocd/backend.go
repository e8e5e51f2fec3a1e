package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/etsoc/etsoc-driver/dir"
	"github.com/etsoc/etsoc-driver/hostio"
	"github.com/etsoc/etsoc-driver/loopback"
	"github.com/etsoc/etsoc-driver/region"
)

// hardwareFlags is the subset of flags only hostio (real-hardware) mode
// needs; serve and probe both take one so either command can run against
// real hardware without starting the socket listeners.
type hardwareFlags struct {
	devicePath     string
	busName        string
	mgmtWindowSize uint64
	opsWindowSize  uint64
}

func (f *hardwareFlags) bind(flags *pflag.FlagSet) {
	flags.StringVar(&f.devicePath, "device-path", "/dev/etsoc0", "kernel-exposed control path (hostio mode only)")
	flags.StringVar(&f.busName, "bus-name", "0000:00:00.0", "PCI bus-function-slot string to report (hostio mode only)")
	flags.Uint64Var(&f.mgmtWindowSize, "mgmt-window-size", 65536, "Mgmt BAR window size in bytes (hostio mode only)")
	flags.Uint64Var(&f.opsWindowSize, "ops-window-size", 65536, "Ops BAR window size in bytes (hostio mode only)")
}

// buildHostioEndpoint opens the real-hardware backend. The status/DIR
// offsets are fixed at 0/16 by convention throughout this module (see
// loopback.Backend's identical layout); a full deployment would instead
// learn these from the kernel-exposed control path's own metadata, which
// is outside what a host CLI alone can discover.
func buildHostioEndpoint(f hardwareFlags) (*hostio.Backend, error) {
	layout := func(size uint64) dir.Layout {
		return dir.Layout{StatusOffset: 0, DIROffset: 16, WindowSize: size}
	}
	cfg := hostio.Config{
		BusName:        f.busName,
		MgmtLayout:     layout(f.mgmtWindowSize),
		OpsLayout:      layout(f.opsWindowSize),
		MgmtWindowSize: f.mgmtWindowSize,
		OpsWindowSize:  f.opsWindowSize,
	}
	return hostio.Open(context.Background(), f.devicePath, cfg, hostio.DefaultOpenTimeout)
}

// buildLoopbackEndpoint synthesizes a DIR image exercising every region
// type a real device would advertise, the same layout shape
// loopback/backend_test.go and device/device_test.go use.
func buildLoopbackEndpoint() *loopback.Backend {
	mgmt := loopback.NodeImage{
		Bar: 2,
		VQ:  dir.VQDescriptor{SQCount: 1, CQCount: 1, SQSize: 256, CQSize: 256, InterruptTriggerSize: 4, Bar: 2},
		Regions: []dir.RegionSpec{
			{Type: region.TypeMgmtVQ, Bar: 2, Offset: 4096, Size: 4096, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
			{Type: region.TypeInterrupt, Bar: 2, Offset: 8192, Size: 64, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
			{Type: region.TypeTrace, Bar: 2, Offset: 8256, Size: 4096, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
			{Type: region.TypeScratch, Bar: 2, Offset: 12352, Size: 256, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
		},
		WindowSize: 131072,
	}
	ops := loopback.NodeImage{
		Bar: 3,
		VQ:  dir.VQDescriptor{SQCount: 1, CQCount: 1, SQSize: 256, CQSize: 256, InterruptTriggerSize: 4, Bar: 3},
		Regions: []dir.RegionSpec{
			{Type: region.TypeOpsVQ, Bar: 3, Offset: 4096, Size: 4096, AccessFlags: dir.FlagIOAccess | dir.FlagOpsAccessible},
			{Type: region.TypeInterrupt, Bar: 3, Offset: 8192, Size: 64, AccessFlags: dir.FlagIOAccess | dir.FlagOpsAccessible},
			{Type: region.TypeHostManaged, Bar: 3, Offset: 8256, DeviceBase: 0x10000, Size: 65536, AccessFlags: dir.FlagOpsAccessible, AlignCode: 1, ElemSize: 4096, ElemCount: 16},
		},
		WindowSize: 131072,
	}
	return loopback.NewBackend("loopback0", mgmt, ops, [16]byte{})
}
