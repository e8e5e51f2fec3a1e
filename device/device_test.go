package device

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/etsoc/etsoc-driver/dir"
	"github.com/etsoc/etsoc-driver/dstatus"
	"github.com/etsoc/etsoc-driver/loopback"
	"github.com/etsoc/etsoc-driver/mmio"
	"github.com/etsoc/etsoc-driver/p2pdma"
	"github.com/etsoc/etsoc-driver/region"
	"github.com/etsoc/etsoc-driver/reset"
	"github.com/etsoc/etsoc-driver/vq"
)

// Window layout shared by both nodes' synthetic BARs: a status word, a DIR
// image, and an IO area holding the VQ ring plus whatever else that node's
// region list advertises. Offsets are reused across the Mgmt and Ops
// windows since each lives on its own Bar and region.List only checks
// overlap within a Bar.
const (
	testStatusOffset    = 0
	testDIROffset       = 16
	testWindowSize      = 65536
	testVQOffset        = 4096
	testVQSize          = 4096
	testInterruptOffset = testVQOffset + testVQSize
	testInterruptSize   = 64
	testTraceOffset     = testInterruptOffset + testInterruptSize
	testTraceSize       = 128
	testScratchOffset   = testTraceOffset + testTraceSize
	testScratchSize     = 128
	testHostMgdOffset   = testInterruptOffset + testInterruptSize
	testHostMgdSize     = 4096
)

func testVQDescriptor(bar uint8) dir.VQDescriptor {
	return dir.VQDescriptor{
		SQCount:              1,
		CQCount:              1,
		SQSize:               256,
		CQSize:               256,
		InterruptTriggerSize: 4,
		Bar:                  bar,
	}
}

func buildWindow(t *testing.T, vqDesc dir.VQDescriptor, regions []dir.RegionSpec) (*mmio.Region, dir.Layout) {
	t.Helper()

	raw := dir.EncodeImage(vqDesc, [16]byte{}, regions)

	win := mmio.NewRegion(make([]byte, testWindowSize))
	win.WriteU32(testStatusOffset, 0xffffffff)
	win.WriteBytes(testDIROffset, raw)

	return win, dir.Layout{StatusOffset: testStatusOffset, DIROffset: testDIROffset, WindowSize: testWindowSize}
}

func mgmtRegions() []dir.RegionSpec {
	return []dir.RegionSpec{
		{Type: region.TypeMgmtVQ, Bar: 2, Offset: testVQOffset, Size: testVQSize, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
		{Type: region.TypeInterrupt, Bar: 2, Offset: testInterruptOffset, Size: testInterruptSize, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
		{Type: region.TypeTrace, Bar: 2, Offset: testTraceOffset, Size: testTraceSize, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
		{Type: region.TypeScratch, Bar: 2, Offset: testScratchOffset, Size: testScratchSize, AccessFlags: dir.FlagIOAccess | dir.FlagMgmtAccessible},
	}
}

// opsRegions returns the Ops node's region list; omitHostManaged lets a test
// build an otherwise-valid Ops DIR missing its compulsory host-managed region.
func opsRegions(omitHostManaged bool) []dir.RegionSpec {
	regions := []dir.RegionSpec{
		{Type: region.TypeOpsVQ, Bar: 3, Offset: testVQOffset, Size: testVQSize, AccessFlags: dir.FlagIOAccess | dir.FlagOpsAccessible},
		{Type: region.TypeInterrupt, Bar: 3, Offset: testInterruptOffset, Size: testInterruptSize, AccessFlags: dir.FlagIOAccess | dir.FlagOpsAccessible},
	}
	if !omitHostManaged {
		regions = append(regions, dir.RegionSpec{
			Type: region.TypeHostManaged, Bar: 3, Offset: testHostMgdOffset, DeviceBase: 0x1000, Size: testHostMgdSize,
			AccessFlags: dir.FlagOpsAccessible, AlignCode: 1, ElemSize: 64, ElemCount: 64,
		})
	}
	return regions
}

// fakeEndpoint stands in for real PCIe hardware: two in-memory BAR windows
// carrying synthetic DIR images, and loopback.Handler doorbells so pushed
// commands get synchronous responses the way commands_test.go exercises.
type fakeEndpoint struct {
	mgmtWin, opsWin       *mmio.Region
	mgmtLayout, opsLayout dir.Layout
	pciState              []byte

	present      atomic.Bool
	restoreCalls atomic.Int32
}

func newFakeEndpoint(t *testing.T, omitOpsHostManaged bool) *fakeEndpoint {
	t.Helper()

	ep := &fakeEndpoint{pciState: []byte("saved-pci-config-v1")}
	ep.present.Store(true)
	ep.mgmtWin, ep.mgmtLayout = buildWindow(t, testVQDescriptor(2), mgmtRegions())
	ep.opsWin, ep.opsLayout = buildWindow(t, testVQDescriptor(3), opsRegions(omitOpsHostManaged))
	return ep
}

func (e *fakeEndpoint) BusName() string        { return "0000:01:00.0" }
func (e *fakeEndpoint) MgmtWindow() *mmio.Region { return e.mgmtWin }
func (e *fakeEndpoint) OpsWindow() *mmio.Region  { return e.opsWin }
func (e *fakeEndpoint) MgmtLayout() dir.Layout   { return e.mgmtLayout }
func (e *fakeEndpoint) OpsLayout() dir.Layout    { return e.opsLayout }

func (e *fakeEndpoint) Present() (bool, error) { return e.present.Load(), nil }

func (e *fakeEndpoint) SavePCIState() ([]byte, error) {
	out := make([]byte, len(e.pciState))
	copy(out, e.pciState)
	return out, nil
}

func (e *fakeEndpoint) RestorePCIState(state []byte) error {
	e.restoreCalls.Add(1)
	return nil
}

func (e *fakeEndpoint) Doorbell(k region.NodeKind, idx int, cq *vq.CQ) vq.Doorbell {
	return &loopback.Handler{CQ: cq}
}

func testConfig() Config {
	return Config{
		DIRTimeout: time.Second,
		Reset: reset.Config{
			PollInterval:         time.Millisecond,
			MaxEstimatedDowntime: time.Millisecond,
			DiscoveryTimeout:     time.Second,
		},
	}
}

func TestProbeWiresNodesAndRoundTripsMessages(t *testing.T) {
	ep := newFakeEndpoint(t, false)
	p2p := p2pdma.New(p2pdma.AlwaysCompatible)

	inst, err := Probe(ep, p2p, testConfig(), nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	defer inst.Remove()

	if inst.Devnum < 0 || inst.Devnum >= MaxDevs {
		t.Fatalf("devnum %d out of pool range", inst.Devnum)
	}
	if inst.Mgmt.State() != reset.StateReady {
		t.Fatalf("expected mgmt node ready, got %v", inst.Mgmt.State())
	}
	if inst.Ops.State() != reset.StateReady {
		t.Fatalf("expected ops node ready, got %v", inst.Ops.State())
	}

	msg := make([]byte, 16)
	vq.CommonHeader{Size: 16, TagID: 1, MsgID: loopback.MsgEchoCmd}.Encode(msg)

	if err := inst.Ops.PushSQ(0, 0, msg); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := inst.Ops.VQ.CQs[0].Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got, _, err := inst.Ops.PopCQ(0)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got.Header.MsgID != loopback.MsgEchoRsp {
		t.Fatalf("unexpected response header %+v", got.Header)
	}
}

func TestProbeRollsBackDevnumOnOpsFailure(t *testing.T) {
	p2p := p2pdma.New(p2pdma.AlwaysCompatible)

	baseline, err := Probe(newFakeEndpoint(t, false), p2p, testConfig(), nil)
	if err != nil {
		t.Fatalf("baseline probe: %v", err)
	}
	baselineDevnum := baseline.Devnum
	baseline.Remove()

	_, err = Probe(newFakeEndpoint(t, true), p2p, testConfig(), nil)
	if err == nil {
		t.Fatalf("expected probe to fail on missing compulsory ops region")
	}
	if dstatus.CodeOf(err) != dstatus.EFAULT {
		t.Fatalf("expected EFAULT, got %v", err)
	}

	again, err := Probe(newFakeEndpoint(t, false), p2p, testConfig(), nil)
	if err != nil {
		t.Fatalf("probe after rollback: %v", err)
	}
	defer again.Remove()

	if again.Devnum != baselineDevnum {
		t.Fatalf("expected devnum %d reclaimed by the failed probe, got %d", baselineDevnum, again.Devnum)
	}
}

func TestResetCycleRestoresReadyNodes(t *testing.T) {
	ep := newFakeEndpoint(t, false)
	p2p := p2pdma.New(p2pdma.AlwaysCompatible)

	inst, err := Probe(ep, p2p, testConfig(), nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	defer inst.Remove()

	if err := inst.Reset.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := inst.Reset.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if inst.Mgmt.State() != reset.StateReady {
		t.Fatalf("expected mgmt ready after reset, got %v", inst.Mgmt.State())
	}
	if inst.Ops.State() != reset.StateReady {
		t.Fatalf("expected ops ready after reset, got %v", inst.Ops.State())
	}
	if got := ep.restoreCalls.Load(); got != 2 {
		t.Fatalf("expected pci state restored once per node (2 total), got %d", got)
	}

	msg := make([]byte, 16)
	vq.CommonHeader{Size: 16, TagID: 2, MsgID: loopback.MsgEchoCmd}.Encode(msg)
	if err := inst.Ops.PushSQ(0, 0, msg); err != nil {
		t.Fatalf("push after reset: %v", err)
	}
	if err := inst.Ops.VQ.CQs[0].Drain(); err != nil {
		t.Fatalf("drain after reset: %v", err)
	}
	if _, _, err := inst.Ops.PopCQ(0); err != nil {
		t.Fatalf("pop after reset: %v", err)
	}
}
