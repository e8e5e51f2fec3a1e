package reset

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/etsoc/etsoc-driver/dstatus"
)

type fakeNode struct {
	mu         sync.Mutex
	open       bool
	states     []State
	tornDown   bool
	reinitErr  error
	reinitDone int
}

func (n *fakeNode) IsOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.open
}

func (n *fakeNode) TearDown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tornDown = true
}

func (n *fakeNode) Reinit() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reinitDone++
	return n.reinitErr
}

func (n *fakeNode) SetState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, s)
}

func (n *fakeNode) lastState() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.states[len(n.states)-1]
}

func fastConfig() Config {
	return Config{
		PollInterval:         time.Millisecond,
		MaxEstimatedDowntime: 5 * time.Millisecond,
		DiscoveryTimeout:     200 * time.Millisecond,
	}
}

func TestOrchestratorSuccessfulReset(t *testing.T) {
	mgmt := &fakeNode{}
	ops := &fakeNode{}
	probe := func() (bool, error) { return true, nil }

	o := New(mgmt, ops, probe, fastConfig())

	if err := o.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := o.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !mgmt.tornDown || !ops.tornDown {
		t.Fatalf("expected both nodes torn down")
	}
	if mgmt.reinitDone != 1 || ops.reinitDone != 1 {
		t.Fatalf("expected both nodes reinitialized exactly once")
	}
	if mgmt.lastState() != StateReady || ops.lastState() != StateReady {
		t.Fatalf("expected both nodes READY after reset, got mgmt=%v ops=%v", mgmt.lastState(), ops.lastState())
	}
	if o.IsResetting() {
		t.Fatalf("expected IsResetting false once reset completes")
	}
}

func TestTriggerRefusesWhenMgmtOpen(t *testing.T) {
	mgmt := &fakeNode{open: true}
	ops := &fakeNode{}
	o := New(mgmt, ops, func() (bool, error) { return true, nil }, fastConfig())

	err := o.Trigger(context.Background())
	if dstatus.CodeOf(err) != dstatus.EPERM {
		t.Fatalf("expected EPERM, got %v", err)
	}
}

func TestTriggerRefusesWhenOpsOpen(t *testing.T) {
	mgmt := &fakeNode{}
	ops := &fakeNode{open: true}
	o := New(mgmt, ops, func() (bool, error) { return true, nil }, fastConfig())

	err := o.Trigger(context.Background())
	if dstatus.CodeOf(err) != dstatus.EPERM {
		t.Fatalf("expected EPERM, got %v", err)
	}

	// Mgmt's serializer must have been released again once Ops refused,
	// otherwise a subsequent Trigger would deadlock.
	if err := o.Trigger(context.Background()); dstatus.CodeOf(err) != dstatus.EPERM {
		t.Fatalf("expected second attempt to still see ops open, got %v", err)
	}
}

func TestAwaitStableLinkTimesOut(t *testing.T) {
	mgmt := &fakeNode{}
	ops := &fakeNode{}
	probe := func() (bool, error) { return false, nil }

	o := New(mgmt, ops, probe, fastConfig())

	if err := o.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	err := o.Wait()
	if dstatus.CodeOf(err) != dstatus.ENODEV {
		t.Fatalf("expected ENODEV on discovery timeout, got %v", err)
	}
	if mgmt.lastState() != StateUninit || ops.lastState() != StateUninit {
		t.Fatalf("expected both nodes UNINIT after failed settle, got mgmt=%v ops=%v", mgmt.lastState(), ops.lastState())
	}
	if mgmt.reinitDone != 0 {
		t.Fatalf("expected reinit never attempted when link never settles")
	}
}

func TestReinitFailureMarksNotResponding(t *testing.T) {
	mgmt := &fakeNode{reinitErr: fmt.Errorf("boom")}
	ops := &fakeNode{}
	o := New(mgmt, ops, func() (bool, error) { return true, nil }, fastConfig())

	if err := o.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := o.Wait(); err == nil {
		t.Fatalf("expected reinit failure to propagate")
	}
	if mgmt.lastState() != StateNotResponding || ops.lastState() != StateNotResponding {
		t.Fatalf("expected both nodes NOT_RESPONDING, got mgmt=%v ops=%v", mgmt.lastState(), ops.lastState())
	}
}

func TestArmForCommandAbortRestoresReadyWithoutTeardown(t *testing.T) {
	mgmt := &fakeNode{open: true} // initiator: Trigger would refuse on this, ArmForCommand must not
	ops := &fakeNode{}
	o := New(mgmt, ops, func() (bool, error) { return true, nil }, fastConfig())

	commit, abort, err := o.ArmForCommand(context.Background(), mgmt)
	if err != nil {
		t.Fatalf("arm for command: %v", err)
	}
	if !o.IsResetting() {
		t.Fatalf("expected IsResetting true once armed")
	}
	_ = commit

	abort()

	if o.IsResetting() {
		t.Fatalf("expected IsResetting false after abort")
	}
	if mgmt.tornDown || ops.tornDown {
		t.Fatalf("expected abort to never tear down either node")
	}
	if mgmt.lastState() != StateReady || ops.lastState() != StateReady {
		t.Fatalf("expected both nodes READY after abort, got mgmt=%v ops=%v", mgmt.lastState(), ops.lastState())
	}

	// Having released the serializers, a fresh arm must succeed rather
	// than deadlock or refuse.
	if _, _, err := o.ArmForCommand(context.Background(), mgmt); err != nil {
		t.Fatalf("expected re-arm after abort to succeed, got %v", err)
	}
}

func TestArmForCommandCommitRunsReset(t *testing.T) {
	mgmt := &fakeNode{open: true}
	ops := &fakeNode{}
	o := New(mgmt, ops, func() (bool, error) { return true, nil }, fastConfig())

	commit, _, err := o.ArmForCommand(context.Background(), mgmt)
	if err != nil {
		t.Fatalf("arm for command: %v", err)
	}

	commit()
	if err := o.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !mgmt.tornDown || !ops.tornDown {
		t.Fatalf("expected commit to run the full teardown/reinit work item")
	}
	if o.IsResetting() {
		t.Fatalf("expected IsResetting false once the committed reset completes")
	}
}

func TestArmForCommandRefusesWhenOtherNodeOpen(t *testing.T) {
	mgmt := &fakeNode{open: true} // initiator
	ops := &fakeNode{open: true}  // held open by someone else
	o := New(mgmt, ops, func() (bool, error) { return true, nil }, fastConfig())

	_, _, err := o.ArmForCommand(context.Background(), mgmt)
	if dstatus.CodeOf(err) != dstatus.EPERM {
		t.Fatalf("expected EPERM when the non-initiating node is open, got %v", err)
	}
	if o.IsResetting() {
		t.Fatalf("expected is_resetting to remain cleared on refusal")
	}
}

func TestIsResettingDoesNotBlockDuringReset(t *testing.T) {
	mgmt := &fakeNode{}
	ops := &fakeNode{}
	blockProbe := make(chan struct{})
	probe := func() (bool, error) {
		<-blockProbe
		return true, nil
	}

	o := New(mgmt, ops, probe, Config{PollInterval: time.Millisecond, MaxEstimatedDowntime: time.Millisecond, DiscoveryTimeout: time.Hour})

	if err := o.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	done := make(chan bool, 1)
	go func() { done <- o.IsResetting() }()

	select {
	case r := <-done:
		if !r {
			t.Fatalf("expected IsResetting true mid-reset")
		}
	case <-time.After(time.Second):
		t.Fatalf("IsResetting blocked while a reset was in flight")
	}

	close(blockProbe)
	o.Wait()
}

func TestExternalStateMapping(t *testing.T) {
	cases := map[State]ExternalState{
		StateUninit:        NotReady,
		StateReady:         Ready,
		StateResetting:     ResetInProgress,
		StateNotResponding: NotResponding,
	}
	for in, want := range cases {
		if got := in.External(); got != want {
			t.Fatalf("state %v: got external %v want %v", in, got, want)
		}
	}
}
