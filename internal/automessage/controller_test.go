package automessage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"automsg/pkg/logx"
)

type stubSource struct {
	mu    sync.Mutex
	defs  []GroupDefinition
	err   error
	reads atomic.Int32
	// during runs inside Definitions, before it returns.
	during func()
}

func (s *stubSource) set(defs ...GroupDefinition) {
	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
}

func (s *stubSource) Definitions(context.Context) ([]GroupDefinition, error) {
	s.reads.Add(1)
	s.mu.Lock()
	defs, err, during := s.defs, s.err, s.during
	s.mu.Unlock()
	if during != nil {
		during()
	}
	return defs, err
}

type controllerFixture struct {
	ft      *fakeTimers
	rec     *recorder
	src     *stubSource
	ctrl    *Controller
	results chan RebuildResult
}

func newControllerFixture() *controllerFixture {
	f := &controllerFixture{
		ft:      newFakeTimers(),
		rec:     &recorder{},
		src:     &stubSource{},
		results: make(chan RebuildResult, 16),
	}
	sched := NewScheduler(f.ft, f.rec, logx.Nop(), nil)
	f.ctrl = NewController(sched, f.src, f.ft, logx.Nop(),
		WithSettleDelay(3*time.Second),
		WithRebuildHook(func(r RebuildResult) { f.results <- r }),
	)
	return f
}

func groupDef(label string, secs float64, msgs ...string) GroupDefinition {
	return GroupDefinition{Label: label, Interval: Seconds(secs), Destinations: []string{"s1"}, Messages: msgs}
}

func TestTriggerReloadWaitsSettleDelay(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("A", 5, "hi", "bye"), groupDef("B", 0, "x"))

	if err := f.ctrl.TriggerReload(); err != nil {
		t.Fatal(err)
	}
	if f.ctrl.State() != ControllerPending {
		t.Fatalf("state = %v", f.ctrl.State())
	}
	f.ft.Advance(2 * time.Second)
	if f.src.reads.Load() != 0 {
		t.Fatal("source read before settle delay elapsed")
	}
	f.ft.Advance(time.Second)

	res := <-f.results
	if res.Err != nil {
		t.Fatalf("rebuild err: %v", res.Err)
	}
	if len(res.Report) != 2 || res.Report[0].Result != CheckOK || res.Report[1].Result != CheckIntervalNotSet {
		t.Fatalf("report = %+v", res.Report)
	}
	if f.ctrl.State() != ControllerIdle {
		t.Fatalf("state = %v", f.ctrl.State())
	}
	if st := f.ctrl.Snapshot(); len(st.Groups) != 1 || st.Groups[0].Label != "A" {
		t.Fatalf("status groups = %+v", st.Groups)
	}
}

func TestRapidTriggersCollapseIntoOneRebuild(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("first", 1, "one"))

	if err := f.ctrl.TriggerReload(); err != nil {
		t.Fatal(err)
	}
	f.ft.Advance(2 * time.Second)
	f.src.set(groupDef("second", 1, "two"))
	if err := f.ctrl.TriggerReload(); err != nil {
		t.Fatal(err)
	}

	// The first delay would have elapsed here; it was superseded.
	f.ft.Advance(2 * time.Second)
	if n := f.src.reads.Load(); n != 0 {
		t.Fatalf("reads = %d before the final delay elapsed", n)
	}
	f.ft.Advance(time.Second)
	if n := f.src.reads.Load(); n != 1 {
		t.Fatalf("reads = %d, want exactly one rebuild", n)
	}
	res := <-f.results
	if len(res.Report) != 1 || res.Report[0].Label != "second" {
		t.Fatalf("rebuild used stale definitions: %+v", res.Report)
	}
	select {
	case extra := <-f.results:
		t.Fatalf("unexpected second rebuild: %+v", extra)
	default:
	}
}

func TestTriggerStopsActiveGroupsImmediately(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("A", 2, "tick"))
	_ = f.ctrl.TriggerReload()
	f.ft.Advance(3 * time.Second)
	<-f.results

	f.ft.Advance(3 * time.Second) // one firing at t+2s
	if n := len(f.rec.all()); n != 1 {
		t.Fatalf("sends = %d, want 1", n)
	}

	// Mid-interval trigger: nothing fires until the rebuild lands.
	f.ft.Advance(time.Second)
	f.rec.reset()
	_ = f.ctrl.TriggerReload()
	f.ft.Advance(2 * time.Second)
	if n := len(f.rec.all()); n != 0 {
		t.Fatalf("old group fired %d times during settle delay", n)
	}
	f.ft.Advance(time.Second)
	<-f.results
	f.ft.Advance(2 * time.Second)
	if n := len(f.rec.all()); n != 1 {
		t.Fatalf("sends after rebuild = %d, want 1", n)
	}
}

func TestShutdownCancelsEverything(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("A", 1, "a"), groupDef("B", 2, "b"))
	_ = f.ctrl.TriggerReload()
	f.ft.Advance(3 * time.Second)
	<-f.results

	f.ctrl.Shutdown()
	f.ft.Advance(time.Minute)
	if n := len(f.rec.all()); n != 0 {
		t.Fatalf("fired %d times after shutdown", n)
	}
	if err := f.ctrl.TriggerReload(); !errors.Is(err, ErrStopped) {
		t.Fatalf("TriggerReload after shutdown = %v", err)
	}
	if f.ctrl.State() != ControllerStopped {
		t.Fatalf("state = %v", f.ctrl.State())
	}
	f.ctrl.Shutdown()
}

func TestShutdownDropsPendingRebuild(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("A", 1, "a"))
	_ = f.ctrl.TriggerReload()
	f.ctrl.Shutdown()
	f.ft.Advance(time.Minute)
	if n := f.src.reads.Load(); n != 0 {
		t.Fatalf("source read %d times after shutdown", n)
	}
}

func TestTriggerDuringSourceReadSupersedesRebuild(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("A", 1, "a"))
	var once sync.Once
	f.src.during = func() {
		once.Do(func() { _ = f.ctrl.TriggerReload() })
	}

	_ = f.ctrl.TriggerReload()
	f.ft.Advance(3 * time.Second)
	select {
	case r := <-f.results:
		t.Fatalf("superseded rebuild committed: %+v", r)
	default:
	}
	if f.ctrl.State() != ControllerPending {
		t.Fatalf("state = %v", f.ctrl.State())
	}
	f.ft.Advance(3 * time.Second)
	res := <-f.results
	if res.Report.Started() != 1 {
		t.Fatalf("report = %+v", res.Report)
	}
}

func TestSourceErrorStillRebuilds(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("A", 1, "a"))
	f.src.err = errors.New("read failed")
	_ = f.ctrl.TriggerReload()
	f.ft.Advance(3 * time.Second)
	res := <-f.results
	if res.Err == nil || res.Report.Started() != 1 {
		t.Fatalf("result = %+v", res)
	}
	if last, ok := f.ctrl.Last(); !ok || last.Cycle != res.Cycle {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
	if st := f.ctrl.Snapshot(); st.LastError == "" {
		t.Fatal("status must carry the last error")
	}
}

func TestApplyChangesSettleDelayForNextCycle(t *testing.T) {
	t.Parallel()
	f := newControllerFixture()
	f.src.set(groupDef("A", 1, "a"))
	f.ctrl.Apply(time.Second, 0)
	_ = f.ctrl.TriggerReload()
	f.ft.Advance(time.Second)
	select {
	case <-f.results:
	default:
		t.Fatal("rebuild did not run after the new settle delay")
	}

	f.ctrl.Apply(-1, 0)
	_ = f.ctrl.TriggerReload()
	f.ft.Advance(500 * time.Millisecond)
	if f.ctrl.State() != ControllerPending {
		t.Fatal("negative settle delay must keep the current value")
	}
}
