package broadcast

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"automsg/internal/eventbus"
	"automsg/internal/transport"
	"automsg/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []transport.ChatTarget
	texts []string
	// failFor counts remaining failures per chat id; -1 fails forever.
	failFor map[int64]int
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.failFor[to.ChatID]; ok && n != 0 {
		if n > 0 {
			f.failFor[to.ChatID] = n - 1
		}
		return transport.MessageRef{}, errors.New("send failed")
	}
	f.sent = append(f.sent, to)
	f.texts = append(f.texts, text)
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestResolve(t *testing.T) {
	t.Parallel()
	r := NewResolver(map[string]transport.ChatTarget{
		"lobby":  {ChatID: -100, ThreadID: 0},
		" news ": {ChatID: -200, ThreadID: 7},
	})
	tests := []struct {
		dest    string
		want    transport.ChatTarget
		wantErr bool
	}{
		{dest: "lobby", want: transport.ChatTarget{ChatID: -100}},
		{dest: "news", want: transport.ChatTarget{ChatID: -200, ThreadID: 7}},
		{dest: "-100123", want: transport.ChatTarget{ChatID: -100123}},
		{dest: "-100123/55", want: transport.ChatTarget{ChatID: -100123, ThreadID: 55}},
		{dest: "survival", wantErr: true},
		{dest: "0", wantErr: true},
		{dest: "-1/x", wantErr: true},
		{dest: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.dest, func(t *testing.T) {
			t.Parallel()
			got, err := r.Resolve(tt.dest)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownDestination) {
					t.Fatalf("Resolve(%q) err = %v, want ErrUnknownDestination", tt.dest, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("Resolve(%q) = %+v, %v; want %+v", tt.dest, got, err, tt.want)
			}
		})
	}
}

func newTestService(ad *fakeAdapter, bus eventbus.Bus) *Service {
	r := NewResolver(map[string]transport.ChatTarget{"a": {ChatID: 1}, "b": {ChatID: 2}})
	return New(Config{Workers: 2, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond}, ad, r, logx.Nop(), bus)
}

func TestBroadcastDeliversAndRetries(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failFor: map[int64]int{2: 1}}
	s := newTestService(ad, nil)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	idA, errA := s.Enqueue("a", "hello")
	idB, errB := s.Enqueue("b", "hello")
	if errA != nil || errB != nil {
		t.Fatalf("Enqueue errors: %v, %v", errA, errB)
	}
	waitFor(t, func() bool { return ad.count() == 2 })

	waitFor(t, func() bool {
		st, _ := s.Status(idB)
		return st.State == JobSent
	})
	if st, _ := s.Status(idB); st.Attempts != 2 {
		t.Fatalf("attempts for retried job = %d, want 2", st.Attempts)
	}
	waitFor(t, func() bool {
		st, _ := s.Status(idA)
		return st.State == JobSent
	})
	if got := s.Stats(); got.Sent != 2 || got.Failed != 0 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestFailedDestinationDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{failFor: map[int64]int{1: -1}}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := newTestService(ad, bus)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Broadcast("a", "x")
	s.Broadcast("unknown", "x")
	s.Broadcast("b", "x")

	waitFor(t, func() bool { return ad.count() == 1 })
	failed := map[string]bool{}
	for len(failed) < 2 {
		select {
		case ev := <-events:
			if fe, ok := ev.Data.(FailedEvent); ok && ev.Type == eventbus.TypeBroadcastFailed {
				failed[fe.Destination] = true
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("failed events = %v", failed)
		}
	}
	if !failed["a"] || !failed["unknown"] {
		t.Fatalf("failed events = %v", failed)
	}
	waitFor(t, func() bool { st := s.Stats(); return st.Failed == 1 && st.Dropped == 1 })
}

func TestBroadcastDropsWhenStopped(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := newTestService(ad, nil)
	id, err := s.Enqueue("a", "x")
	if !errors.Is(err, errNotRunning) {
		t.Fatalf("err = %v", err)
	}
	st, ok := s.Status(id)
	if !ok || st.State != JobDropped {
		t.Fatalf("status = %+v, %v", st, ok)
	}
}

func TestApplyKeepsLimiterWhenRateUnchanged(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeAdapter{}, nil)
	before := s.limiter
	s.Apply(Config{Workers: 2, RatePerSec: 1000, RetryMax: 5})
	if s.limiter != before {
		t.Fatal("limiter replaced without a rate change")
	}
	s.Apply(Config{RatePerSec: 3})
	if s.limiter == before || s.cfg.RetryMax != 0 {
		t.Fatalf("Apply did not take effect: %+v", s.cfg)
	}
}

func TestPruneStatus(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeAdapter{}, nil)
	now := time.Now()
	s.status["old"] = &JobStatus{ID: "old", CreatedAt: now.Add(-3 * time.Hour), DoneAt: now.Add(-2 * time.Hour)}
	s.status["pending"] = &JobStatus{ID: "pending", CreatedAt: now.Add(-3 * time.Hour)}
	s.pruneStatus(now)
	if _, ok := s.status["old"]; ok {
		t.Fatal("expired status kept")
	}
	if _, ok := s.status["pending"]; !ok {
		t.Fatal("unfinished status pruned")
	}
}

func TestEnqueueLeavesPruningToTicker(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeAdapter{}, nil)
	now := time.Now()
	s.status["old"] = &JobStatus{ID: "old", CreatedAt: now.Add(-3 * time.Hour), DoneAt: now.Add(-2 * time.Hour)}
	_, _ = s.Enqueue("a", "x")
	if _, ok := s.Status("old"); !ok {
		t.Fatal("Enqueue pruned below the hard limit")
	}

	s.pruneEvery = 10 * time.Millisecond
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	waitFor(t, func() bool {
		_, ok := s.Status("old")
		return !ok
	})
}

func TestEnqueuePrunesPastHardLimit(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeAdapter{}, nil)
	now := time.Now()
	for i := 0; i < statusHardMax; i++ {
		id := strconv.Itoa(i)
		s.status[id] = &JobStatus{ID: id, CreatedAt: now.Add(-time.Duration(statusHardMax-i) * time.Second), DoneAt: now}
	}
	_, _ = s.Enqueue("a", "x")
	s.statusMu.RLock()
	n := len(s.status)
	s.statusMu.RUnlock()
	if n != statusMax {
		t.Fatalf("statuses after hard limit = %d, want %d", n, statusMax)
	}
}
