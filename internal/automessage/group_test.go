package automessage

import (
	"testing"
	"time"
)

func mustGroup(t *testing.T, msgs ...string) *MessageGroup {
	t.Helper()
	g, res := Validate(GroupDefinition{Label: "g", Interval: Seconds(1), Destinations: []string{"s"}, Messages: msgs})
	if res != CheckOK {
		t.Fatalf("Validate = %v", res)
	}
	return g
}

func TestFireRotatesAndWraps(t *testing.T) {
	t.Parallel()
	g := mustGroup(t, "a", "b", "c")
	want := []string{"a", "b", "c", "a", "b", "c", "a"}
	for i, w := range want {
		if got := g.Fire(); got != w {
			t.Fatalf("fire #%d = %q, want %q", i, got, w)
		}
	}
	if g.Cursor() != len(want)%3 {
		t.Fatalf("cursor = %d, want %d", g.Cursor(), len(want)%3)
	}
}

func TestFireSingleMessage(t *testing.T) {
	t.Parallel()
	g := mustGroup(t, "only")
	for i := 0; i < 3; i++ {
		if got := g.Fire(); got != "only" {
			t.Fatalf("fire = %q", got)
		}
		if g.Cursor() != 0 {
			t.Fatalf("cursor = %d", g.Cursor())
		}
	}
}

func TestTickOnlyWhileScheduled(t *testing.T) {
	t.Parallel()
	g := mustGroup(t, "a", "b")
	now := time.Now()

	if _, ok := g.tick(now); ok {
		t.Fatal("created group must not fire from a timer")
	}
	g.markScheduled()
	if text, ok := g.tick(now); !ok || text != "a" {
		t.Fatalf("tick = %q, %v", text, ok)
	}
	if !g.cancel() {
		t.Fatal("first cancel must transition")
	}
	if g.cancel() {
		t.Fatal("second cancel must be a no-op")
	}
	if _, ok := g.tick(now); ok {
		t.Fatal("cancelled group fired")
	}
	info := g.Info()
	if info.State != StateCancelled || info.Fired != 1 || info.NextMessage != "b" {
		t.Fatalf("info = %+v", info)
	}
}

type countingHandle struct{ stops int }

func (h *countingHandle) Stop() { h.stops++ }

func TestCancelStopsHandleOnce(t *testing.T) {
	t.Parallel()
	g := mustGroup(t, "a")
	h := &countingHandle{}
	g.markScheduled()
	g.attach(h)
	g.cancel()
	g.cancel()
	if h.stops != 1 {
		t.Fatalf("handle stopped %d times", h.stops)
	}
}
