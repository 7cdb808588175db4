package automessage

import (
	"errors"
	"strings"
	"testing"
	"time"

	"automsg/internal/eventbus"
	"automsg/pkg/logx"
)

func newTestScheduler() (*Scheduler, *fakeTimers, *recorder) {
	ft := newFakeTimers()
	rec := &recorder{}
	return NewScheduler(ft, rec, logx.Nop(), nil), ft, rec
}

func TestRebuildReportAndLiveTimers(t *testing.T) {
	t.Parallel()
	s, ft, rec := newTestScheduler()

	report, err := s.Rebuild([]GroupDefinition{
		{Label: "A", Interval: Seconds(5), Destinations: []string{"s1"}, Messages: []string{"hi", "bye"}},
		{Label: "B", Interval: Seconds(0), Destinations: []string{"s1"}, Messages: []string{"x"}},
		{Label: "C", Interval: Seconds(2), Destinations: []string{"s2"}},
		{Label: "D", Interval: Seconds(2), Messages: []string{"y"}},
	})
	if err != nil {
		t.Fatalf("Rebuild error: %v", err)
	}

	want := Report{
		{Label: "A", Result: CheckOK},
		{Label: "B", Result: CheckIntervalNotSet},
		{Label: "C", Result: CheckNoMessages},
		{Label: "D", Result: CheckNoServers},
	}
	if len(report) != len(want) {
		t.Fatalf("report len = %d, want %d", len(report), len(want))
	}
	for i := range want {
		if report[i] != want[i] {
			t.Fatalf("report[%d] = %+v, want %+v", i, report[i], want[i])
		}
	}
	if s.Len() != 1 || ft.liveRepeating() != 1 {
		t.Fatalf("active = %d, live timers = %d", s.Len(), ft.liveRepeating())
	}

	// First firing is one full interval after scheduling.
	ft.Advance(4 * time.Second)
	if n := len(rec.all()); n != 0 {
		t.Fatalf("fired early: %d sends", n)
	}
	ft.Advance(time.Second)
	ft.Advance(5 * time.Second)
	ft.Advance(5 * time.Second)
	got := rec.all()
	wantTexts := []string{"hi", "bye", "hi"}
	if len(got) != len(wantTexts) {
		t.Fatalf("sends = %v", got)
	}
	for i, w := range wantTexts {
		if got[i].dest != "s1" || got[i].text != w {
			t.Fatalf("send[%d] = %+v, want s1/%s", i, got[i], w)
		}
	}
}

func TestRebuildFansOutToEveryDestination(t *testing.T) {
	t.Parallel()
	s, ft, rec := newTestScheduler()
	if _, err := s.Rebuild([]GroupDefinition{
		{Label: "A", Interval: Seconds(1), Destinations: []string{"a", "b", "c"}, Messages: []string{"m"}},
	}); err != nil {
		t.Fatal(err)
	}
	ft.Advance(time.Second)
	got := rec.all()
	if len(got) != 3 || got[0].dest != "a" || got[1].dest != "b" || got[2].dest != "c" {
		t.Fatalf("sends = %+v", got)
	}
}

func TestRebuildReplacesPreviousSchedule(t *testing.T) {
	t.Parallel()
	s, ft, rec := newTestScheduler()
	if _, err := s.Rebuild([]GroupDefinition{
		{Label: "old", Interval: Seconds(10), Destinations: []string{"s"}, Messages: []string{"old"}},
	}); err != nil {
		t.Fatal(err)
	}
	ft.Advance(5 * time.Second)

	if _, err := s.Rebuild([]GroupDefinition{
		{Label: "new", Interval: Seconds(7), Destinations: []string{"s"}, Messages: []string{"new"}},
	}); err != nil {
		t.Fatal(err)
	}
	if ft.liveRepeating() != 1 {
		t.Fatalf("live timers = %d, want 1", ft.liveRepeating())
	}

	ft.Advance(30 * time.Second)
	for _, m := range rec.all() {
		if m.text == "old" {
			t.Fatal("group from the previous schedule fired after rebuild")
		}
	}
	if len(rec.all()) != 4 {
		t.Fatalf("new group sends = %d, want 4", len(rec.all()))
	}
}

func TestRebuildRollsBackOnTimerFailure(t *testing.T) {
	t.Parallel()
	s, ft, rec := newTestScheduler()
	ft.failEvery = 2

	report, err := s.Rebuild([]GroupDefinition{
		{Label: "A", Interval: Seconds(1), Destinations: []string{"s"}, Messages: []string{"a"}},
		{Label: "B", Interval: Seconds(1), Destinations: []string{"s"}, Messages: []string{"b"}},
		{Label: "C", Interval: Seconds(1), Destinations: []string{"s"}, Messages: []string{"c"}},
	})
	if !errors.Is(err, errTimerCreate) {
		t.Fatalf("err = %v, want %v", err, errTimerCreate)
	}
	if len(report) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if s.Len() != 0 || ft.liveRepeating() != 0 {
		t.Fatalf("partial schedule left: active=%d live=%d", s.Len(), ft.liveRepeating())
	}
	ft.Advance(10 * time.Second)
	if n := len(rec.all()); n != 0 {
		t.Fatalf("rolled back schedule fired %d times", n)
	}
}

func TestCancelAllStopsFiring(t *testing.T) {
	t.Parallel()
	s, ft, rec := newTestScheduler()
	if _, err := s.Rebuild([]GroupDefinition{
		{Label: "A", Interval: Seconds(1), Destinations: []string{"s"}, Messages: []string{"a"}},
		{Label: "B", Interval: Seconds(2), Destinations: []string{"s"}, Messages: []string{"b"}},
	}); err != nil {
		t.Fatal(err)
	}
	if n := s.CancelAll(); n != 2 {
		t.Fatalf("CancelAll = %d, want 2", n)
	}
	ft.Advance(time.Minute)
	if n := len(rec.all()); n != 0 {
		t.Fatalf("fired %d times after cancel", n)
	}
	if n := s.CancelAll(); n != 0 {
		t.Fatalf("second CancelAll = %d", n)
	}
}

func TestBroadcastPanicDoesNotStarveDestinations(t *testing.T) {
	t.Parallel()
	ft := newFakeTimers()
	rec := &recorder{}
	out := BroadcasterFunc(func(dest, text string) {
		if dest == "bad" {
			panic("boom")
		}
		rec.Broadcast(dest, text)
	})
	s := NewScheduler(ft, out, logx.Nop(), nil)
	if _, err := s.Rebuild([]GroupDefinition{
		{Label: "A", Interval: Seconds(1), Destinations: []string{"bad", "good"}, Messages: []string{"m"}},
	}); err != nil {
		t.Fatal(err)
	}
	ft.Advance(2 * time.Second)
	if n := len(rec.all()); n != 2 {
		t.Fatalf("good destination sends = %d, want 2", n)
	}
}

func TestSchedulerPublishesFired(t *testing.T) {
	t.Parallel()
	ft := newFakeTimers()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := NewScheduler(ft, &recorder{}, logx.Nop(), bus)
	if _, err := s.Rebuild([]GroupDefinition{
		{Label: "A", Interval: Seconds(1), Destinations: []string{"s"}, Messages: []string{"x", "y"}},
	}); err != nil {
		t.Fatal(err)
	}
	ft.Advance(time.Second)

	select {
	case ev := <-ch:
		fe, ok := ev.Data.(FiredEvent)
		if ev.Type != eventbus.TypeFired || !ok || fe.Label != "A" || fe.Text != "x" || fe.Cursor != 1 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no fired event")
	}
}

func TestReportSummary(t *testing.T) {
	t.Parallel()
	r := Report{{Label: "A", Result: CheckOK}, {Label: "B", Result: CheckNoServers}}
	sum := r.Summary()
	for _, want := range []string{"1/2 groups started", "'A' was started", "'B' was not started: servers are not specified"} {
		if !strings.Contains(sum, want) {
			t.Fatalf("summary %q missing %q", sum, want)
		}
	}
	if (Report{}).Summary() == "" {
		t.Fatal("empty report summary")
	}
}
