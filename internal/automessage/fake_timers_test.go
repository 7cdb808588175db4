package automessage

import (
	"errors"
	"sync"
	"time"
)

// fakeTimers is a manual clock. Advance runs due callbacks in time order,
// outside the lock, so callbacks may schedule or stop timers.
type fakeTimers struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers []*fakeTimer

	everyCalls int
	// failEvery makes the Nth Every call (1-based) fail.
	failEvery int
}

type fakeTimer struct {
	ft      *fakeTimers
	id      int
	at      time.Time
	every   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() {
	t.ft.mu.Lock()
	t.stopped = true
	t.ft.mu.Unlock()
}

var errTimerCreate = errors.New("timer create failed")

func newFakeTimers() *fakeTimers {
	return &fakeTimers{now: time.Unix(1_700_000_000, 0)}
}

func (f *fakeTimers) add(d, every time.Duration, fn func()) *fakeTimer {
	f.nextID++
	t := &fakeTimer{ft: f, id: f.nextID, at: f.now.Add(d), every: every, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

func (f *fakeTimers) Every(d time.Duration, fn func()) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.everyCalls++
	if f.failEvery > 0 && f.everyCalls == f.failEvery {
		return nil, errTimerCreate
	}
	return f.add(d, d, fn), nil
}

func (f *fakeTimers) After(d time.Duration, fn func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(d, 0, fn)
}

func (f *fakeTimers) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var next *fakeTimer
		for _, t := range f.timers {
			if t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
				next = t
			}
		}
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.at
		if next.every > 0 {
			next.at = next.at.Add(next.every)
		} else {
			next.stopped = true
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}

// liveRepeating counts repeating timers that have not been stopped.
func (f *fakeTimers) liveRepeating() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if t.every > 0 && !t.stopped {
			n++
		}
	}
	return n
}

type sent struct {
	dest string
	text string
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Broadcast(dest, text string) {
	r.mu.Lock()
	r.sent = append(r.sent, sent{dest: dest, text: text})
	r.mu.Unlock()
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
