package automessage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"automsg/pkg/logx"
)

// ErrTimersStopped is returned by Every once the timer source is closed.
var ErrTimersStopped = errors.New("timers stopped")

// Handle cancels a scheduled timer. Stop is idempotent; a stopped timer
// never starts another run, but a run already in flight may complete.
type Handle interface {
	Stop()
}

// Timers is the scheduling primitive shared by the Scheduler (repeating
// group timers) and the Controller (the one-shot settle delay).
type Timers interface {
	// Every calls fn every d. The first call happens one full d after
	// scheduling, and calls for the same handle never overlap.
	Every(d time.Duration, fn func()) (Handle, error)
	// After calls fn once after d.
	After(d time.Duration, fn func()) Handle
}

// CronTimers implements Timers on a robfig/cron runner.
type CronTimers struct {
	mu      sync.Mutex
	c       *cron.Cron
	stopped bool
}

func NewCronTimers(log logx.Logger) *CronTimers {
	if log.IsZero() {
		log = logx.Nop()
	}
	cl := cronLogger{log: log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(
		cron.Recover(cl),
		// A slow broadcast must not overlap the next tick of the same group.
		cron.SkipIfStillRunning(cl),
	))
	c.Start()
	return &CronTimers{c: c}
}

func (t *CronTimers) Every(d time.Duration, fn func()) (Handle, error) {
	if d <= 0 {
		return nil, fmt.Errorf("every: non-positive interval %s", d)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return nil, ErrTimersStopped
	}
	id := t.c.Schedule(everySchedule(d), cron.FuncJob(fn))
	return &cronHandle{c: t.c, id: id}, nil
}

func (t *CronTimers) After(d time.Duration, fn func()) Handle {
	return afterHandle{t: time.AfterFunc(d, fn)}
}

// Len reports how many repeating timers are registered.
func (t *CronTimers) Len() int {
	return len(t.c.Entries())
}

// Stop stops the runner and waits for in-flight runs until ctx is done.
func (t *CronTimers) Stop(ctx context.Context) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	select {
	case <-t.c.Stop().Done():
	case <-ctx.Done():
	}
}

// everySchedule fires exactly d after the previous activation. Unlike
// cron.Every it keeps sub-second precision.
type everySchedule time.Duration

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(s)) }

type cronHandle struct {
	c    *cron.Cron
	id   cron.EntryID
	once sync.Once
}

func (h *cronHandle) Stop() {
	h.once.Do(func() { h.c.Remove(h.id) })
}

type afterHandle struct{ t *time.Timer }

func (h afterHandle) Stop() { h.t.Stop() }

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if l.log.Enabled(logx.LevelTrace) {
		l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	fields := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
