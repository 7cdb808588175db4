package automessage

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"automsg/internal/eventbus"
	"automsg/pkg/logx"
)

// Broadcaster delivers text to every client attached to a destination.
// It is fire-and-forget: implementations must not block on delivery and
// report their own failures.
type Broadcaster interface {
	Broadcast(destination, text string)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(destination, text string)

func (f BroadcasterFunc) Broadcast(destination, text string) { f(destination, text) }

// FiredEvent is published on the event bus for every group firing.
type FiredEvent struct {
	Label        string
	Text         string
	Destinations []string
	Cursor       int
}

// Scheduler owns the active schedule: the set of Scheduled groups.
type Scheduler struct {
	timers Timers
	out    Broadcaster
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu     sync.Mutex
	groups []*MessageGroup
}

func NewScheduler(timers Timers, out Broadcaster, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{timers: timers, out: out, log: log, bus: bus, now: time.Now}
}

// Rebuild replaces the active schedule with the groups built from defs.
//
// The previous groups are cancelled before any new group is constructed.
// The report has one entry per definition, in input order. If a timer cannot
// be created, every timer created by this call is stopped, the schedule is
// left empty, and the error is returned with the report collected so far.
func (s *Scheduler) Rebuild(defs []GroupDefinition) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.cancelAllLocked(); n > 0 {
		s.log.Debug("previous schedule cancelled", logx.Int("groups", n))
	}

	report := make(Report, 0, len(defs))
	next := make([]*MessageGroup, 0, len(defs))
	for _, def := range defs {
		g, res := Validate(def)
		report = append(report, ReportEntry{Label: def.Label, Result: res})
		if res != CheckOK {
			s.log.Warn("group not started",
				logx.String("label", def.Label),
				logx.String("check", res.String()),
				logx.String("reason", res.Reason()),
			)
			continue
		}

		g.markScheduled()
		h, err := s.timers.Every(g.interval, func() { s.tick(g) })
		if err != nil {
			g.cancel()
			for _, started := range next {
				started.cancel()
			}
			s.log.Error("rebuild rolled back", logx.String("label", def.Label), logx.Err(err))
			return report, fmt.Errorf("schedule group %q: %w", def.Label, err)
		}
		g.attach(h)
		next = append(next, g)

		s.log.Info("group started",
			logx.String("label", g.label),
			logx.Duration("interval", g.interval),
			logx.Int("destinations", len(g.destinations)),
			logx.Int("messages", len(g.messages)),
		)
	}

	s.groups = next
	return report, nil
}

// CancelAll stops every active group and empties the schedule.
// It returns the number of groups cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelAllLocked()
}

func (s *Scheduler) cancelAllLocked() int {
	n := 0
	for _, g := range s.groups {
		if g.cancel() {
			n++
		}
	}
	s.groups = nil
	return n
}

// Len reports the number of active groups.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

// Snapshot returns a view of the active groups in definition order.
func (s *Scheduler) Snapshot() []GroupInfo {
	s.mu.Lock()
	groups := append([]*MessageGroup(nil), s.groups...)
	s.mu.Unlock()

	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Info())
	}
	return out
}

func (s *Scheduler) tick(g *MessageGroup) {
	text, ok := g.tick(s.now())
	if !ok {
		return
	}
	for _, dest := range g.destinations {
		s.send(g.label, dest, text)
	}
	eventbus.Publish(s.bus, eventbus.TypeFired, FiredEvent{
		Label:        g.label,
		Text:         text,
		Destinations: g.destinations,
		Cursor:       g.Cursor(),
	})
}

// send isolates one destination so a panicking broadcaster cannot starve
// the remaining destinations of the same firing.
func (s *Scheduler) send(label, dest, text string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("broadcast panicked",
				logx.String("label", label),
				logx.String("destination", dest),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.out.Broadcast(dest, text)
}
