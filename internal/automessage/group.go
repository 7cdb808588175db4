package automessage

import (
	"slices"
	"sync"
	"time"
)

// GroupState is the lifecycle of a MessageGroup: Created -> Scheduled -> Cancelled.
type GroupState int

const (
	StateCreated GroupState = iota
	StateScheduled
	StateCancelled
)

func (s GroupState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateScheduled:
		return "scheduled"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s GroupState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MessageGroup is a validated group that owns its rotation cursor and timer.
// Construct it with Validate.
type MessageGroup struct {
	label        string
	interval     time.Duration
	destinations []string
	messages     []string

	mu        sync.Mutex
	cursor    int
	state     GroupState
	handle    Handle
	fired     uint64
	lastFired time.Time
}

func (g *MessageGroup) Label() string           { return g.label }
func (g *MessageGroup) Interval() time.Duration { return g.interval }
func (g *MessageGroup) Destinations() []string  { return slices.Clone(g.destinations) }
func (g *MessageGroup) Messages() []string      { return slices.Clone(g.messages) }

func (g *MessageGroup) Cursor() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cursor
}

func (g *MessageGroup) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Fire returns the message under the cursor and advances the cursor,
// wrapping after the last message.
func (g *MessageGroup) Fire() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fireLocked(time.Now())
}

func (g *MessageGroup) fireLocked(now time.Time) string {
	text := g.messages[g.cursor]
	g.cursor = (g.cursor + 1) % len(g.messages)
	g.fired++
	g.lastFired = now
	return text
}

// tick is the timer callback body: it rotates only while Scheduled, so a
// callback dispatched just before cancellation never broadcasts.
func (g *MessageGroup) tick(now time.Time) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateScheduled {
		return "", false
	}
	return g.fireLocked(now), true
}

func (g *MessageGroup) markScheduled() {
	g.mu.Lock()
	g.state = StateScheduled
	g.mu.Unlock()
}

func (g *MessageGroup) attach(h Handle) {
	g.mu.Lock()
	g.handle = h
	g.mu.Unlock()
}

// cancel stops the timer and moves the group to its terminal state.
// It reports whether this call performed the transition.
func (g *MessageGroup) cancel() bool {
	g.mu.Lock()
	if g.state == StateCancelled {
		g.mu.Unlock()
		return false
	}
	g.state = StateCancelled
	h := g.handle
	g.handle = nil
	g.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	return true
}

// GroupInfo is a point-in-time view of a group for status output.
type GroupInfo struct {
	Label        string        `json:"label"`
	Interval     time.Duration `json:"interval"`
	Destinations []string      `json:"destinations"`
	Messages     int           `json:"messages"`
	Cursor       int           `json:"cursor"`
	State        GroupState    `json:"state"`
	Fired        uint64        `json:"fired"`
	LastFired    time.Time     `json:"last_fired,omitempty"`
	NextMessage  string        `json:"next_message"`
}

func (g *MessageGroup) Info() GroupInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GroupInfo{
		Label:        g.label,
		Interval:     g.interval,
		Destinations: slices.Clone(g.destinations),
		Messages:     len(g.messages),
		Cursor:       g.cursor,
		State:        g.state,
		Fired:        g.fired,
		LastFired:    g.lastFired,
		NextMessage:  g.messages[g.cursor],
	}
}
