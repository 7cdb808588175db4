package automessage

import (
	"math"
	"slices"
	"time"
)

// GroupDefinition is one declarative message group as read from the
// definition source. It is an immutable snapshot for one reload cycle.
type GroupDefinition struct {
	Label string
	// Interval in seconds; nil when absent from the source.
	Interval     *float64
	Destinations []string
	Messages     []string
}

// Seconds is a convenience for building definitions in code.
func Seconds(v float64) *float64 { return &v }

// Validate checks def and, when it passes, builds a fresh MessageGroup in
// StateCreated with its cursor at zero. The first failing check wins:
// interval, then messages, then destinations.
func Validate(def GroupDefinition) (*MessageGroup, CheckResult) {
	interval, ok := intervalOf(def.Interval)
	if !ok {
		return nil, CheckIntervalNotSet
	}
	if len(def.Messages) == 0 {
		return nil, CheckNoMessages
	}
	if len(def.Destinations) == 0 {
		return nil, CheckNoServers
	}
	return &MessageGroup{
		label:        def.Label,
		interval:     interval,
		destinations: slices.Clone(def.Destinations),
		messages:     slices.Clone(def.Messages),
		state:        StateCreated,
	}, CheckOK
}

const maxIntervalSeconds = float64(math.MaxInt64 / int64(time.Second))

func intervalOf(secs *float64) (time.Duration, bool) {
	if secs == nil {
		return 0, false
	}
	v := *secs
	// !(v > 0) also rejects NaN.
	if !(v > 0) || v > maxIntervalSeconds {
		return 0, false
	}
	d := time.Duration(v * float64(time.Second))
	if d <= 0 {
		return 0, false
	}
	return d, true
}
