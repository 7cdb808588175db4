package automessage

// CheckResult is the outcome of validating one GroupDefinition.
// Only CheckOK produces a MessageGroup; the others are reportable, not errors.
type CheckResult int

const (
	CheckOK CheckResult = iota
	CheckIntervalNotSet
	CheckNoMessages
	CheckNoServers
)

func (r CheckResult) String() string {
	switch r {
	case CheckOK:
		return "OK"
	case CheckIntervalNotSet:
		return "IntervalNotSet"
	case CheckNoMessages:
		return "NoMessages"
	case CheckNoServers:
		return "NoServers"
	default:
		return "Unknown"
	}
}

// Reason is the operator-facing explanation of a failed check.
func (r CheckResult) Reason() string {
	switch r {
	case CheckOK:
		return ""
	case CheckIntervalNotSet:
		return "interval is not specified or <= 0"
	case CheckNoMessages:
		return "messages are not specified or empty"
	default:
		return "servers are not specified or empty"
	}
}

func (r CheckResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
