package automessage

import (
	"strconv"
	"strings"
)

// ReportEntry is the validation outcome for one definition.
type ReportEntry struct {
	Label  string      `json:"label"`
	Result CheckResult `json:"result"`
}

// Report lists outcomes in definition order.
type Report []ReportEntry

// Started counts entries that produced a running group.
func (r Report) Started() int {
	n := 0
	for _, e := range r {
		if e.Result == CheckOK {
			n++
		}
	}
	return n
}

// Skipped counts entries rejected by validation.
func (r Report) Skipped() int { return len(r) - r.Started() }

// Summary renders a compact multi-line status, one line per entry.
func (r Report) Summary() string {
	if len(r) == 0 {
		return "no message groups defined"
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Started()))
	b.WriteString("/")
	b.WriteString(strconv.Itoa(len(r)))
	b.WriteString(" groups started")
	for _, e := range r {
		b.WriteString("\n")
		if e.Result == CheckOK {
			b.WriteString("+ '")
			b.WriteString(e.Label)
			b.WriteString("' was started")
			continue
		}
		b.WriteString("- '")
		b.WriteString(e.Label)
		b.WriteString("' was not started: ")
		b.WriteString(e.Result.Reason())
	}
	return b.String()
}
