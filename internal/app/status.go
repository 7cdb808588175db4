package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"automsg/internal/automessage"
	"automsg/internal/broadcast"
	"automsg/internal/runtime/supervisor"
	"automsg/internal/storage"
	"automsg/pkg/logx"
)

// Snapshot is the JSON body of GET /status.
type Snapshot struct {
	StartedAt    time.Time                      `json:"started_at"`
	ConfigPath   string                         `json:"config_path"`
	AutoMessages automessage.Status             `json:"auto_messages"`
	Broadcast    broadcast.Stats                `json:"broadcast"`
	Supervisors  map[string]supervisor.Snapshot `json:"supervisors"`
	RecentAudit  []storage.AuditEntry           `json:"recent_audit,omitempty"`
}

const recentAuditLimit = 10

func (a *App) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		StartedAt:    a.startedAt,
		ConfigPath:   a.cfgm.Path(),
		AutoMessages: a.ctrl.Snapshot(),
		Broadcast:    a.bcast.Stats(),
		Supervisors:  a.sups.Snapshots(),
	}
	if a.store != nil {
		recent, err := a.store.RecentAudit(ctx, recentAuditLimit)
		if err != nil {
			a.log.Warn("recent audit read failed", logx.Err(err))
		}
		snap.RecentAudit = recent
	}
	return snap
}

// statusText renders the /status command reply.
func statusText(s Snapshot, now time.Time) string {
	var b strings.Builder
	am := s.AutoMessages
	fmt.Fprintf(&b, "auto messages: %s, %d active group(s), up since %s\n",
		am.State, len(am.Groups), humanize.RelTime(s.StartedAt, now, "ago", "from now"))
	for _, g := range am.Groups {
		fmt.Fprintf(&b, "- '%s' every %s to %s; next message %d/%d",
			g.Label, g.Interval, strings.Join(g.Destinations, ", "), g.Cursor+1, g.Messages)
		if g.Fired > 0 {
			fmt.Fprintf(&b, "; fired %s times, last %s",
				humanize.Comma(int64(g.Fired)), humanize.RelTime(g.LastFired, now, "ago", "from now"))
		}
		b.WriteString("\n")
	}
	if last := am.LastReload; last != nil {
		fmt.Fprintf(&b, "last reload %s (took %s): %s\n",
			humanize.RelTime(last.At, now, "ago", "from now"), last.Took.Round(time.Microsecond), last.Report.Summary())
	} else {
		b.WriteString("no reload completed yet\n")
	}
	if am.LastError != "" {
		fmt.Fprintf(&b, "last error: %s\n", am.LastError)
	}
	bs := s.Broadcast
	fmt.Fprintf(&b, "broadcast: %s sent, %s failed, %s dropped; queue %d/%d",
		humanize.Comma(int64(bs.Sent)), humanize.Comma(int64(bs.Failed)), humanize.Comma(int64(bs.Dropped)),
		bs.QueueLen, bs.QueueCap)
	if len(s.Supervisors) > 0 {
		names := make([]string, 0, len(s.Supervisors))
		for name, sn := range s.Supervisors {
			names = append(names, fmt.Sprintf("%s(%d)", name, sn.Active))
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "\nsupervisors: %s", strings.Join(names, " "))
	}
	return b.String()
}
