package app

import (
	"context"
	"encoding/json"
	"time"

	"automsg/internal/automessage"
	"automsg/internal/broadcast"
	"automsg/internal/eventbus"
	"automsg/internal/storage"
	"automsg/internal/transport"
	"automsg/pkg/logx"
)

const auditTimeout = 5 * time.Second

// onRebuild runs on the controller's timer goroutine after every cycle.
func (a *App) onRebuild(res automessage.RebuildResult) {
	a.audit(rebuildAudit(res))

	cfg := a.cfgm.Get()
	if cfg == nil || !cfg.AutoMessages.ReportToChat {
		return
	}
	to, ok := groupLogTarget(cfg)
	if !ok {
		a.log.Debug("rebuild report skipped: telegram.group_log is not a chat id")
		return
	}
	text := "auto messages reloaded: " + res.Report.Summary()
	if res.Err != nil {
		text += "\nerror: " + res.Err.Error()
	}
	a.sendReport(to, text)
}

func (a *App) sendReport(to transport.ChatTarget, text string) {
	sup := a.sup
	if sup == nil {
		return
	}
	sup.Go0("rebuild.report", func(c context.Context) {
		ctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if _, err := a.adapter.SendText(ctx, to, text, &transport.SendOptions{DisablePreview: true, Silent: true}); err != nil {
			a.log.Warn("rebuild report send failed", logx.Err(err))
		}
	})
}

func rebuildAudit(res automessage.RebuildResult) storage.AuditEntry {
	e := storage.AuditEntry{
		At:     res.At,
		Kind:   storage.KindRebuild,
		Cycle:  res.Cycle,
		OK:     res.Report.Started(),
		Fail:   res.Report.Skipped(),
		TookMS: res.Took.Milliseconds(),
	}
	for _, r := range res.Report {
		if r.Result != automessage.CheckOK {
			e.Labels = append(e.Labels, r.Label)
		}
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if b, err := json.Marshal(res.Report); err == nil {
		e.MetaJSON = string(b)
	}
	return e
}

func (a *App) audit(e storage.AuditEntry) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := a.store.AppendAudit(ctx, e); err != nil {
		a.log.Warn("audit append failed", logx.String("kind", e.Kind), logx.Err(err))
	}
}

// watchEvents audits broadcast failures and logs bus traffic at debug level.
func (a *App) watchEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", ev.Type), logx.Time("time", ev.Time))
			if ev.Type != eventbus.TypeBroadcastFailed {
				continue
			}
			fe, ok := ev.Data.(broadcast.FailedEvent)
			if !ok {
				continue
			}
			a.audit(storage.AuditEntry{
				At:       ev.Time,
				Kind:     storage.KindBroadcastFailed,
				Subject:  fe.Destination,
				Fail:     1,
				Error:    fe.Err,
				MetaJSON: failureMeta(fe),
			})
		}
	}
}

func failureMeta(fe broadcast.FailedEvent) string {
	b, err := json.Marshal(map[string]any{"job": fe.JobID, "attempts": fe.Attempts, "text": fe.Text})
	if err != nil {
		return ""
	}
	return string(b)
}
