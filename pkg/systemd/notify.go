// Package systemd reports service state to systemd via sd_notify. Every call
// is a no-op when the process does not run under a Type=notify unit.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"automsg/pkg/logx"
)

type Notifier struct {
	log logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log}
}

func (n *Notifier) Ready() bool    { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// Reloaded reports a reload that completed synchronously: RELOADING=1
// followed by READY=1.
func (n *Notifier) Reloaded() bool {
	if !n.send(daemon.SdNotifyReloading) {
		return false
	}
	return n.send(daemon.SdNotifyReady)
}

func (n *Notifier) send(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	if ok {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
	return ok
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx is done. It returns immediately when WatchdogSec is not set.
func (n *Notifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
