package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"automsg/internal/automessage"
	"automsg/internal/broadcast"
	"automsg/internal/config"
	"automsg/internal/eventbus"
	"automsg/internal/observability/status"
	"automsg/internal/runtime/supervisor"
	"automsg/internal/storage"
	"automsg/internal/transport"
	"automsg/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	bcast   *broadcast.Service
	timers  *automessage.CronTimers
	sched   *automessage.Scheduler
	ctrl    *automessage.Controller
	status  *status.Service
	cmds    *commandRouter
	sups    *supervisorRegistry

	reloadHook func(reason string)
	updates    chan transport.Update
	startedAt  time.Time
}

type Option func(*App)

// WithAdapter replaces the transport selected by the config.
func WithAdapter(ad transport.Adapter) Option {
	return func(a *App) { a.adapter = ad }
}

// WithReloadHook runs fn before every reload trigger, e.g. to notify a
// service manager.
func WithReloadHook(fn func(reason string)) Option {
	return func(a *App) { a.reloadHook = fn }
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a := &App{
		cfgm:    cfgm,
		sups:    newSupervisorRegistry(),
		updates: make(chan transport.Update, 64),
	}
	for _, o := range opts {
		o(a)
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if a.adapter == nil {
		if a.adapter, err = openTransport(cfg); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.New(mapLogConfig(cfg), a.adapter)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()

	if a.store, err = openStore(cfg, a.log); err != nil {
		return nil, err
	}

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.bcast = broadcast.New(bcfg, a.adapter, broadcast.NewResolver(mapDestinations(cfg)),
		log.With(logx.String("comp", "broadcast")), a.bus)

	settle, err := cfg.SettleDelay(automessage.DefaultSettleDelay)
	if err != nil {
		return nil, err
	}
	sourceTimeout, err := cfg.SourceTimeout(10 * time.Second)
	if err != nil {
		return nil, err
	}
	a.timers = automessage.NewCronTimers(log.With(logx.String("comp", "timers")))
	a.sched = automessage.NewScheduler(a.timers, a.bcast, log.With(logx.String("comp", "automessage")), a.bus)
	a.ctrl = automessage.NewController(a.sched, cfgm, a.timers, log.With(logx.String("comp", "reload")),
		automessage.WithSettleDelay(settle),
		automessage.WithSourceTimeout(sourceTimeout),
		automessage.WithEventBus(a.bus),
		automessage.WithRebuildHook(a.onRebuild),
	)

	stcfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.status = status.New(stcfg, func(ctx context.Context) any { return a.Snapshot(ctx) },
		log.With(logx.String("comp", "status")))

	a.cmds = newCommandRouter(log.With(logx.String("comp", "commands")), a.adapter, cfg.Telegram.OwnerUserIDs)
	a.cmds.Register(
		command{Name: "reload", Help: "re-read message groups and restart them", Handler: a.cmdReload},
		command{Name: "status", Help: "show active groups and the last reload", Handler: a.cmdStatus},
	)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sups.Set("app", a.sup)

	// Transactional config reload: a file that fails validation is never
	// committed, so the running services keep the previous config.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(c, cfg); err != nil {
			return err
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		_, err := mapStatusConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *supervisor.Supervisor }); ok {
		a.sups.Set("transport", sp.Supervisor())
	}

	a.bcast.Start(a.sup.Context())
	a.sups.Set("broadcast", a.bcast.Supervisor())

	a.status.Start(a.sup.Context())
	a.sups.Set("status", a.status.Supervisor())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.audit", func(c context.Context) {
		defer unsub()
		a.watchEvents(c, events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.configLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.Reload("start"); err != nil {
		return err
	}
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Reload stops every running group and schedules a rebuild from the config
// file after the settle delay.
func (a *App) Reload(reason string) error {
	if a.reloadHook != nil {
		a.reloadHook(reason)
	}
	a.log.Info("reload requested", logx.String("reason", reason))
	return a.ctrl.TriggerReload()
}

func (a *App) configLoop(c context.Context, sub <-chan *config.Config) {
	// Track last applied config to generate a safe diff summary.
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	for _, s := range []string{"storage", "transport"} {
		if changed[s] {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if changed["telegram"] && prev != nil && (prev.Telegram.Token != next.Telegram.Token || prev.Telegram.Commands != next.Telegram.Commands) {
		a.log.Warn("telegram token or commands changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))
	a.cmds.SetOwners(next.Telegram.OwnerUserIDs)

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.bcast.Apply(bcfg)
	}
	a.bcast.Resolver().Set(mapDestinations(next))

	if stcfg, err := mapStatusConfig(next); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(c, stcfg)
		a.sups.Set("status", a.status.Supervisor())
	}

	settle, err1 := next.SettleDelay(automessage.DefaultSettleDelay)
	sourceTimeout, err2 := next.SourceTimeout(10 * time.Second)
	if err := errors.Join(err1, err2); err != nil {
		a.log.Warn("invalid auto_messages config; keeping previous", logx.Err(err))
	} else {
		a.ctrl.Apply(settle, sourceTimeout)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)

	if changed["messages"] {
		if !next.AutoMessages.WatchEnabled() {
			a.log.Info("message groups changed; auto_messages.watch is off, waiting for an explicit reload")
			return
		}
		if err := a.Reload("config change"); err != nil {
			a.log.Warn("reload after config change failed", logx.Err(err))
		}
	}
}

func (a *App) cmdReload(_ context.Context, req *request) (string, error) {
	if err := a.Reload(fmt.Sprintf("command from %d", req.FromID)); err != nil {
		return "", err
	}
	return "reload scheduled; groups were stopped and restart after the settle delay", nil
}

func (a *App) cmdStatus(ctx context.Context, _ *request) (string, error) {
	return statusText(a.Snapshot(ctx), time.Now()), nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Groups stop first so nothing new reaches the broadcast queue.
	a.ctrl.Shutdown()
	a.sup.Cancel()

	// step bounds a shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("timers", 2*time.Second, func(c context.Context) error { a.timers.Stop(c); return nil })
	step("status", 1*time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("broadcast", 2*time.Second, func(c context.Context) error { a.bcast.Stop(c); return nil })
	step("transport", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	// Finally, wait for supervised goroutines (config watch/reload, dispatcher, reports).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
