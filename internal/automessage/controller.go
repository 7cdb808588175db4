package automessage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"automsg/internal/eventbus"
	"automsg/pkg/logx"
)

// DefaultSettleDelay gives writers of the definition source time to finish
// before a rebuild reads it.
const DefaultSettleDelay = 3 * time.Second

// ErrStopped is returned by TriggerReload after Shutdown.
var ErrStopped = errors.New("controller stopped")

// DefinitionSource produces the latest group definitions. It is read once
// per rebuild, wholesale.
type DefinitionSource interface {
	Definitions(ctx context.Context) ([]GroupDefinition, error)
}

type DefinitionSourceFunc func(ctx context.Context) ([]GroupDefinition, error)

func (f DefinitionSourceFunc) Definitions(ctx context.Context) ([]GroupDefinition, error) {
	return f(ctx)
}

type ControllerState int

const (
	ControllerIdle ControllerState = iota
	ControllerPending
	ControllerStopped
)

func (s ControllerState) String() string {
	switch s {
	case ControllerIdle:
		return "idle"
	case ControllerPending:
		return "pending_rebuild"
	case ControllerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s ControllerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// RebuildResult describes one completed reload cycle.
type RebuildResult struct {
	Cycle  string        `json:"cycle"`
	At     time.Time     `json:"at"`
	Took   time.Duration `json:"took"`
	Report Report        `json:"report"`
	// Err is set when the source failed or the rebuild was rolled back.
	Err error `json:"-"`
}

// ReloadScheduled is published when a trigger arms the settle timer.
type ReloadScheduled struct {
	Cycle     string
	Delay     time.Duration
	Cancelled int
}

type ControllerOption func(*Controller)

func WithSettleDelay(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithSourceTimeout bounds how long a rebuild waits for the definition source.
func WithSourceTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.sourceTimeout = d
		}
	}
}

// WithRebuildHook registers fn to run after every rebuild, outside the
// controller lock.
func WithRebuildHook(fn func(RebuildResult)) ControllerOption {
	return func(c *Controller) { c.hooks = append(c.hooks, fn) }
}

func WithEventBus(bus eventbus.Bus) ControllerOption {
	return func(c *Controller) { c.bus = bus }
}

// Controller sequences reloads: stop the current schedule, wait the settle
// delay, rebuild from the latest definitions. Repeated triggers while a
// rebuild is pending collapse into one rebuild.
type Controller struct {
	sched         *Scheduler
	source        DefinitionSource
	timers        Timers
	log           logx.Logger
	bus           eventbus.Bus
	delay         time.Duration
	sourceTimeout time.Duration
	hooks         []func(RebuildResult)

	mu      sync.Mutex
	state   ControllerState
	pending Handle
	// gen identifies the current pending rebuild; callbacks carrying an
	// older generation were superseded and do nothing.
	gen  uint64
	last *RebuildResult
}

func NewController(sched *Scheduler, source DefinitionSource, timers Timers, log logx.Logger, opts ...ControllerOption) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		sched:         sched,
		source:        source,
		timers:        timers,
		log:           log,
		delay:         DefaultSettleDelay,
		sourceTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TriggerReload cancels any pending rebuild and every active group, then
// arms a fresh rebuild after the settle delay. It never blocks on the source.
func (c *Controller) TriggerReload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == ControllerStopped {
		return ErrStopped
	}
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
		c.log.Debug("pending rebuild superseded")
	}
	cancelled := c.sched.CancelAll()

	c.gen++
	gen := c.gen
	cycle := uuid.NewString()
	c.pending = c.timers.After(c.delay, func() { c.rebuild(gen, cycle) })
	c.state = ControllerPending

	c.log.Info("reload scheduled",
		logx.String("cycle", cycle),
		logx.Duration("settle_delay", c.delay),
		logx.Int("cancelled", cancelled),
	)
	eventbus.Publish(c.bus, eventbus.TypeReloadScheduled, ReloadScheduled{Cycle: cycle, Delay: c.delay, Cancelled: cancelled})
	return nil
}

// Apply updates the settle delay and source timeout for later cycles.
// A negative settle delay or a non-positive timeout keeps the current value.
func (c *Controller) Apply(settle, sourceTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if settle >= 0 {
		c.delay = settle
	}
	if sourceTimeout > 0 {
		c.sourceTimeout = sourceTimeout
	}
}

func (c *Controller) current(gen uint64) bool {
	return c.gen == gen && c.state == ControllerPending
}

func (c *Controller) rebuild(gen uint64, cycle string) {
	c.mu.Lock()
	live := c.current(gen)
	timeout := c.sourceTimeout
	c.mu.Unlock()
	if !live {
		return
	}

	start := time.Now()
	// Read outside the lock so a slow source never delays triggers or shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defs, srcErr := c.source.Definitions(ctx)
	cancel()
	if srcErr != nil {
		c.log.Warn("definition source failed; rebuilding from what was read",
			logx.String("cycle", cycle),
			logx.Int("definitions", len(defs)),
			logx.Err(srcErr),
		)
	}

	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		c.log.Debug("rebuild superseded while reading definitions", logx.String("cycle", cycle))
		return
	}
	c.pending = nil
	c.state = ControllerIdle
	report, err := c.sched.Rebuild(defs)
	res := RebuildResult{
		Cycle:  cycle,
		At:     start,
		Took:   time.Since(start),
		Report: report,
		Err:    errors.Join(srcErr, err),
	}
	c.last = &res
	hooks := c.hooks
	c.mu.Unlock()

	fields := []logx.Field{
		logx.String("cycle", cycle),
		logx.Int("started", report.Started()),
		logx.Int("skipped", report.Skipped()),
		logx.Duration("took", res.Took),
	}
	if err != nil {
		c.log.Error("rebuild failed; no groups active", append(fields, logx.Err(err))...)
	} else {
		c.log.Info("rebuild done", fields...)
	}
	eventbus.Publish(c.bus, eventbus.TypeRebuilt, res)
	for _, h := range hooks {
		h(res)
	}
}

// Shutdown cancels the pending rebuild and every active group. Later
// triggers return ErrStopped.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ControllerStopped {
		return
	}
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.gen++
	c.state = ControllerStopped
	n := c.sched.CancelAll()
	c.log.Info("auto messages stopped", logx.Int("cancelled", n))
}

func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Last returns the most recent rebuild result, if any.
func (c *Controller) Last() (RebuildResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return RebuildResult{}, false
	}
	return *c.last, true
}

// Status is the combined view used by status surfaces.
type Status struct {
	State      ControllerState `json:"state"`
	Groups     []GroupInfo     `json:"groups"`
	LastReload *RebuildResult  `json:"last_reload,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	st := Status{State: c.state}
	if c.last != nil {
		last := *c.last
		st.LastReload = &last
		if last.Err != nil {
			st.LastError = last.Err.Error()
		}
	}
	c.mu.Unlock()
	st.Groups = c.sched.Snapshot()
	return st
}
