package broadcast

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"automsg/internal/eventbus"
	"automsg/internal/runtime/supervisor"
	"automsg/internal/transport"
	"automsg/pkg/logx"
)

var errNotRunning = errors.New("broadcast service not running")

// Service delivers texts to destinations asynchronously: Broadcast enqueues
// and returns, a pool of workers sends under a shared rate limit and retries.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	queue    chan job
	sup      *supervisor.Supervisor
	adapter  transport.Adapter
	resolver *Resolver
	log      logx.Logger
	bus      eventbus.Bus

	statusMu   sync.RWMutex
	status     map[string]*JobStatus
	pruneEvery time.Duration

	queued, sent, failed, dropped atomic.Uint64
}

func New(cfg Config, adapter transport.Adapter, resolver *Resolver, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:    make(chan job, cfg.QueueSize),
		adapter:  adapter,
		resolver: resolver,
		log:      log,
		bus:      bus,
		status:   map[string]*JobStatus{},

		pruneEvery: defaultPruneEvery,
	}
}

func (s *Service) Resolver() *Resolver { return s.resolver }

// Apply swaps rate, retry and silence settings live. Worker count and queue
// size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if cfg.Workers != s.cfg.Workers || cfg.QueueSize != s.cfg.QueueSize {
		s.log.Info("broadcast pool size changes apply after restart",
			logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		s.sup.GoRestart0("broadcast.worker."+strconv.Itoa(idx), func(c context.Context) {
			s.worker(c, idx)
		}, supervisor.WithStopOnCleanExit(true))
	}
	s.sup.Go0("broadcast.prune", s.pruneLoop)
	s.log.Info("service started", logx.Int("workers", s.cfg.Workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop cancels the workers and waits for them until ctx is done. Queued
// jobs stay queued for a later Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("service stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Broadcast queues text for every client of dest and returns immediately.
// Failures are logged and published, never returned.
func (s *Service) Broadcast(dest, text string) {
	_, _ = s.Enqueue(dest, text)
}

// Enqueue is Broadcast that also reports the job id and enqueue error.
func (s *Service) Enqueue(dest, text string) (string, error) {
	now := time.Now()
	id := uuid.NewString()
	st := &JobStatus{ID: id, Destination: dest, State: JobQueued, CreatedAt: now}
	s.statusMu.Lock()
	s.status[id] = st
	over := len(s.status) > statusHardMax
	s.statusMu.Unlock()
	if over {
		s.pruneStatus(now)
	}

	to, err := s.resolver.Resolve(dest)
	if err != nil {
		s.drop(id, dest, text, err)
		return id, err
	}
	s.update(id, func(st *JobStatus) { st.Target = to })

	s.mu.Lock()
	running := s.sup != nil
	q := s.queue
	s.mu.Unlock()
	if !running {
		s.drop(id, dest, text, errNotRunning)
		return id, errNotRunning
	}

	select {
	case q <- job{id: id, dest: dest, to: to, text: text}:
		s.queued.Add(1)
		s.log.Debug("broadcast job enqueued",
			logx.String("job", id),
			logx.String("destination", dest),
			logx.Int("queue_len", len(q)),
		)
		return id, nil
	default:
		err := errors.New("broadcast queue full")
		s.drop(id, dest, text, err)
		return id, err
	}
}

func (s *Service) drop(id, dest, text string, err error) {
	s.dropped.Add(1)
	s.log.Warn("broadcast dropped", logx.String("job", id), logx.String("destination", dest), logx.Err(err))
	s.update(id, func(st *JobStatus) {
		st.State = JobDropped
		st.Err = err.Error()
		st.DoneAt = time.Now()
	})
	eventbus.Publish(s.bus, eventbus.TypeBroadcastFailed, FailedEvent{
		JobID: id, Destination: dest, Text: text, Err: err.Error(),
	})
}

func (s *Service) update(id string, fn func(*JobStatus)) {
	s.statusMu.Lock()
	if st := s.status[id]; st != nil {
		fn(st)
	}
	s.statusMu.Unlock()
}

func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	return *st, true
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	return Stats{
		Queued:   s.queued.Load(),
		Sent:     s.sent.Load(),
		Failed:   s.failed.Load(),
		Dropped:  s.dropped.Load(),
		QueueLen: len(q),
		QueueCap: cap(q),
	}
}

func (s *Service) pruneLoop(ctx context.Context) {
	t := time.NewTicker(s.pruneEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.pruneStatus(now)
		}
	}
}

// pruneStatus drops finished entries older than the job TTL, then the
// oldest entries beyond statusMax.
func (s *Service) pruneStatus(now time.Time) {
	s.mu.Lock()
	ttl := s.cfg.JobTTL
	s.mu.Unlock()

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for id, st := range s.status {
		if !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > ttl {
			delete(s.status, id)
		}
	}
	if len(s.status) <= statusMax {
		return
	}
	all := make([]*JobStatus, 0, len(s.status))
	for _, st := range s.status {
		all = append(all, st)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	for _, st := range all[:len(all)-statusMax] {
		delete(s.status, st.ID)
	}
}
