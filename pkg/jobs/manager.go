package jobs

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/runtime/supervisor"
	logx "jobsched/pkg/logx"
)

type Config struct {
	// MaxWorkers bounds concurrently running jobs. 0 means runtime.NumCPU().
	MaxWorkers int
	// MinWorkers idle goroutines are kept alive.
	MinWorkers int
	// IdleTimeout after which an idle worker above MinWorkers exits.
	IdleTimeout time.Duration
	// Adaptive starts the admission limit low and moves it between 1 and
	// MaxWorkers based on backlog and runtime pressure.
	Adaptive bool
	// AutoscaleEvery is the adaptive controller tick. Default 2s.
	AutoscaleEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	if c.MinWorkers < 0 {
		c.MinWorkers = 0
	}
	if c.MinWorkers > c.MaxWorkers {
		c.MinWorkers = c.MaxWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.AutoscaleEvery <= 0 {
		c.AutoscaleEvery = 2 * time.Second
	}
	return c
}

// Manager schedules jobs. The zero value is not usable; call New.
//
// Its bookkeeping is guarded by a plain sync.Mutex rather than a Lock: the
// guard is never re-entered and is never held across a blocking wait.
type Manager struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	locks *lockGraph

	// listener panic warnings are throttled
	warnLimiter *rate.Limiter

	mu        sync.Mutex
	waiting   *jobQueue
	sleeping  *jobQueue
	running   []*Job
	ready     []*Job
	yielders  []*yieldWait
	implicit  map[*Owner]*heldRule
	listeners []*listenerEntry

	seq             uint64
	implicitWaiting int
	active          int // jobs holding a worker slot
	limit           int // admission limit
	workers         int
	idle            int
	starting        int
	workerSeq       int
	wake            chan struct{} // closed to wake idle workers
	sleeperNudge    chan struct{}

	started   bool
	suspended bool
	shutdown  bool
	drained   chan struct{}
	sup       *supervisor.Supervisor

	stats counters
}

type counters struct {
	scheduled      atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	canceled       atomic.Uint64
	panics         atomic.Uint64
	listenerPanics atomic.Uint64
}

// New returns a stopped Manager. Jobs may be created and scheduled right
// away; nothing runs until Start. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:          cfg,
		log:          log.With(logx.String("comp", "jobs")),
		bus:          bus,
		locks:        newLockGraph(),
		warnLimiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		waiting:      newWaitingQueue(),
		sleeping:     newSleepingQueue(),
		implicit:     map[*Owner]*heldRule{},
		limit:        cfg.MaxWorkers,
		wake:         make(chan struct{}),
		sleeperNudge: make(chan struct{}, 1),
		drained:      make(chan struct{}),
	}
	if cfg.Adaptive {
		m.limit = initialPermitLimit(cfg.MaxWorkers)
	}
	return m
}

// Start launches the sleeper, the optional autoscaler and MinWorkers idle
// workers, then admits whatever is already waiting. Workers run under ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.started = true
	for i := 0; i < m.cfg.MinWorkers; i++ {
		m.spawnWorkerLocked()
	}
	m.pumpLocked()
	sup := m.sup
	m.mu.Unlock()

	sup.GoRestart("sleeper", m.sleeper, supervisor.WithPublishFirstError(true))
	if m.cfg.Adaptive {
		sup.GoRestart("autoscale", m.autoscale)
	}
	m.log.Info("job manager started",
		logx.Int("max_workers", m.cfg.MaxWorkers),
		logx.Int("min_workers", m.cfg.MinWorkers),
		logx.Bool("adaptive", m.cfg.Adaptive),
	)
	return nil
}

// Shutdown rejects new schedules, cancels waiting and sleeping jobs, requests
// cancellation of running ones and waits for them until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		drained := m.drained
		m.mu.Unlock()
		select {
		case <-drained:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.shutdown = true
	var b batch
	for _, j := range m.waiting.snapshot() {
		m.cancelLocked(j, &b)
	}
	for _, j := range m.sleeping.snapshot() {
		m.cancelLocked(j, &b)
	}
	for _, j := range append(m.runningLocked(), m.yieldingLocked()...) {
		m.cancelLocked(j, &b)
	}
	m.broadcastLocked()
	m.checkDrainedLocked()
	drained, sup := m.drained, m.sup
	m.mu.Unlock()
	m.finish(&b)

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		m.log.Warn("shutdown deadline reached with jobs still running", logx.Err(err))
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
		if err == nil {
			err = ctx.Err()
		}
	}
	m.log.Info("job manager stopped")
	return err
}

// Suspend stops admitting jobs. Running jobs continue.
func (m *Manager) Suspend() {
	m.mu.Lock()
	m.suspended = true
	m.mu.Unlock()
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.suspended = false
	m.pumpLocked()
	m.mu.Unlock()
}

func (m *Manager) IsSuspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended
}

// IsIdle reports whether no job is waiting or running. Sleeping jobs do not
// count.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiting.len() == 0 && len(m.running) == 0 && len(m.yielders) == 0
}

// NewJob creates a job owned by m without scheduling it.
func (m *Manager) NewJob(name string, run RunFunc, opts ...JobOption) *Job {
	return newJob(m, name, run, opts...)
}

// Submit creates a job and schedules it immediately.
func (m *Manager) Submit(name string, run RunFunc, opts ...JobOption) (*Job, error) {
	j := newJob(m, name, run, opts...)
	if err := m.Schedule(j, 0); err != nil {
		return nil, err
	}
	return j, nil
}

// NewLock returns a lock whose deadlock detection covers every lock created
// by this manager.
func (m *Manager) NewLock() *Lock { return &Lock{g: m.locks} }

// CurrentJob returns the job whose run context ctx derives from, or nil.
func (m *Manager) CurrentJob(ctx context.Context) *Job {
	if ri := runFrom(ctx); ri != nil && ri.job.m == m {
		return ri.job
	}
	return nil
}

func (m *Manager) runningLocked() []*Job {
	out := make([]*Job, 0, len(m.running))
	for _, j := range m.running {
		if !j.implicit {
			out = append(out, j)
		}
	}
	return out
}

func (m *Manager) yieldingLocked() []*Job {
	out := make([]*Job, 0, len(m.yielders))
	for _, y := range m.yielders {
		out = append(out, y.job)
	}
	return out
}

func (m *Manager) checkDrainedLocked() {
	if !m.shutdown || m.workers > 0 || len(m.running) > 0 || len(m.yielders) > 0 {
		return
	}
	select {
	case <-m.drained:
	default:
		close(m.drained)
	}
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Workers    int `json:"workers"`
	Idle       int `json:"idle"`
	Active     int `json:"active"`
	Limit      int `json:"limit"`
	MaxWorkers int `json:"max_workers"`

	Waiting  int `json:"waiting"`
	Sleeping int `json:"sleeping"`
	Running  int `json:"running"`
	Yielding int `json:"yielding"`

	Suspended bool `json:"suspended"`
	Shutdown  bool `json:"shutdown"`

	Scheduled      uint64 `json:"scheduled"`
	Completed      uint64 `json:"completed"`
	Failed         uint64 `json:"failed"`
	Canceled       uint64 `json:"canceled"`
	Panics         uint64 `json:"panics"`
	ListenerPanics uint64 `json:"listener_panics"`

	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Workers:    m.workers,
		Idle:       m.idle,
		Active:     m.active,
		Limit:      m.limit,
		MaxWorkers: m.cfg.MaxWorkers,
		Waiting:    m.waiting.len() - m.implicitWaiting,
		Sleeping:   m.sleeping.len(),
		Running:    len(m.runningLocked()),
		Yielding:   len(m.yielders),
		Suspended:  m.suspended,
		Shutdown:   m.shutdown,
	}
	sup := m.sup
	m.mu.Unlock()

	s.Scheduled = m.stats.scheduled.Load()
	s.Completed = m.stats.completed.Load()
	s.Failed = m.stats.failed.Load()
	s.Canceled = m.stats.canceled.Load()
	s.Panics = m.stats.panics.Load()
	s.ListenerPanics = m.stats.listenerPanics.Load()
	if sup != nil {
		s.Supervisor = sup.Snapshot()
	}
	return s
}

// batch collects work that must happen after m.mu is released: listener
// delivery for touched jobs and canceling hooks.
type batch struct {
	jobs  []*Job
	hooks []func()
}

func (b *batch) touch(j *Job) { b.jobs = append(b.jobs, j) }

func (m *Manager) finish(b *batch) {
	for _, fn := range b.hooks {
		m.safeHook(fn)
	}
	m.flush(b.jobs...)
}

func (m *Manager) safeHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("canceling hook panicked", logx.Any("panic", r))
		}
	}()
	fn()
}
