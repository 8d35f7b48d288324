package trigger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
)

// Target is what a trigger schedules. *jobs.Job satisfies it.
type Target interface {
	Name() string
	State() jobs.State
	Schedule(delay time.Duration) error
}

// Overlap decides what a tick does when the target is still scheduled or
// running.
type Overlap int

const (
	// OverlapCoalesce calls Schedule anyway: a waiting job stays queued once
	// and a running job runs once more after it finishes.
	OverlapCoalesce Overlap = iota
	// OverlapSkip drops the tick unless the target is idle.
	OverlapSkip
)

// ParseOverlap accepts "coalesce" (default) and "skip".
func ParseOverlap(s string) (Overlap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "coalesce":
		return OverlapCoalesce, nil
	case "skip":
		return OverlapSkip, nil
	}
	return 0, fmt.Errorf("unknown overlap policy %q", s)
}

type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	// StartupSpread caps the random delay added to the first tick of
	// interval triggers. 0 means 30s; negative disables it.
	StartupSpread time.Duration

	Breaker BreakerConfig
}

type def struct {
	name    string
	spec    ParsedSpec
	target  Target
	overlap Overlap
	entryID cron.EntryID
	spread  time.Duration

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
	tripped atomic.Uint64
}

// Info describes one registered trigger.
type Info struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Fired   uint64        `json:"fired"`
	Skipped uint64        `json:"skipped"`
	Failed  uint64        `json:"failed"`
	// Tripped counts ticks skipped by the failure breaker.
	Tripped     uint64    `json:"tripped"`
	PausedUntil time.Time `json:"paused_until,omitzero"`
}

// Service owns a cron runner. Triggers may be added before Start; they are
// registered when it runs.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*def

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	brk breakers
}

const warnThrottle = 5 * time.Second

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "trigger")),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
	s.brk.configure(cfg.Breaker)
	return s
}

// Validate reports whether spec can be registered.
func (s *Service) Validate(spec string) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
		}
	}
	return nil
}

// Apply swaps the config. A timezone change re-registers every trigger.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	s.brk.configure(cfg.Breaker)
	if s.c != nil && tzChanged {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop stops ticking. Registered triggers are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Add registers (or replaces) the trigger called name.
func (s *Service) Add(name, spec string, target Target, overlap Overlap) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger name required")
	}
	if target == nil {
		return errors.New("trigger target required")
	}
	if err := s.Validate(spec); err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}
	ps, _ := ParseSchedule(spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: ps, target: target, overlap: overlap}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.registerLocked(d)
		args := []logx.Field{logx.String("name", name), logx.String("spec", ps.String())}
		if next := s.previewNextRunsLocked(d, 3); next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("trigger registered", args...)
	}
	return nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

// Names returns the registered trigger names.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	return out
}

func (s *Service) removeLocked(name string) bool {
	i := slices.IndexFunc(s.defs, func(d *def) bool { return d.name == name })
	if i < 0 {
		return false
	}
	d := s.defs[i]
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	s.defs = slices.Delete(s.defs, i, i+1)
	s.brk.forget(name)
	return true
}

func (s *Service) registerLocked(d *def) {
	job := cron.FuncJob(func() { s.fire(d) })
	switch d.spec.Kind {
	case SpecInterval:
		spread := s.cfg.StartupSpread
		if spread == 0 {
			spread = maxStartupSpread
		}
		var sched cron.Schedule = everySchedule(d.spec.Every)
		d.spread = 0
		if spread > 0 {
			sched, d.spread = intervalWithSpread(d.spec.Every, spread, time.Now().In(s.loc), d.name)
		}
		d.entryID = s.c.Schedule(sched, job)
	default:
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			s.log.Error("trigger register failed", logx.String("name", d.name), logx.Err(err))
			return
		}
		d.entryID = id
	}
}

// Observe feeds the outcome of a run of the job behind trigger name into its
// failure breaker. Unknown names are ignored.
func (s *Service) Observe(name string, failed bool) {
	s.mu.Lock()
	known := slices.ContainsFunc(s.defs, func(d *def) bool { return d.name == name })
	s.mu.Unlock()
	if !known {
		return
	}
	if until := s.brk.record(time.Now(), name, failed); !until.IsZero() {
		s.log.Warn("trigger paused after repeated failures",
			logx.String("trigger", name),
			logx.Time("until", until),
		)
	}
}

// fire runs on cron goroutines and must not take s.mu: restartLocked waits
// for running cron jobs while holding it.
func (s *Service) fire(d *def) {
	if open, until := s.brk.open(time.Now(), d.name); open {
		d.tripped.Add(1)
		s.log.Debug("trigger skipped; breaker open", logx.String("trigger", d.name), logx.Time("until", until))
		return
	}
	if d.overlap == OverlapSkip && d.target.State() != jobs.None {
		d.skipped.Add(1)
		s.log.Debug("trigger skipped; job still active", logx.String("trigger", d.name), logx.String("job", d.target.Name()))
		return
	}
	if err := d.target.Schedule(0); err != nil {
		d.failed.Add(1)
		s.reportError(d.name, err)
		return
	}
	d.fired.Add(1)
}

func (s *Service) reportError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("trigger failed to schedule job", logx.String("trigger", name), logx.Err(err))
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) previewNextRunsLocked(d *def, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || d.entryID == 0 {
		return ""
	}
	sched := s.c.Entry(d.entryID).Schedule
	if sched == nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{
			Name:    d.name,
			Spec:    d.spec.String(),
			Spread:  d.spread,
			Fired:   d.fired.Load(),
			Skipped: d.skipped.Load(),
			Failed:  d.failed.Load(),
			Tripped: d.tripped.Load(),
		}
		if until := s.brk.openUntil(d.name); time.Now().Before(until) {
			it.PausedUntil = until
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}
