package trigger

import (
	"sync"
	"time"
)

// BreakerConfig pauses a trigger after consecutive failed runs of its job.
// Once TripFailures is reached, ticks are skipped for BaseDelay, doubling per
// further failure up to MaxDelay. A failure-free ResetAfter clears the count.
type BreakerConfig struct {
	TripFailures int // 0 disables the breaker
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = time.Hour
	}
	return c
}

type breakerState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// breakers tracks state per trigger name.
type breakers struct {
	mu  sync.Mutex
	cfg BreakerConfig
	m   map[string]*breakerState
}

func (b *breakers) configure(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

func (b *breakers) state(name string) *breakerState {
	if b.m == nil {
		b.m = map[string]*breakerState{}
	}
	st := b.m[name]
	if st == nil {
		st = &breakerState{}
		b.m[name] = st
	}
	return st
}

func (b *breakers) forget(name string) {
	b.mu.Lock()
	delete(b.m, name)
	b.mu.Unlock()
}

// expireLocked clears a stale failure streak.
func (st *breakerState) expireLocked(now time.Time, cfg BreakerConfig) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// open reports whether ticks for name are paused, and until when.
func (b *breakers) open(now time.Time, name string) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.TripFailures <= 0 {
		return false, time.Time{}
	}
	cfg := b.cfg.withDefaults()
	st := b.state(name)
	st.expireLocked(now, cfg)
	if now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record feeds one run outcome. It returns the new open-until time when this
// failure tripped (or extended) the breaker.
func (b *breakers) record(now time.Time, name string, failed bool) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.TripFailures <= 0 {
		return time.Time{}
	}
	cfg := b.cfg.withDefaults()
	st := b.state(name)
	st.expireLocked(now, cfg)

	if !failed {
		*st = breakerState{}
		return time.Time{}
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.TripFailures {
		return time.Time{}
	}
	d := cfg.BaseDelay
	for i := cfg.TripFailures; i < st.fails && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.MaxDelay)
	st.openUntil = now.Add(d)
	return st.openUntil
}

func (b *breakers) openUntil(name string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.m[name]; ok {
		return st.openUntil
	}
	return time.Time{}
}
