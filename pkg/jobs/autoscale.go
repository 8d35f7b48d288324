package jobs

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	logx "jobsched/pkg/logx"
)

// initialPermitLimit is the conservative starting admission limit in adaptive
// mode. It ramps up while backlog persists.
func initialPermitLimit(maxWorkers int) int {
	switch {
	case maxWorkers <= 2:
		return 1
	default:
		return 2
	}
}

// scaleSample is what the controller observes on each tick.
type scaleSample struct {
	now        time.Time
	backlog    int // admissible work waiting for a slot
	active     int
	limit      int
	max        int
	heapInuse  uint64
	memLimit   int64 // <= 0 when no limit is set
	gcPause    time.Duration
	goroutines int
}

// scaleState carries controller memory between ticks.
type scaleState struct {
	lastChange time.Time
	idleTicks  int
}

const (
	scaleUpCooldown   = 6 * time.Second
	scaleDownCooldown = 3 * time.Second
	scaleIdleCooldown = 10 * time.Second
	scaleIdleTicks    = 3
)

// decideLimit returns the new admission limit and the reason for it. It
// scales down fast under memory, GC or goroutine pressure, down slowly on
// sustained idleness, and up when backlog exceeds the current limit.
func decideLimit(st *scaleState, s scaleSample) (int, string) {
	lim := s.limit
	cooled := func(d time.Duration) bool {
		return st.lastChange.IsZero() || s.now.Sub(st.lastChange) >= d
	}

	downBy, reason := 0, ""
	switch {
	case s.memLimit > 0 && int64(s.heapInuse) > s.memLimit*85/100:
		downBy, reason = 2, "mem>85%"
	case s.memLimit > 0 && int64(s.heapInuse) > s.memLimit*75/100:
		downBy, reason = 1, "mem>75%"
	case s.memLimit <= 0 && s.heapInuse > 1024<<20:
		downBy, reason = 2, "heap>1GiB"
	case s.memLimit <= 0 && s.heapInuse > 768<<20:
		downBy, reason = 1, "heap>768MiB"
	case s.gcPause > 250*time.Millisecond:
		downBy, reason = 1, "gc_pause"
	case s.goroutines > 3000:
		downBy, reason = 2, "goroutines>3000"
	case s.goroutines > 1500:
		downBy, reason = 1, "goroutines>1500"
	}
	if downBy > 0 {
		st.idleTicks = 0
		target := max(lim-downBy, 1)
		if target != lim && cooled(scaleDownCooldown) {
			st.lastChange = s.now
			return target, reason
		}
		return lim, ""
	}

	if s.backlog == 0 && s.active == 0 {
		st.idleTicks++
	} else {
		st.idleTicks = 0
	}
	if st.idleTicks >= scaleIdleTicks && lim > 1 {
		if cooled(scaleIdleCooldown) {
			st.lastChange = s.now
			st.idleTicks = 0
			return lim - 1, "idle"
		}
		return lim, ""
	}

	if s.backlog > 0 && lim < s.max && cooled(scaleUpCooldown) {
		bump := 0
		if s.backlog > lim {
			bump = 1
		}
		if s.backlog > 2*lim {
			bump = 2
		}
		if bump > 0 {
			st.lastChange = s.now
			return min(lim+bump, s.max), "backlog"
		}
	}
	return lim, ""
}

func (m *Manager) setLimitLocked(n int) {
	m.limit = min(max(n, 1), m.cfg.MaxWorkers)
	m.pumpLocked()
}

// autoscale runs the adaptive controller until ctx is done.
func (m *Manager) autoscale(ctx context.Context) error {
	t := time.NewTicker(m.cfg.AutoscaleEvery)
	defer t.Stop()

	var st scaleState
	var ms runtime.MemStats
	var lastPause uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}

		runtime.ReadMemStats(&ms)
		pause := time.Duration(ms.PauseTotalNs - lastPause)
		lastPause = ms.PauseTotalNs
		memLimit := debug.SetMemoryLimit(-1)
		if memLimit >= 1<<60 {
			memLimit = 0
		}

		m.mu.Lock()
		s := scaleSample{
			now:        time.Now(),
			backlog:    m.waiting.len() - m.implicitWaiting,
			active:     m.active,
			limit:      m.limit,
			max:        m.cfg.MaxWorkers,
			heapInuse:  ms.HeapInuse,
			memLimit:   memLimit,
			gcPause:    pause,
			goroutines: runtime.NumGoroutine(),
		}
		target, reason := decideLimit(&st, s)
		if target != s.limit {
			m.setLimitLocked(target)
		}
		m.mu.Unlock()

		if target != s.limit {
			m.log.Debug("jobs.active_limit",
				logx.Int("from", s.limit),
				logx.Int("to", target),
				logx.String("reason", reason),
				logx.Int("backlog", s.backlog),
				logx.Int("active", s.active),
				logx.Uint64("heap_inuse", s.heapInuse),
				logx.Int("goroutines", s.goroutines),
			)
		}
	}
}
