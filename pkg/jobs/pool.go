package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "jobsched/pkg/logx"
)

// spawnWorkersLocked starts goroutines until every admitted job has an idle
// or starting worker to pick it up, then wakes the idle ones.
func (m *Manager) spawnWorkersLocked() {
	for m.idle+m.starting < len(m.ready) {
		m.spawnWorkerLocked()
	}
	if len(m.ready) > 0 && m.idle > 0 {
		m.broadcastLocked()
	}
}

func (m *Manager) spawnWorkerLocked() {
	m.workers++
	m.starting++
	m.workerSeq++
	w := NewOwner(fmt.Sprintf("worker-%d", m.workerSeq))
	m.sup.Go("worker", func(ctx context.Context) error {
		m.work(ctx, w)
		return nil
	})
}

func (m *Manager) work(ctx context.Context, w *Owner) {
	m.mu.Lock()
	m.starting--
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.workers--
		m.checkDrainedLocked()
		m.mu.Unlock()
	}()

	for {
		j := m.take(ctx)
		if j == nil {
			return
		}
		m.runJob(ctx, w, j)
	}
}

// take returns the next admitted job, or nil when the worker should exit:
// idle past IdleTimeout while above MinWorkers, or the manager is shutting
// down (or ctx is done) with nothing left to pick up.
func (m *Manager) take(ctx context.Context) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if len(m.ready) > 0 {
			j := m.ready[0]
			m.ready[0] = nil
			m.ready = m.ready[1:]
			return j
		}
		if m.shutdown || ctx.Err() != nil {
			return nil
		}

		wake := m.wake
		m.idle++
		m.mu.Unlock()
		timer := time.NewTimer(m.cfg.IdleTimeout)
		expired := false
		select {
		case <-wake:
		case <-ctx.Done():
		case <-timer.C:
			expired = true
		}
		timer.Stop()
		m.mu.Lock()
		m.idle--

		if expired && len(m.ready) == 0 && m.workers > m.cfg.MinWorkers {
			return nil
		}
	}
}

func (m *Manager) runJob(base context.Context, w *Owner, j *Job) {
	m.mu.Lock()
	if j.cancelRequested {
		// Canceled between admission and pickup: never runs.
		var b batch
		m.endJobLocked(j, CanceledStatus, &b)
		m.mu.Unlock()
		m.finish(&b)
		return
	}
	ctx, cancel := context.WithCancel(withRun(base, j, w))
	mon := newProgressMonitor(j.progress, j.ticks)
	p := newPromise()
	j.worker = w
	j.startedAt = time.Now()
	j.runCancel = cancel
	j.monitor = mon
	j.promise = p
	m.emitLocked(j, Event{Kind: EventAboutToRun})
	m.emitLocked(j, Event{Kind: EventRunning})
	m.mu.Unlock()
	m.flush(j)

	st, async := m.invoke(ctx, j, mon)
	// Workers are reused; BeginRule scopes end with the work function.
	m.mu.Lock()
	if m.releaseOwnerLocked(w) {
		m.log.Warn("job returned inside BeginRule; rule released", logx.String("job", j.name))
	}
	m.mu.Unlock()
	if !async {
		m.endJob(j, st)
		return
	}

	// The worker goes back to the pool; the job stays running until Done.
	m.mu.Lock()
	j.async = true
	m.active--
	m.pumpLocked()
	sup := m.sup
	m.mu.Unlock()
	sup.Go("async-finish", func(sctx context.Context) error {
		select {
		case st := <-p.ch:
			m.endJob(j, st)
		case <-sctx.Done():
			m.endJob(j, CanceledStatus)
		}
		return nil
	})
}

// invoke runs the work function. A panic becomes an Error result.
func (m *Manager) invoke(ctx context.Context, j *Job, mon Monitor) (st *Status, async bool) {
	defer func() {
		if r := recover(); r != nil {
			m.stats.panics.Add(1)
			m.log.Error("job panicked",
				logx.String("job", j.name),
				logx.String("id", j.id),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err := fmt.Errorf("%w: %v", ErrPanic, r)
			st, async = &Status{Severity: SeverityError, Message: err.Error(), Err: err}, false
		}
	}()
	if j.run == nil {
		return OKStatus, false
	}
	err := j.run(ctx, mon)
	if errors.Is(err, ErrAsyncFinish) {
		return nil, true
	}
	return StatusOf(err), false
}

func (m *Manager) endJob(j *Job, st *Status) {
	var b batch
	m.mu.Lock()
	m.endJobLocked(j, st, &b)
	m.mu.Unlock()
	m.finish(&b)
}

// endJobLocked finishes a run: the job leaves the running set, records st and
// either goes back to the queue (pending reschedule) or returns to None.
func (m *Manager) endJobLocked(j *Job, st *Status, b *batch) {
	if st == nil {
		st = OKStatus
	}
	m.removeRunningLocked(j)
	if !j.async {
		m.active--
	}
	g := j.group
	if g != nil {
		g.running--
	}
	if j.runCancel != nil {
		j.runCancel()
	}
	if j.monitor != nil {
		j.monitor.Done()
	}
	var took time.Duration
	if !j.startedAt.IsZero() {
		took = time.Since(j.startedAt)
	}
	j.worker, j.runCancel, j.monitor, j.promise = nil, nil, nil, nil
	j.async = false
	j.startedAt = time.Time{}
	j.result = st
	m.countResult(st)

	resched := j.reschedule && !j.cancelRequested && !m.shutdown
	delay := j.rescheduleDelay
	j.reschedule, j.rescheduleDelay, j.cancelRequested = false, 0, false

	if g != nil {
		g.runDoneLocked(j, st, b)
	}
	b.touch(j)
	if resched {
		m.emitLocked(j, Event{Kind: EventDone, Result: st, Duration: took, Rescheduled: true})
		m.enqueueLocked(j, delay)
	} else {
		j.state = None
		m.emitLocked(j, Event{Kind: EventDone, Result: st, Duration: took})
		close(j.done)
		if g != nil {
			g.memberDoneLocked(j, b)
		}
	}
	m.pumpLocked()
	m.checkDrainedLocked()
}

func (m *Manager) countResult(st *Status) {
	switch st.Severity {
	case SeverityCancel:
		m.stats.canceled.Add(1)
	case SeverityError:
		m.stats.failed.Add(1)
	default:
		m.stats.completed.Add(1)
	}
}
