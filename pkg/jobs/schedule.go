package jobs

import (
	"context"
	"slices"
	"time"

	logx "jobsched/pkg/logx"
)

// Schedule queues j to run after delay. Scheduling a waiting or sleeping job
// is a no-op. Scheduling a running job is coalesced: the job is queued again
// with the latest delay once the current run ends, unless it was canceled.
func (m *Manager) Schedule(j *Job, delay time.Duration) error {
	if j.m != m {
		return ErrForeignJob
	}
	delay = max(delay, 0)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	switch {
	case j.state == Running || j.yielding:
		j.reschedule = true
		j.rescheduleDelay = delay
		m.mu.Unlock()
		return nil
	case j.state != None:
		m.mu.Unlock()
		return nil
	}

	j.everScheduled = true
	j.cancelRequested = false
	j.done = make(chan struct{})
	if g := j.group; g != nil {
		g.memberScheduledLocked(j)
	}
	m.enqueueLocked(j, delay)
	m.pumpLocked()
	m.mu.Unlock()

	m.flush(j)
	return nil
}

// enqueueLocked moves j into the waiting or sleeping set. A delayed job
// reports Scheduled then Sleeping so every Awake has a matching Sleeping.
func (m *Manager) enqueueLocked(j *Job, delay time.Duration) {
	now := time.Now()
	m.seq++
	j.seq = m.seq
	if delay > 0 {
		j.state = Sleeping
		j.wakeAt = now.Add(delay)
		m.sleeping.push(j)
		m.nudgeSleeperLocked()
	} else {
		j.state = Waiting
		j.eligibleAt = now
		m.waiting.push(j)
		if j.implicit {
			m.implicitWaiting++
		}
	}
	if !j.implicit {
		m.stats.scheduled.Add(1)
	}
	m.emitLocked(j, Event{Kind: EventScheduled, Delay: delay})
	if delay > 0 {
		m.emitLocked(j, Event{Kind: EventSleeping, Delay: delay})
	}
}

// wakeLocked moves a sleeping job (already removed from the sleeping set) to
// waiting. A timed wake keeps its due time as eligibility so it orders as if
// it had been scheduled then.
func (m *Manager) wakeLocked(j *Job, now time.Time) {
	m.seq++
	j.seq = m.seq
	j.state = Waiting
	j.eligibleAt = now
	if !j.wakeAt.IsZero() && j.wakeAt.Before(now) {
		j.eligibleAt = j.wakeAt
	}
	j.wakeAt = time.Time{}
	m.waiting.push(j)
	m.emitLocked(j, Event{Kind: EventAwake})
}

// Cancel stops j. A waiting or sleeping job is removed synchronously, ends
// with a Cancel result and Cancel returns true; so does a job that is not
// scheduled. For a running job Cancel only requests cancellation (run context
// canceled, Monitor canceled, Canceling hook called) and returns false.
func (m *Manager) Cancel(j *Job) bool {
	var b batch
	m.mu.Lock()
	ok := m.cancelLocked(j, &b)
	m.pumpLocked()
	m.mu.Unlock()
	m.finish(&b)
	return ok
}

func (m *Manager) cancelLocked(j *Job, b *batch) bool {
	if j.state == Running || j.yielding {
		j.reschedule = false
		if j.cancelRequested {
			return false
		}
		j.cancelRequested = true
		if j.runCancel != nil {
			j.runCancel()
		}
		if j.monitor != nil {
			j.monitor.SetCanceled(true)
		}
		if j.canceling != nil {
			b.hooks = append(b.hooks, j.canceling)
		}
		return false
	}
	switch j.state {
	case None:
		return true
	case Waiting:
		m.waiting.remove(j)
		if j.implicit {
			m.implicitWaiting--
		}
	case Sleeping:
		m.sleeping.remove(j)
	}
	j.state = None
	j.result = CanceledStatus
	if !j.implicit {
		m.stats.canceled.Add(1)
	}
	m.emitLocked(j, Event{Kind: EventDone, Result: CanceledStatus})
	close(j.done)
	b.touch(j)
	if g := j.group; g != nil {
		g.memberDoneLocked(j, b)
	}
	return true
}

// Sleep parks a waiting job until WakeUp. It returns false only when the job
// is running.
func (m *Manager) Sleep(j *Job) bool {
	m.mu.Lock()
	switch {
	case j.state == Running || j.yielding:
		m.mu.Unlock()
		return false
	case j.state == Waiting:
		m.waiting.remove(j)
		j.state = Sleeping
		j.wakeAt = never
		m.sleeping.push(j)
		m.emitLocked(j, Event{Kind: EventSleeping})
		m.pumpLocked()
	case j.state == Sleeping:
		m.sleeping.remove(j)
		j.wakeAt = never
		m.sleeping.push(j)
	}
	m.mu.Unlock()
	m.flush(j)
	return true
}

// WakeUp moves a sleeping job to waiting after delay. It has no effect on
// jobs in any other state.
func (m *Manager) WakeUp(j *Job, delay time.Duration) {
	m.mu.Lock()
	if j.state != Sleeping || j.yielding {
		m.mu.Unlock()
		return
	}
	m.sleeping.remove(j)
	if delay > 0 {
		j.wakeAt = time.Now().Add(delay)
		m.sleeping.push(j)
		m.nudgeSleeperLocked()
		m.mu.Unlock()
		return
	}
	j.wakeAt = time.Time{}
	m.wakeLocked(j, time.Now())
	m.pumpLocked()
	m.mu.Unlock()
	m.flush(j)
}

// pumpLocked admits every waiting job that may run now and makes sure enough
// workers exist for them.
//
// The waiting set is walked in order. A job is admitted when its rule
// conflicts with no running job and with no earlier job that is still
// blocked, and its group is below its thread cap. Ordinary jobs also need a
// free slot under the admission limit; implicit rule holders do not.
func (m *Manager) pumpLocked() {
	m.readmitYieldersLocked()

	runnable := m.started && !m.suspended && !m.shutdown
	if m.waiting.len() == 0 || (!runnable && m.implicitWaiting == 0) {
		return
	}

	blocked := m.yieldingLocked()
	for i := 0; i < len(m.waiting.items); {
		j := m.waiting.items[i]
		if !j.implicit && (!runnable || m.active >= m.limit) {
			if m.implicitWaiting == 0 {
				break
			}
			blocked = append(blocked, j)
			i++
			continue
		}
		if m.blockedLocked(j, blocked) {
			blocked = append(blocked, j)
			i++
			continue
		}
		m.waiting.items = slices.Delete(m.waiting.items, i, i+1)
		m.admitLocked(j)
	}
	if runnable {
		m.spawnWorkersLocked()
	}
}

func (m *Manager) blockedLocked(j *Job, blocked []*Job) bool {
	if m.conflictsRunningLocked(j.rule, nil) {
		return true
	}
	for _, b := range blocked {
		if conflicting(j.rule, b.rule) {
			return true
		}
	}
	if g := j.group; g != nil && !j.implicit && g.maxThreads > 0 && g.running >= g.maxThreads {
		return true
	}
	return false
}

// conflictsRunningLocked reports whether r conflicts with a running job other
// than except.
func (m *Manager) conflictsRunningLocked(r Rule, except *Job) bool {
	if r == nil {
		return false
	}
	for _, o := range m.running {
		if o != except && conflicting(r, o.rule) {
			return true
		}
	}
	return false
}

// admitLocked marks j (already removed from the waiting set) running. An
// ordinary job is handed to the workers; an implicit one releases its waiter.
func (m *Manager) admitLocked(j *Job) {
	j.state = Running
	m.running = append(m.running, j)
	if j.implicit {
		m.implicitWaiting--
		close(j.admitted)
		return
	}
	if g := j.group; g != nil {
		g.running++
	}
	m.active++
	m.ready = append(m.ready, j)
}

func (m *Manager) removeRunningLocked(j *Job) {
	m.running = slices.DeleteFunc(m.running, func(x *Job) bool { return x == j })
}

func (m *Manager) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Manager) nudgeSleeperLocked() {
	select {
	case m.sleeperNudge <- struct{}{}:
	default:
	}
}

// sleeper wakes sleeping jobs when their time comes.
func (m *Manager) sleeper(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		now := time.Now()
		var woke []*Job
		m.mu.Lock()
		for {
			j := m.sleeping.peek()
			if j == nil || j.wakeAt.After(now) {
				break
			}
			m.sleeping.remove(j)
			m.wakeLocked(j, now)
			woke = append(woke, j)
		}
		next := time.Hour
		if j := m.sleeping.peek(); j != nil && j.wakeAt.Before(never) {
			next = j.wakeAt.Sub(now)
		}
		if len(woke) > 0 {
			m.pumpLocked()
		}
		m.mu.Unlock()

		if len(woke) > 0 {
			m.log.Debug("woke sleeping jobs", logx.Int("count", len(woke)))
			m.flush(woke...)
		}

		timer.Reset(next)
		select {
		case <-ctx.Done():
			return nil
		case <-m.sleeperNudge:
		case <-timer.C:
		}
	}
}
