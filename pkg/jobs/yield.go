package jobs

import (
	"context"
	"fmt"

	logx "jobsched/pkg/logx"
)

type yieldWait struct {
	job   *Job
	ready chan struct{}
}

// YieldRule lets the job running under ctx step aside for a waiting job its
// rule blocks. If there is one, the caller's rule is released, the blocked
// job is admitted, and YieldRule returns it once the caller holds its rule
// again. It returns nil immediately when nothing is blocked.
//
// While yielded the job is WAITING; no listener events are sent. The caller
// must not hold a Lock the unblocked job needs, or both will wait forever.
// If ctx is canceled during the wait the rule is still reacquired before
// returning, and the error wraps ErrCanceled.
func (m *Manager) YieldRule(ctx context.Context) (*Job, error) {
	ri := runFrom(ctx)
	if ri == nil || ri.job.m != m {
		return nil, ErrNotRunning
	}
	j := ri.job

	m.mu.Lock()
	if j.state != Running || j.worker != ri.worker || j.async {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}
	target := m.yieldTargetLocked(j)
	if target == nil {
		m.mu.Unlock()
		return nil, nil
	}

	m.removeRunningLocked(j)
	j.state = Waiting
	j.yielding = true
	m.active--
	if g := j.group; g != nil {
		g.running--
	}
	y := &yieldWait{job: j, ready: make(chan struct{})}
	m.yielders = append(m.yielders, y)

	m.waiting.remove(target)
	m.admitLocked(target)
	m.pumpLocked()
	m.spawnWorkersLocked()
	m.mu.Unlock()

	m.log.Debug("rule yielded", logx.String("job", j.name), logx.String("to", target.name))

	var err error
	select {
	case <-y.ready:
	case <-ctx.Done():
		<-y.ready
		err = fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
	return target, err
}

// yieldTargetLocked returns the first waiting job blocked only by j.
func (m *Manager) yieldTargetLocked(j *Job) *Job {
	if j.rule == nil {
		return nil
	}
	for _, c := range m.waiting.items {
		if !conflicting(c.rule, j.rule) {
			continue
		}
		if m.conflictsRunningLocked(c.rule, j) {
			continue
		}
		if g := c.group; g != nil && !c.implicit && g.maxThreads > 0 {
			running := g.running
			if g == j.group {
				running--
			}
			if running >= g.maxThreads {
				continue
			}
		}
		return c
	}
	return nil
}

// readmitYieldersLocked gives the rule back to yielded jobs once nothing
// running conflicts with it. Readmission does not wait for a free slot: the
// job is still on its worker.
func (m *Manager) readmitYieldersLocked() {
	for i := 0; i < len(m.yielders); {
		y := m.yielders[i]
		if m.conflictsRunningLocked(y.job.rule, nil) {
			i++
			continue
		}
		m.yielders = append(m.yielders[:i], m.yielders[i+1:]...)
		j := y.job
		j.yielding = false
		j.state = Running
		m.running = append(m.running, j)
		m.active++
		if g := j.group; g != nil {
			g.running++
		}
		close(y.ready)
	}
}

// heldRule is a rule acquired with BeginRule by one owner.
type heldRule struct {
	rule  Rule
	depth int
	job   *Job // implicit job holding the rule in the running set, if any
}

// BeginRule blocks until the owner in ctx may act under rule, exactly as if
// it were a running job with that rule. Calls nest: an inner rule must be
// contained by the outer one, and each BeginRule needs a matching EndRule.
// Inside a running job with a rule, that rule must contain rule; a running
// job without a rule waits for rule like any other owner.
func (m *Manager) BeginRule(ctx context.Context, rule Rule) error {
	o := OwnerFrom(ctx)
	if o == nil {
		return ErrNoOwner
	}
	m.mu.Lock()
	if h := m.implicit[o]; h != nil {
		if rule != nil && !containing(h.rule, rule) {
			m.mu.Unlock()
			return ErrRuleNotContained
		}
		h.depth++
		m.mu.Unlock()
		return nil
	}
	// A running job acts under its own rule. A job without one acquires
	// rule like non-job code does.
	if ri := runFrom(ctx); ri != nil && ri.worker == o && ri.job.m == m && ri.job.state == Running && (ri.job.rule != nil || rule == nil) {
		if rule != nil && !containing(ri.job.rule, rule) {
			m.mu.Unlock()
			return ErrRuleNotContained
		}
		m.implicit[o] = &heldRule{rule: ri.job.rule, depth: 1}
		m.mu.Unlock()
		return nil
	}
	if rule == nil {
		m.implicit[o] = &heldRule{depth: 1}
		m.mu.Unlock()
		return nil
	}
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}

	j := newJob(m, "implicit:"+o.String(), nil, WithRule(rule), WithPriority(Interactive))
	j.implicit = true
	j.admitted = make(chan struct{})
	j.done = make(chan struct{})
	h := &heldRule{rule: rule, depth: 1, job: j}
	m.implicit[o] = h
	m.enqueueLocked(j, 0)
	m.pumpLocked()
	admitted, done := j.admitted, j.done
	m.mu.Unlock()

	select {
	case <-admitted:
		return nil
	case <-done:
		m.mu.Lock()
		delete(m.implicit, o)
		m.mu.Unlock()
		return ErrShutdown
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.implicit, o)
	if j.state == Running {
		m.releaseImplicitLocked(j)
	} else {
		var b batch
		m.cancelLocked(j, &b)
		m.pumpLocked()
	}
	return ctx.Err()
}

// EndRule undoes one BeginRule for the owner in ctx.
func (m *Manager) EndRule(ctx context.Context) error {
	o := OwnerFrom(ctx)
	if o == nil {
		return ErrNoOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.implicit[o]
	if h == nil {
		return ErrRuleNotHeld
	}
	h.depth--
	if h.depth > 0 {
		return nil
	}
	delete(m.implicit, o)
	if h.job != nil {
		m.releaseImplicitLocked(h.job)
	}
	return nil
}

// releaseOwnerLocked drops whatever o still holds from BeginRule and reports
// whether it held anything.
func (m *Manager) releaseOwnerLocked(o *Owner) bool {
	h := m.implicit[o]
	if h == nil {
		return false
	}
	delete(m.implicit, o)
	if h.job != nil {
		m.releaseImplicitLocked(h.job)
	}
	return true
}

func (m *Manager) releaseImplicitLocked(j *Job) {
	m.removeRunningLocked(j)
	j.state = None
	close(j.done)
	m.pumpLocked()
	m.checkDrainedLocked()
}
