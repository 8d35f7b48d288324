package jobs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Join waits until j returns to None. It returns (true, nil) when the job is
// done, (false, nil) when timeout elapsed first (0 waits forever), and an
// error wrapping ErrJoinCanceled when ctx is done.
//
// Joins that can never complete fail immediately when ctx is the caller's
// run context: a job joining itself (ErrSelfJoin), a member of a throttled
// group joining another member (ErrGroupDeadlock), and a job joining a
// queued job whose rule conflicts with its own (ErrRuleDeadlock).
//
// A job rescheduled while running does not pass through None, so a join
// issued before the reschedule keeps waiting for the next run.
func (m *Manager) Join(ctx context.Context, j *Job, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	if j.state == None && !j.yielding {
		m.mu.Unlock()
		return true, nil
	}
	if ri := runFrom(ctx); ri != nil {
		if err := m.joinDeadlockLocked(ri.job, j); err != nil {
			m.mu.Unlock()
			return false, err
		}
	}
	done := j.done
	m.mu.Unlock()
	return waitDone(ctx, done, timeout)
}

func (m *Manager) joinDeadlockLocked(joiner, target *Job) error {
	if joiner == target {
		return ErrSelfJoin
	}
	if g := target.group; g != nil && g == joiner.group && g.maxThreads > 0 {
		return ErrGroupDeadlock
	}
	if joiner.state == Running && !joiner.yielding && target.state != Running &&
		conflicting(joiner.rule, target.rule) {
		return ErrRuleDeadlock
	}
	return nil
}

func waitDone(ctx context.Context, done <-chan struct{}, timeout time.Duration) (bool, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-done:
		return true, nil
	case <-expired:
		return false, nil
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %w", ErrJoinCanceled, ctx.Err())
	}
}

// Find returns the scheduled or running jobs tagged with family. A nil
// family matches every job.
func (m *Manager) Find(family any) []*Job {
	if family != nil && !reflect.TypeOf(family).Comparable() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	add := func(js []*Job) {
		for _, j := range js {
			if !j.implicit && (family == nil || j.belongsToLocked(family)) {
				out = append(out, j)
			}
		}
	}
	add(m.running)
	add(m.yieldingLocked())
	add(m.waiting.items)
	add(m.sleeping.items)
	return out
}

// CancelFamily cancels every job Find(family) returns.
func (m *Manager) CancelFamily(family any) {
	for _, j := range m.Find(family) {
		m.Cancel(j)
	}
}

var errJoinTimeout = errors.New("jobs: join timeout")

// JoinFamily waits for every job of family that is scheduled or running at
// the time of the call. timeout bounds the whole wait.
func (m *Manager) JoinFamily(ctx context.Context, family any, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errJoinTimeout)
		defer cancel()
	}
	for _, j := range m.Find(family) {
		ok, err := m.Join(ctx, j, 0)
		if err != nil {
			if errors.Is(context.Cause(ctx), errJoinTimeout) {
				return false, nil
			}
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
