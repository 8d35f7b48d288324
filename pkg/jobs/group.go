package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "jobsched/pkg/logx"
)

// FailurePolicy decides what a group does when a member fails.
type FailurePolicy int

const (
	// CollectFailures records failures and lets the other members run.
	CollectFailures FailurePolicy = iota
	// CancelOnFailure cancels every other member on the first Error result.
	CancelOnFailure
)

type GroupState int

const (
	GroupIdle GroupState = iota
	GroupActive
	GroupCanceling
)

func (s GroupState) String() string {
	switch s {
	case GroupIdle:
		return "idle"
	case GroupActive:
		return "active"
	case GroupCanceling:
		return "canceling"
	}
	return fmt.Sprintf("group_state(%d)", int(s))
}

type GroupOption func(*Group)

func WithFailurePolicy(p FailurePolicy) GroupOption {
	return func(g *Group) { g.policy = p }
}

// Group aggregates jobs: it caps how many members run at once, can be
// canceled as a whole, and can be joined until every member (including the
// announced seed jobs) has finished.
type Group struct {
	m          *Manager
	name       string
	maxThreads int
	seed       int
	policy     FailurePolicy

	// guarded by m.mu
	seedRemaining int
	active        int
	running       int
	completed     int
	failures      []*Status
	canceled      bool
	members       map[*Job]struct{}
	result        *Status
	done          chan struct{} // closed while the group has nothing left to do
}

// NewGroup creates a group. maxThreads <= 0 means unbounded. seedCount is the
// number of members expected before a join can complete, so Join called
// before all of them are scheduled still waits for them.
func (m *Manager) NewGroup(name string, maxThreads, seedCount int, opts ...GroupOption) *Group {
	g := &Group{
		m:             m,
		name:          name,
		maxThreads:    max(maxThreads, 0),
		seed:          max(seedCount, 0),
		seedRemaining: max(seedCount, 0),
		members:       map[*Job]struct{}{},
	}
	for _, o := range opts {
		o(g)
	}
	if g.seedRemaining > 0 {
		g.done = make(chan struct{})
	} else {
		g.done = closedCh()
	}
	return g
}

func (g *Group) Name() string    { return g.name }
func (g *Group) MaxThreads() int { return g.maxThreads }
func (g *Group) SeedCount() int  { return g.seed }

func (g *Group) State() GroupState {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	switch {
	case g.canceled && g.active > 0:
		return GroupCanceling
	case g.active > 0 || g.seedRemaining > 0:
		return GroupActive
	}
	return GroupIdle
}

// Jobs returns the members that are scheduled or running.
func (g *Group) Jobs() []*Job {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return g.membersLocked()
}

// Cancel cancels every member and forgets seed jobs not yet scheduled.
func (g *Group) Cancel() {
	var b batch
	m := g.m
	m.mu.Lock()
	g.cancelLocked(nil, &b)
	m.pumpLocked()
	m.mu.Unlock()
	m.finish(&b)
}

func (g *Group) cancelLocked(except *Job, b *batch) {
	g.canceled = true
	g.seedRemaining = 0
	for _, j := range g.membersLocked() {
		if j != except {
			g.m.cancelLocked(j, b)
		}
	}
	g.maybeFinishLocked()
}

func (g *Group) membersLocked() []*Job {
	out := make([]*Job, 0, len(g.members))
	for j := range g.members {
		out = append(out, j)
	}
	return out
}

// Join waits until every member has finished and all seed jobs have been
// scheduled and finished. Joining from inside a member always deadlocks and
// fails with ErrGroupDeadlock.
func (g *Group) Join(ctx context.Context, timeout time.Duration) (bool, error) {
	if ri := runFrom(ctx); ri != nil && ri.job.group == g {
		return false, ErrGroupDeadlock
	}
	g.m.mu.Lock()
	done := g.done
	g.m.mu.Unlock()
	return waitDone(ctx, done, timeout)
}

// Result is the aggregate status of the last completed activity: OK, or the
// worst severity among failures with each failure as a child.
func (g *Group) Result() *Status {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return g.result
}

// Failures returns the Error results recorded so far.
func (g *Group) Failures() []*Status {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	return append([]*Status(nil), g.failures...)
}

func (g *Group) memberScheduledLocked(j *Job) {
	if g.active == 0 && g.seedRemaining == 0 {
		// Reactivated after finishing: start a fresh round.
		g.done = make(chan struct{})
		g.failures, g.completed, g.canceled, g.result = nil, 0, false, nil
	}
	g.members[j] = struct{}{}
	g.active++
	if g.seedRemaining > 0 {
		g.seedRemaining--
	}
}

func (g *Group) runDoneLocked(j *Job, st *Status, b *batch) {
	g.completed++
	if st.Severity != SeverityError {
		return
	}
	g.failures = append(g.failures, &Status{
		Severity: st.Severity,
		Message:  j.name + ": " + st.Message,
		Err:      st.Err,
	})
	if g.policy == CancelOnFailure && !g.canceled {
		g.m.log.Debug("group canceled on failure", logx.String("group", g.name), logx.String("job", j.name))
		g.cancelLocked(j, b)
	}
}

func (g *Group) memberDoneLocked(j *Job, b *batch) {
	if _, ok := g.members[j]; !ok {
		return
	}
	delete(g.members, j)
	g.active--
	g.maybeFinishLocked()
}

func (g *Group) maybeFinishLocked() {
	if g.active > 0 || g.seedRemaining > 0 {
		return
	}
	select {
	case <-g.done:
		return
	default:
	}
	g.result = g.aggregateLocked()
	close(g.done)
}

func (g *Group) aggregateLocked() *Status {
	if len(g.failures) == 0 {
		if g.canceled {
			return CanceledStatus
		}
		return OKStatus
	}
	errs := make([]error, 0, len(g.failures))
	for _, f := range g.failures {
		errs = append(errs, f.Err)
	}
	return &Status{
		Severity: SeverityError,
		Message:  fmt.Sprintf("%d of %d runs in group %q failed", len(g.failures), g.completed, g.name),
		Err:      errors.Join(errs...),
		Children: append([]*Status(nil), g.failures...),
	}
}
