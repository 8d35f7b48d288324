package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYieldRuleHandsOverAndResumes(t *testing.T) {
	m := newTestManager(t, Config{})
	rule := PathRule("/shared")
	var mu sync.Mutex
	var trace []string
	note := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}

	blockedQueued := make(chan struct{})
	var got *Job
	var yieldErr error
	var blocked *Job
	yielder, err := m.Submit("yielder", func(ctx context.Context, mon Monitor) error {
		note("yielder start")
		<-blockedQueued
		got, yieldErr = m.YieldRule(ctx)
		note("yielder resume")
		return nil
	}, WithRule(rule))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return yielder.State() == Running }, waitLong, time.Millisecond)

	blocked, err = m.Submit("blocked", func(context.Context, Monitor) error {
		note("blocked run")
		time.Sleep(10 * time.Millisecond)
		note("blocked end")
		return nil
	}, WithRule(PathRule("/shared/sub")))
	require.NoError(t, err)
	close(blockedQueued)

	join(t, yielder)
	join(t, blocked)
	require.NoError(t, yieldErr)
	assert.Equal(t, blocked, got)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"yielder start", "blocked run", "blocked end", "yielder resume"}, trace)
}

func TestYieldRuleWithNothingBlocked(t *testing.T) {
	m := newTestManager(t, Config{})
	type result struct {
		job *Job
		err error
	}
	out := make(chan result, 1)
	j, err := m.Submit("alone", func(ctx context.Context, mon Monitor) error {
		y, err := m.YieldRule(ctx)
		out <- result{y, err}
		return nil
	}, WithRule(NewMutex("alone")))
	require.NoError(t, err)
	join(t, j)
	r := <-out
	assert.NoError(t, r.err)
	assert.Nil(t, r.job)

	_, err = m.YieldRule(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestBeginRuleExcludesJobs(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := WithNamedOwner(context.Background(), "editor")
	rule := PathRule("/doc")

	require.NoError(t, m.BeginRule(ctx, rule))
	j, err := m.Submit("writer", nil, WithRule(PathRule("/doc/page")))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Waiting, j.State())

	require.NoError(t, m.EndRule(ctx))
	join(t, j)
}

func TestBeginRuleWaitsForRunningJob(t *testing.T) {
	m := newTestManager(t, Config{})
	rule := NewMutex("res")
	release := make(gate)
	holder, err := m.Submit("holder", func(ctx context.Context, mon Monitor) error {
		return release.wait(ctx)
	}, WithRule(rule))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return holder.State() == Running }, waitLong, time.Millisecond)

	owner := WithOwner(context.Background())
	short, cancel := context.WithTimeout(owner, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.BeginRule(short, rule), context.DeadlineExceeded)
	assert.ErrorIs(t, m.EndRule(owner), ErrRuleNotHeld)

	acquired := make(chan error, 1)
	go func() { acquired <- m.BeginRule(owner, rule) }()
	select {
	case <-acquired:
		t.Fatal("rule acquired while a conflicting job runs")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(waitLong):
		t.Fatal("rule never acquired")
	}
	join(t, holder)
	require.NoError(t, m.EndRule(owner))
}

func TestBeginRuleNesting(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := WithOwner(context.Background())

	assert.ErrorIs(t, m.BeginRule(context.Background(), PathRule("/a")), ErrNoOwner)

	require.NoError(t, m.BeginRule(ctx, PathRule("/a")))
	require.NoError(t, m.BeginRule(ctx, PathRule("/a/b")))
	assert.ErrorIs(t, m.BeginRule(ctx, PathRule("/b")), ErrRuleNotContained)
	require.NoError(t, m.EndRule(ctx))
	require.NoError(t, m.EndRule(ctx))
	assert.ErrorIs(t, m.EndRule(ctx), ErrRuleNotHeld)
	assert.True(t, m.IsIdle())
}

func TestBeginRuleInsideJob(t *testing.T) {
	m := newTestManager(t, Config{})
	errs := make(chan error, 3)
	j, err := m.Submit("inner", func(ctx context.Context, mon Monitor) error {
		errs <- m.BeginRule(ctx, PathRule("/other"))
		errs <- m.BeginRule(ctx, PathRule("/tree/leaf"))
		errs <- m.EndRule(ctx)
		return nil
	}, WithRule(PathRule("/tree")))
	require.NoError(t, err)
	join(t, j)
	assert.ErrorIs(t, <-errs, ErrRuleNotContained)
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestBeginRuleInsideRulelessJob(t *testing.T) {
	m := newTestManager(t, Config{})
	acquired := make(chan struct{})
	release := make(gate)
	j, err := m.Submit("ruleless", func(ctx context.Context, mon Monitor) error {
		if err := m.BeginRule(ctx, PathRule("/doc")); err != nil {
			return err
		}
		close(acquired)
		if err := release.wait(ctx); err != nil {
			return err
		}
		return m.EndRule(ctx)
	})
	require.NoError(t, err)
	select {
	case <-acquired:
	case <-time.After(waitLong):
		t.Fatal("rule never acquired")
	}

	writer, err := m.Submit("writer", nil, WithRule(PathRule("/doc/page")))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Waiting, writer.State())

	close(release)
	join(t, j)
	assert.True(t, j.Result().IsOK(), j.Result().String())
	join(t, writer)
}

func TestRuleReleasedWhenJobReturns(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1})
	j, err := m.Submit("forgetful", func(ctx context.Context, mon Monitor) error {
		return m.BeginRule(ctx, PathRule("/doc"))
	})
	require.NoError(t, err)
	join(t, j)
	require.True(t, j.Result().IsOK(), j.Result().String())

	writer, err := m.Submit("writer", nil, WithRule(PathRule("/doc")))
	require.NoError(t, err)
	join(t, writer)
}
