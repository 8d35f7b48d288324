package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

const waitLong = 5 * time.Second

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 4
	}
	m := New(cfg, logx.Nop(), eventbus.New())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitLong)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func join(t *testing.T, j *Job) {
	t.Helper()
	ok, err := j.Join(context.Background(), waitLong)
	require.NoError(t, err)
	require.True(t, ok, "job %s did not finish", j.Name())
}

// gate blocks a job until opened.
type gate chan struct{}

func (g gate) wait(ctx context.Context) error {
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSubmitRunsJob(t *testing.T) {
	m := newTestManager(t, Config{})
	var ran atomic.Bool
	j, err := m.Submit("hello", func(ctx context.Context, mon Monitor) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	join(t, j)

	assert.True(t, ran.Load())
	assert.Equal(t, None, j.State())
	assert.True(t, j.Result().IsOK())
	assert.Nil(t, j.Thread())
}

func TestResultSeverities(t *testing.T) {
	m := newTestManager(t, Config{})
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"ok", nil, SeverityOK},
		{"error", errors.New("boom"), SeverityError},
		{"warning", Warning(errors.New("stale")), SeverityWarning},
		{"info", Info(errors.New("fyi")), SeverityInfo},
		{"cancel", ErrCanceled, SeverityCancel},
		{"ctx-cancel", context.Canceled, SeverityCancel},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.err
			j, serr := m.Submit(tc.name, func(context.Context, Monitor) error { return err })
			require.NoError(t, serr)
			join(t, j)
			assert.Equal(t, tc.want, j.Result().Severity)
		})
	}
}

func TestPanicBecomesErrorResult(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1})
	j, err := m.Submit("panicky", func(context.Context, Monitor) error { panic("kaboom") })
	require.NoError(t, err)
	join(t, j)
	res := j.Result()
	assert.Equal(t, SeverityError, res.Severity)
	assert.ErrorIs(t, res.Err, ErrPanic)

	// The pool survives and runs the next job.
	next, err := m.Submit("after", func(context.Context, Monitor) error { return nil })
	require.NoError(t, err)
	join(t, next)
	assert.True(t, next.Result().IsOK())
	assert.Equal(t, uint64(1), m.Snapshot().Panics)
}

func TestConflictingJobsNeverOverlap(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 8})
	rule := PathRule("/project")
	var inside, peak atomic.Int32
	var all []*Job
	for i := 0; i < 20; i++ {
		r := Rule(rule)
		if i%2 == 1 {
			r = PathRule("/project/sub")
		}
		j, err := m.Submit("writer", func(ctx context.Context, mon Monitor) error {
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			return nil
		}, WithRule(r))
		require.NoError(t, err)
		all = append(all, j)
	}
	for _, j := range all {
		join(t, j)
	}
	assert.Equal(t, int32(1), peak.Load())
}

func TestConflictingJobsRunInScheduleOrder(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 4})
	rule := NewMutex("order")
	var mu sync.Mutex
	var order []int
	var all []*Job
	for i := 0; i < 10; i++ {
		i := i
		j, err := m.Submit("ordered", func(context.Context, Monitor) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, WithRule(rule))
		require.NoError(t, err)
		all = append(all, j)
	}
	for _, j := range all {
		join(t, j)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestNonConflictingJobsRunInParallel(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 4})
	var started sync.WaitGroup
	started.Add(3)
	release := make(gate)
	var all []*Job
	for _, p := range []string{"/a", "/b", "/c"} {
		j, err := m.Submit(p, func(ctx context.Context, mon Monitor) error {
			started.Done()
			return release.wait(ctx)
		}, WithRule(PathRule(p)))
		require.NoError(t, err)
		all = append(all, j)
	}

	allStarted := make(chan struct{})
	go func() { started.Wait(); close(allStarted) }()
	select {
	case <-allStarted:
	case <-time.After(waitLong):
		t.Fatal("independent jobs did not run concurrently")
	}
	close(release)
	for _, j := range all {
		join(t, j)
	}
}

func TestMaxWorkersBoundsConcurrency(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 2})
	var inside, peak atomic.Int32
	var all []*Job
	for i := 0; i < 8; i++ {
		j, err := m.Submit("bounded", func(context.Context, Monitor) error {
			n := inside.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			return nil
		})
		require.NoError(t, err)
		all = append(all, j)
	}
	for _, j := range all {
		join(t, j)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPriorityOrdersWaitingJobs(t *testing.T) {
	m := New(Config{MaxWorkers: 1}, logx.Nop(), nil)
	var mu sync.Mutex
	var order []string
	record := func(name string) RunFunc {
		return func(context.Context, Monitor) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	// Queue before Start so admission sees all of them at once.
	low, _ := m.Submit("decorate", record("decorate"), WithPriority(Decorate))
	mid, _ := m.Submit("long", record("long"))
	high, _ := m.Submit("interactive", record("interactive"), WithPriority(Interactive))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	for _, j := range []*Job{low, mid, high} {
		join(t, j)
	}
	assert.Equal(t, []string{"interactive", "long", "decorate"}, order)
}

func TestCancelWaitingJobIsImmediate(t *testing.T) {
	m := newTestManager(t, Config{})
	rule := NewMutex("busy")
	release := make(gate)
	blocker, err := m.Submit("blocker", func(ctx context.Context, mon Monitor) error {
		return release.wait(ctx)
	}, WithRule(rule))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blocker.State() == Running }, waitLong, time.Millisecond)

	var ran atomic.Bool
	waiter, err := m.Submit("waiter", func(context.Context, Monitor) error {
		ran.Store(true)
		return nil
	}, WithRule(rule))
	require.NoError(t, err)
	assert.Equal(t, Waiting, waiter.State())

	assert.True(t, waiter.Cancel())
	assert.Equal(t, None, waiter.State())
	assert.Equal(t, SeverityCancel, waiter.Result().Severity)

	close(release)
	join(t, blocker)
	assert.False(t, ran.Load())
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	m := newTestManager(t, Config{})
	var hook atomic.Int32
	started := make(chan struct{})
	j, err := m.Submit("cooperative", func(ctx context.Context, mon Monitor) error {
		close(started)
		<-ctx.Done()
		if !mon.IsCanceled() {
			return errors.New("monitor not canceled")
		}
		return ctx.Err()
	}, WithCanceling(func() { hook.Add(1) }))
	require.NoError(t, err)
	<-started

	assert.False(t, j.Cancel())
	assert.False(t, j.Cancel())
	join(t, j)
	assert.Equal(t, SeverityCancel, j.Result().Severity)
	assert.Equal(t, int32(1), hook.Load())
}

func TestCancelUnscheduledJob(t *testing.T) {
	m := newTestManager(t, Config{})
	j := m.NewJob("idle", nil)
	assert.True(t, j.Cancel())
	assert.Nil(t, j.Result())
}

func TestScheduleWhileWaitingIsNoop(t *testing.T) {
	m := New(Config{}, logx.Nop(), nil)
	var scheduled atomic.Int32
	m.AddListener(&ListenerFuncs{OnScheduled: func(Event) { scheduled.Add(1) }})
	j := m.NewJob("twice", nil)
	require.NoError(t, j.Schedule(0))
	require.NoError(t, j.Schedule(0))
	assert.Equal(t, int32(1), scheduled.Load())
	assert.Equal(t, Waiting, j.State())
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, None, j.State())
}

func TestRescheduleWhileRunningIsCoalesced(t *testing.T) {
	m := newTestManager(t, Config{})
	var runs atomic.Int32
	release := make(gate)
	j := m.NewJob("again", func(ctx context.Context, mon Monitor) error {
		if runs.Add(1) == 1 {
			return release.wait(ctx)
		}
		return nil
	})
	require.NoError(t, j.Schedule(0))
	require.Eventually(t, func() bool { return j.State() == Running }, waitLong, time.Millisecond)

	require.NoError(t, j.Schedule(0))
	require.NoError(t, j.Schedule(0))
	close(release)

	require.Eventually(t, func() bool { return runs.Load() == 2 && j.State() == None }, waitLong, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())
}

// Two jobs on one rule: J1 runs first, J2 only starts after J1 returned.
func TestSameRuleScenario(t *testing.T) {
	m := newTestManager(t, Config{})
	rule := PathRule("/r")
	var mu sync.Mutex
	var trace []string
	note := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}
	release := make(gate)
	j1 := m.NewJob("J1", func(ctx context.Context, mon Monitor) error {
		note("J1 run")
		err := release.wait(ctx)
		note("J1 end")
		return err
	}, WithRule(rule))
	j2 := m.NewJob("J2", func(context.Context, Monitor) error {
		note("J2 run")
		return nil
	}, WithRule(rule))

	require.NoError(t, j1.Schedule(0))
	require.NoError(t, j2.Schedule(0))
	require.Eventually(t, func() bool { return j1.State() == Running }, waitLong, time.Millisecond)
	assert.Equal(t, Waiting, j2.State())

	close(release)
	join(t, j2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"J1 run", "J1 end", "J2 run"}, trace)
}

// A job scheduled with a 200ms delay sleeps, wakes, then runs.
func TestDelayedScheduleScenario(t *testing.T) {
	m := newTestManager(t, Config{})
	var mu sync.Mutex
	var kinds []EventKind
	var ranAt time.Time
	j := m.NewJob("later", func(context.Context, Monitor) error {
		mu.Lock()
		ranAt = time.Now()
		mu.Unlock()
		return nil
	})
	doneCh := make(chan struct{})
	j.AddListener(&ListenerFuncs{
		OnScheduled:  func(e Event) { mu.Lock(); kinds = append(kinds, e.Kind); mu.Unlock() },
		OnSleeping:   func(e Event) { mu.Lock(); kinds = append(kinds, e.Kind); mu.Unlock() },
		OnAwake:      func(e Event) { mu.Lock(); kinds = append(kinds, e.Kind); mu.Unlock() },
		OnAboutToRun: func(e Event) { mu.Lock(); kinds = append(kinds, e.Kind); mu.Unlock() },
		OnRunning:    func(e Event) { mu.Lock(); kinds = append(kinds, e.Kind); mu.Unlock() },
		OnDone:       func(e Event) { mu.Lock(); kinds = append(kinds, e.Kind); mu.Unlock(); close(doneCh) },
	})

	start := time.Now()
	require.NoError(t, j.Schedule(200*time.Millisecond))
	assert.Equal(t, Sleeping, j.State())

	select {
	case <-doneCh:
	case <-time.After(waitLong):
		t.Fatal("delayed job never finished")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, ranAt.Sub(start), 200*time.Millisecond)
	assert.Equal(t, []EventKind{EventScheduled, EventSleeping, EventAwake, EventAboutToRun, EventRunning, EventDone}, kinds)
}

func TestSleepAndWakeUp(t *testing.T) {
	m := New(Config{}, logx.Nop(), nil)
	j := m.NewJob("sleepy", nil)
	require.NoError(t, j.Schedule(0))
	assert.True(t, j.Sleep())
	assert.Equal(t, Sleeping, j.State())

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Sleeping, j.State())

	j.WakeUp(0)
	join(t, j)
	assert.True(t, j.Result().IsOK())
}

func TestSleepRunningJobFails(t *testing.T) {
	m := newTestManager(t, Config{})
	release := make(gate)
	j, err := m.Submit("busy", func(ctx context.Context, mon Monitor) error { return release.wait(ctx) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return j.State() == Running }, waitLong, time.Millisecond)
	assert.False(t, j.Sleep())
	close(release)
	join(t, j)
	assert.True(t, j.Sleep())
}

func TestJoinSelfFailsFast(t *testing.T) {
	m := newTestManager(t, Config{})
	errCh := make(chan error, 1)
	var self *Job
	self = m.NewJob("self", func(ctx context.Context, mon Monitor) error {
		_, err := m.Join(ctx, self, 0)
		errCh <- err
		return nil
	})
	require.NoError(t, self.Schedule(0))
	join(t, self)
	assert.ErrorIs(t, <-errCh, ErrSelfJoin)
}

func TestJoinTimeoutAndCancel(t *testing.T) {
	m := newTestManager(t, Config{})
	release := make(gate)
	j, err := m.Submit("slow", func(ctx context.Context, mon Monitor) error { return release.wait(ctx) })
	require.NoError(t, err)

	ok, err := j.Join(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err = j.Join(ctx, 0)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrJoinCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	join(t, j)
}

func TestJoinConflictingQueuedJobFailsFast(t *testing.T) {
	m := newTestManager(t, Config{})
	rule := NewMutex("shared")
	other := m.NewJob("other", nil, WithRule(rule))
	errCh := make(chan error, 1)
	outer, err := m.Submit("outer", func(ctx context.Context, mon Monitor) error {
		if err := other.Schedule(0); err != nil {
			return err
		}
		_, err := m.Join(ctx, other, 0)
		errCh <- err
		return nil
	}, WithRule(rule))
	require.NoError(t, err)
	join(t, outer)
	assert.ErrorIs(t, <-errCh, ErrRuleDeadlock)
	join(t, other)
}

func TestAsyncFinish(t *testing.T) {
	m := newTestManager(t, Config{MaxWorkers: 1})
	j, err := m.Submit("async", func(ctx context.Context, mon Monitor) error {
		return ErrAsyncFinish
	})
	require.NoError(t, err)

	// The worker is released: another job runs while the async one is open.
	other, err := m.Submit("other", nil)
	require.NoError(t, err)
	join(t, other)
	assert.Equal(t, Running, j.State())

	require.NoError(t, j.Done(errors.New("remote failed")))
	_ = j.Done(nil) // ignored: first result wins
	join(t, j)
	assert.Equal(t, SeverityError, j.Result().Severity)
	assert.ErrorIs(t, j.Done(nil), ErrNotRunning)
}

func TestListenerPanicIsContained(t *testing.T) {
	m := newTestManager(t, Config{})
	var after atomic.Int32
	m.AddListener(&ListenerFuncs{OnDone: func(Event) { panic("listener bug") }})
	m.AddListener(&ListenerFuncs{OnDone: func(Event) { after.Add(1) }})

	j, err := m.Submit("fine", nil)
	require.NoError(t, err)
	join(t, j)
	require.Eventually(t, func() bool { return after.Load() == 1 }, waitLong, time.Millisecond)
	assert.True(t, j.Result().IsOK())
	assert.Equal(t, uint64(1), m.Snapshot().ListenerPanics)
}

func TestRemoveListener(t *testing.T) {
	m := New(Config{}, logx.Nop(), nil)
	var n atomic.Int32
	l := &ListenerFuncs{OnScheduled: func(Event) { n.Add(1) }}
	m.AddListener(l)
	require.NoError(t, m.NewJob("a", nil).Schedule(0))
	m.RemoveListener(l)
	require.NoError(t, m.NewJob("b", nil).Schedule(0))
	assert.Equal(t, int32(1), n.Load())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestEventsPublishedOnBus(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, "job.done")
	defer unsub()
	m := New(Config{MaxWorkers: 1}, logx.Nop(), bus)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	j, err := m.Submit("published", func(context.Context, Monitor) error { return errors.New("bad") })
	require.NoError(t, err)
	join(t, j)

	select {
	case e := <-ch:
		ev, ok := e.Data.(JobEvent)
		require.True(t, ok)
		assert.Equal(t, "published", ev.Name)
		assert.Equal(t, "error", ev.Severity)
		assert.Equal(t, "bad", ev.Message)
	case <-time.After(waitLong):
		t.Fatal("no job.done event")
	}
}

func TestFamilies(t *testing.T) {
	m := New(Config{}, logx.Nop(), nil)
	type family string
	a1 := m.NewJob("a1", nil, WithFamily(family("a")))
	a2 := m.NewJob("a2", nil, WithFamily(family("a")))
	b1 := m.NewJob("b1", nil, WithFamily(family("b")))
	for _, j := range []*Job{a1, a2, b1} {
		require.NoError(t, j.Schedule(0))
	}
	assert.ElementsMatch(t, []*Job{a1, a2}, m.Find(family("a")))
	assert.Len(t, m.Find(nil), 3)
	assert.Empty(t, m.Find("a"))
	assert.True(t, a1.BelongsTo(family("a")))

	m.CancelFamily(family("a"))
	assert.Equal(t, None, a1.State())
	assert.Equal(t, None, a2.State())
	assert.Equal(t, Waiting, b1.State())

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	ok, err := m.JoinFamily(context.Background(), family("b"), waitLong)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSuspendResume(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Suspend()
	j, err := m.Submit("held", nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Waiting, j.State())
	assert.False(t, m.IsIdle())

	m.Resume()
	join(t, j)
	require.Eventually(t, m.IsIdle, waitLong, time.Millisecond)
}

func TestShutdownRejectsAndCancels(t *testing.T) {
	m := New(Config{MaxWorkers: 1}, logx.Nop(), nil)
	require.NoError(t, m.Start(context.Background()))

	started := make(chan struct{})
	running, err := m.Submit("running", func(ctx context.Context, mon Monitor) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started
	queued, err := m.Submit("queued", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitLong)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, SeverityCancel, running.Result().Severity)
	assert.Equal(t, SeverityCancel, queued.Result().Severity)
	assert.ErrorIs(t, queued.Schedule(0), ErrShutdown)
	_, err = m.Submit("late", nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestJobSetters(t *testing.T) {
	m := New(Config{}, logx.Nop(), nil)
	g := m.NewGroup("g", 0, 0)
	j := m.NewJob("props", nil, WithProperty("k", 1), WithSystem(true))

	v, ok := j.Property("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	j.SetProperty("k", nil)
	_, ok = j.Property("k")
	assert.False(t, ok)
	assert.True(t, j.IsSystem())

	require.NoError(t, j.SetRule(PathRule("/x")))
	require.NoError(t, j.SetGroup(g))
	require.NoError(t, j.Schedule(0))
	assert.ErrorIs(t, j.SetRule(nil), ErrJobActive)
	assert.ErrorIs(t, j.SetGroup(nil), ErrGroupAssigned)

	j.SetPriority(Interactive)
	assert.Equal(t, Interactive, j.Priority())

	other := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, other.Schedule(j, 0), ErrForeignJob)
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestCurrentJob(t *testing.T) {
	m := newTestManager(t, Config{})
	got := make(chan *Job, 1)
	j, err := m.Submit("me", func(ctx context.Context, mon Monitor) error {
		got <- m.CurrentJob(ctx)
		return nil
	})
	require.NoError(t, err)
	join(t, j)
	assert.Equal(t, j, <-got)
	assert.Nil(t, m.CurrentJob(context.Background()))
}

func TestIsBlocking(t *testing.T) {
	m := newTestManager(t, Config{})
	rule := NewMutex("b")
	release := make(gate)
	holder, err := m.Submit("holder", func(ctx context.Context, mon Monitor) error { return release.wait(ctx) }, WithRule(rule))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return holder.State() == Running }, waitLong, time.Millisecond)
	assert.False(t, holder.IsBlocking())

	sys, err := m.Submit("system", nil, WithRule(rule), WithSystem(true))
	require.NoError(t, err)
	assert.False(t, holder.IsBlocking())

	usr, err := m.Submit("user", nil, WithRule(rule))
	require.NoError(t, err)
	assert.True(t, holder.IsBlocking())

	close(release)
	for _, j := range []*Job{holder, sys, usr} {
		join(t, j)
	}
}
