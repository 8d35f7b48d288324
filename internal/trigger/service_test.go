package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
)

type fakeTarget struct {
	state     atomic.Int32
	scheduled atomic.Int32
	err       error
}

func (f *fakeTarget) Name() string      { return "fake" }
func (f *fakeTarget) State() jobs.State { return jobs.State(f.state.Load()) }
func (f *fakeTarget) Schedule(time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.scheduled.Add(1)
	return nil
}

func newService(t *testing.T) *Service {
	t.Helper()
	s := New(Config{StartupSpread: -1}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestIntervalTriggerFires(t *testing.T) {
	s := newService(t)
	tgt := &fakeTarget{}
	require.NoError(t, s.Add("tick", "interval:20ms", tgt, OverlapCoalesce))
	require.Eventually(t, func() bool { return tgt.scheduled.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)

	info := s.Snapshot()
	require.Len(t, info, 1)
	assert.Equal(t, "tick", info[0].Name)
	assert.Equal(t, "@every 20ms", info[0].Spec)
	assert.GreaterOrEqual(t, info[0].Fired, uint64(3))
	assert.False(t, info[0].Next.IsZero())
}

func TestOverlapSkip(t *testing.T) {
	s := newService(t)
	tgt := &fakeTarget{}
	tgt.state.Store(int32(jobs.Running))
	require.NoError(t, s.Add("busy", "20ms", tgt, OverlapSkip))
	require.Eventually(t, func() bool { return s.Snapshot()[0].Skipped >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, tgt.scheduled.Load())

	tgt.state.Store(int32(jobs.None))
	require.Eventually(t, func() bool { return tgt.scheduled.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestScheduleErrorsAreCounted(t *testing.T) {
	s := newService(t)
	tgt := &fakeTarget{err: errors.New("shut down")}
	require.NoError(t, s.Add("broken", "20ms", tgt, OverlapCoalesce))
	require.Eventually(t, func() bool { return s.Snapshot()[0].Failed >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestAddReplacesAndRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	tgt := &fakeTarget{}
	require.NoError(t, s.Add("a", "@daily", tgt, OverlapCoalesce))
	require.NoError(t, s.Add("a", "*/5 * * * *", tgt, OverlapCoalesce))
	require.NoError(t, s.Add("b", "1h", tgt, OverlapSkip))
	assert.Equal(t, []string{"a", "b"}, s.Names())
	assert.Equal(t, "*/5 * * * *", s.Snapshot()[0].Spec)

	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Equal(t, []string{"b"}, s.Names())

	assert.Error(t, s.Add("", "1h", tgt, OverlapCoalesce))
	assert.Error(t, s.Add("x", "1h", nil, OverlapCoalesce))
	assert.Error(t, s.Add("x", "61 * * * *", tgt, OverlapCoalesce))
}

func TestTriggerSchedulesRealJob(t *testing.T) {
	m := jobs.New(jobs.Config{MaxWorkers: 1}, logx.Nop(), nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	var runs atomic.Int32
	j := m.NewJob("tick", func(context.Context, jobs.Monitor) error {
		runs.Add(1)
		return nil
	})
	s := newService(t)
	require.NoError(t, s.Add("tick", "15ms", j, OverlapCoalesce))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestParseOverlap(t *testing.T) {
	t.Parallel()
	o, err := ParseOverlap("")
	require.NoError(t, err)
	assert.Equal(t, OverlapCoalesce, o)
	o, err = ParseOverlap("SKIP")
	require.NoError(t, err)
	assert.Equal(t, OverlapSkip, o)
	_, err = ParseOverlap("queue")
	assert.Error(t, err)
}
