package command

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemdmanager"
)

func newFactory(t *testing.T) (*jobs.Manager, *Factory) {
	t.Helper()
	m := jobs.New(jobs.Config{MaxWorkers: 4}, logx.Nop(), nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, NewFactory(m, logx.Nop())
}

func runOnce(t *testing.T, j *jobs.Job) *jobs.Status {
	t.Helper()
	require.NoError(t, j.Schedule(0))
	ok, err := j.Join(context.Background(), 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	return j.Result()
}

func TestCommandSuccessAndOutput(t *testing.T) {
	_, f := newFactory(t)
	dir := t.TempDir()
	j, err := f.Build(Spec{
		Name:  "hello",
		Shell: `echo "$GREETING from $(pwd)"`,
		Dir:   dir,
		Env:   []string{"GREETING=hi"},
	})
	require.NoError(t, err)
	st := runOnce(t, j)
	assert.True(t, st.IsOK(), st.String())

	code, _ := j.Property("exit_code")
	assert.Equal(t, 0, code)
	out, _ := j.Property("output")
	real, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, out, "hi from ")
	assert.Contains(t, []string{"hi from " + dir, "hi from " + real}, out)
	assert.True(t, j.BelongsTo(Family("hello")))
	assert.True(t, j.BelongsTo(AllCommands))
}

func TestCommandFailureSeverity(t *testing.T) {
	_, f := newFactory(t)
	fail, err := f.Build(Spec{Name: "fail", Shell: "echo boom >&2; exit 3"})
	require.NoError(t, err)
	st := runOnce(t, fail)
	assert.Equal(t, jobs.SeverityError, st.Severity)
	assert.Equal(t, "exit 3: boom", st.Message)

	warn, err := f.Build(Spec{Name: "warn", Shell: "exit 2", WarnExitCodes: []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, jobs.SeverityWarning, runOnce(t, warn).Severity)
}

func TestCommandStartError(t *testing.T) {
	_, f := newFactory(t)
	missing, err := f.Build(Spec{Name: "missing", Argv: []string{"/nonexistent/bin/xyz"}})
	require.NoError(t, err)
	st := runOnce(t, missing)
	assert.Equal(t, jobs.SeverityError, st.Severity)
	assert.Contains(t, st.Message, "start /nonexistent/bin/xyz")
	assert.ErrorIs(t, st.Err, fs.ErrNotExist)

	badDir, err := f.Build(Spec{Name: "bad-dir", Shell: "true", Dir: "/nonexistent/dir"})
	require.NoError(t, err)
	st = runOnce(t, badDir)
	assert.Equal(t, jobs.SeverityError, st.Severity)
	assert.Contains(t, st.Message, "start sh")
	assert.Contains(t, st.Message, "/nonexistent/dir")
	code, _ := badDir.Property("exit_code")
	assert.Equal(t, -1, code)
}

func TestCommandTimeoutAndCancel(t *testing.T) {
	_, f := newFactory(t)
	slow, err := f.Build(Spec{Name: "slow", Argv: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	st := runOnce(t, slow)
	assert.Equal(t, jobs.SeverityError, st.Severity)
	assert.Contains(t, st.Message, "timed out after 50ms")

	long, err := f.Build(Spec{Name: "long", Argv: []string{"sleep", "5"}})
	require.NoError(t, err)
	require.NoError(t, long.Schedule(0))
	require.Eventually(t, func() bool { return long.State() == jobs.Running }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, long.Cancel())
	ok, err := long.Join(context.Background(), 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobs.SeverityCancel, long.Result().Severity)
}

func TestSharedLocksSerialize(t *testing.T) {
	_, f := newFactory(t)
	marker := filepath.Join(t.TempDir(), "inside")
	// Each run fails if another run is inside the critical section.
	script := `[ -e "$M" ] && exit 9; touch "$M"; sleep 0.05; rm "$M"`
	var all []*jobs.Job
	for _, name := range []string{"a", "b", "c"} {
		j, err := f.Build(Spec{Name: name, Shell: script, Env: []string{"M=" + marker}, Locks: []string{"db"}})
		require.NoError(t, err)
		require.NoError(t, j.Schedule(0))
		all = append(all, j)
	}
	for _, j := range all {
		ok, err := j.Join(context.Background(), 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, j.Result().IsOK(), j.Result().String())
	}
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestRuleAndGroups(t *testing.T) {
	_, f := newFactory(t)
	assert.Nil(t, f.Rule(Spec{}))
	r := f.Rule(Spec{Paths: []string{"/data/a"}, Locks: []string{"x"}})
	assert.True(t, r.Conflicts(jobs.PathRule("/data")) || jobs.PathRule("/data").Conflicts(r))
	assert.Same(t, f.lock("x"), f.lock("x"))

	g := f.DefineGroup(GroupSpec{Name: "g", MaxThreads: 1})
	assert.Same(t, g, f.DefineGroup(GroupSpec{Name: "g", MaxThreads: 1}))
	g2 := f.DefineGroup(GroupSpec{Name: "g", MaxThreads: 2})
	assert.NotSame(t, g, g2)
	assert.Equal(t, 2, g2.MaxThreads())

	_, err := f.Build(Spec{Name: "x", Shell: "true", Group: "missing"})
	assert.ErrorContains(t, err, "unknown group")
	_, err = f.Build(Spec{Name: "x"})
	assert.Error(t, err)
	_, err = f.Build(Spec{Name: "x", Shell: "true", Priority: "urgent"})
	assert.Error(t, err)

	j, err := f.Build(Spec{Name: "grouped", Shell: "true", Group: "g", Priority: "short"})
	require.NoError(t, err)
	assert.Equal(t, g2, j.Group())
	assert.Equal(t, jobs.Short, j.Priority())
}

type fakeUnits struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeUnits) Do(_ context.Context, unit string, action systemdmanager.Action) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(action)+" "+systemdmanager.UnitName(unit))
	if f.err != nil {
		return "failed", f.err
	}
	return "ok", nil
}

func TestUnitJobs(t *testing.T) {
	_, f := newFactory(t)
	_, err := f.Build(Spec{Name: "nginx", Unit: "nginx"})
	assert.ErrorContains(t, err, "not available")

	units := &fakeUnits{}
	f.SetUnits(units)
	_, err = f.Build(Spec{Name: "nginx", Unit: "nginx", UnitAction: "explode"})
	assert.Error(t, err)

	j, err := f.Build(Spec{Name: "nginx", Unit: "nginx"})
	require.NoError(t, err)
	cmd, _ := j.Property("command")
	assert.Equal(t, "systemctl restart nginx.service", cmd)
	assert.True(t, runOnce(t, j).IsOK())

	units.err = &systemdmanager.JobError{Unit: "nginx.service", Action: "start", Result: "failed"}
	j, err = f.Build(Spec{Name: "nginx-start", Unit: "nginx", UnitAction: "start"})
	require.NoError(t, err)
	st := runOnce(t, j)
	assert.Equal(t, jobs.SeverityError, st.Severity)
	var je *systemdmanager.JobError
	assert.True(t, errors.As(st.Err, &je))
	assert.Equal(t, []string{"restart nginx.service", "start nginx.service"}, units.calls)
}
