// Package command builds jobs that run external commands.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemdmanager"
)

// Family tags command jobs for jobs.Manager.Find. Every job carries
// Family(name) and AllCommands, plus any extra families from its Spec.
type Family string

// AllCommands is the family shared by every command job.
const AllCommands = Family("*")

const (
	defaultTailBytes = 4 << 10
	killGrace        = 5 * time.Second
)

// Spec describes one command job.
type Spec struct {
	Name string
	// Argv is executed directly. When empty, Shell runs under "sh -c".
	Argv  []string
	Shell string
	Dir   string
	Env   []string

	// Unit names a systemd unit to act on instead of running a command.
	// UnitAction defaults to restart.
	Unit       string
	UnitAction string

	// Timeout bounds one run. 0 means none.
	Timeout time.Duration

	// Paths become PathRules; Locks name mutex rules shared by every job
	// using the same lock name. Together they form the job's rule.
	Paths []string
	Locks []string

	Priority string
	Group    string
	System   bool
	User     bool
	Families []string

	// WarnExitCodes are exit codes reported with warning severity.
	WarnExitCodes []int
	// TailBytes of combined output are kept for the result message.
	TailBytes int
}

// UnitController acts on systemd units. *systemdmanager.Manager satisfies it.
type UnitController interface {
	Do(ctx context.Context, unit string, action systemdmanager.Action) (string, error)
}

// GroupSpec describes a named group shared by command jobs.
type GroupSpec struct {
	Name            string
	MaxThreads      int
	CancelOnFailure bool
}

// Factory turns Specs into jobs on one manager. Lock names and groups are
// shared across every job the factory builds.
type Factory struct {
	m     *jobs.Manager
	log   logx.Logger
	units UnitController

	mu     sync.Mutex
	locks  map[string]*jobs.Mutex
	groups map[string]*jobs.Group
	gspecs map[string]GroupSpec
}

func NewFactory(m *jobs.Manager, log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{
		m:      m,
		log:    log.With(logx.String("comp", "command")),
		locks:  map[string]*jobs.Mutex{},
		groups: map[string]*jobs.Group{},
		gspecs: map[string]GroupSpec{},
	}
}

// SetUnits installs the controller used by unit jobs.
func (f *Factory) SetUnits(u UnitController) {
	f.mu.Lock()
	f.units = u
	f.mu.Unlock()
}

// DefineGroup creates the named group, or keeps the existing one when its
// settings are unchanged. Jobs already bound to a replaced group keep it.
func (f *Factory) DefineGroup(gs GroupSpec) *jobs.Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.groups[gs.Name]; ok && f.gspecs[gs.Name] == gs {
		return g
	}
	var opts []jobs.GroupOption
	if gs.CancelOnFailure {
		opts = append(opts, jobs.WithFailurePolicy(jobs.CancelOnFailure))
	}
	g := f.m.NewGroup(gs.Name, gs.MaxThreads, 0, opts...)
	f.groups[gs.Name] = g
	f.gspecs[gs.Name] = gs
	return g
}

// Group returns a defined group or nil.
func (f *Factory) Group(name string) *jobs.Group {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[name]
}

func (f *Factory) lock(name string) *jobs.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[name]
	if !ok {
		l = jobs.NewMutex(name)
		f.locks[name] = l
	}
	return l
}

// Rule combines the paths and lock names of s. It is nil when both are
// empty.
func (f *Factory) Rule(s Spec) jobs.Rule {
	var rules []jobs.Rule
	for _, p := range s.Paths {
		if p = strings.TrimSpace(p); p != "" {
			rules = append(rules, jobs.PathRule(p))
		}
	}
	for _, l := range s.Locks {
		if l = strings.TrimSpace(l); l != "" {
			rules = append(rules, f.lock(l))
		}
	}
	return jobs.Combine(rules...)
}

// Build creates an unscheduled job for s.
func (f *Factory) Build(s Spec) (*jobs.Job, error) {
	if strings.TrimSpace(s.Name) == "" {
		return nil, errors.New("command name required")
	}
	var run jobs.RunFunc
	r := &runner{spec: s, log: f.log.With(logx.String("job", s.Name))}
	switch {
	case strings.TrimSpace(s.Unit) != "":
		action, err := systemdmanager.ParseAction(s.UnitAction)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", s.Name, err)
		}
		f.mu.Lock()
		r.units = f.units
		f.mu.Unlock()
		if r.units == nil {
			return nil, fmt.Errorf("command %s: unit jobs are not available", s.Name)
		}
		r.action = action
		run = r.runUnit
	case len(s.Argv) > 0 || strings.TrimSpace(s.Shell) != "":
		run = r.run
	default:
		return nil, fmt.Errorf("command %s: argv, shell or unit required", s.Name)
	}
	prio, err := jobs.ParsePriority(s.Priority)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", s.Name, err)
	}
	opts := []jobs.JobOption{
		jobs.WithPriority(prio),
		jobs.WithRule(f.Rule(s)),
		jobs.WithSystem(s.System),
		jobs.WithUser(s.User),
		jobs.WithFamily(AllCommands, Family(s.Name)),
		jobs.WithProperty("command", s.display()),
	}
	for _, fam := range s.Families {
		opts = append(opts, jobs.WithFamily(Family(fam)))
	}
	if s.Group != "" {
		g := f.Group(s.Group)
		if g == nil {
			return nil, fmt.Errorf("command %s: unknown group %q", s.Name, s.Group)
		}
		opts = append(opts, jobs.WithGroup(g))
	}
	j := f.m.NewJob(s.Name, run, opts...)
	r.job = j
	return j, nil
}

func (s Spec) display() string {
	if s.Unit != "" {
		action, _ := systemdmanager.ParseAction(s.UnitAction)
		return fmt.Sprintf("systemctl %s %s", action, systemdmanager.UnitName(s.Unit))
	}
	if len(s.Argv) > 0 {
		return strings.Join(s.Argv, " ")
	}
	return s.Shell
}

type runner struct {
	spec Spec
	log  logx.Logger
	job  *jobs.Job

	units  UnitController
	action systemdmanager.Action
}

func (r *runner) runUnit(ctx context.Context, mon jobs.Monitor) error {
	s := r.spec
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	mon.BeginTask(s.display(), jobs.Unknown)
	msg, err := r.units.Do(ctx, s.Unit, r.action)
	mon.Done()
	r.job.SetProperty("output", msg)

	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("timed out after %s: %w", s.Timeout, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", jobs.ErrCanceled, ctx.Err())
	}
	return err
}

func (r *runner) run(ctx context.Context, mon jobs.Monitor) error {
	s := r.spec
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	argv := s.Argv
	if len(argv) == 0 {
		argv = []string{"sh", "-c", s.Shell}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	// Ask politely first; WaitDelay escalates to SIGKILL.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	out := &tailWriter{max: s.TailBytes, mon: mon}
	if out.max <= 0 {
		out.max = defaultTailBytes
	}
	cmd.Stdout, cmd.Stderr = out, out

	mon.BeginTask(s.display(), jobs.Unknown)
	start := time.Now()
	err := cmd.Run()
	mon.Done()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	r.job.SetProperty("exit_code", code)
	r.job.SetProperty("output", out.String())
	r.log.Debug("command finished", logx.Int("exit_code", code), logx.Duration("took", time.Since(start)))

	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("timed out after %s: %w", s.Timeout, err)
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", jobs.ErrCanceled, ctx.Err())
	}
	if cmd.ProcessState == nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	err = fmt.Errorf("exit %d: %s", code, lastLine(out.String()))
	if slices.Contains(s.WarnExitCodes, code) {
		return jobs.Warning(err)
	}
	return err
}

// tailWriter keeps the last max bytes written and reports the latest output
// line as the monitor's subtask.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
	mon jobs.Monitor
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.max {
		w.buf = slices.Clone(w.buf[len(w.buf)-w.max:])
	}
	line := lastLine(string(w.buf))
	w.mu.Unlock()
	if line != "" {
		w.mon.SubTask(line)
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(bytes.TrimSpace(w.buf))
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
