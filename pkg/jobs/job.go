package jobs

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunFunc is the work of a job. ctx is canceled when the job is canceled or
// the manager shuts down; it also identifies the job for Join, YieldRule,
// BeginRule and Lock. Return ErrAsyncFinish to keep running until Job.Done.
type RunFunc func(ctx context.Context, mon Monitor) error

// Job is a reusable unit of work. All scheduling state is owned by the
// Manager that created it.
type Job struct {
	m    *Manager
	id   string
	name string
	run  RunFunc

	pmu   sync.Mutex
	props map[string]any

	// Everything below is guarded by m.mu.
	priority  Priority
	rule      Rule
	system    bool
	user      bool
	group     *Group
	families  []any
	canceling func()
	progress  *ProgressMonitor
	ticks     int
	listeners []*listenerEntry

	state         State
	result        *Status
	everScheduled bool
	seq           uint64
	eligibleAt    time.Time
	wakeAt        time.Time

	cancelRequested bool
	reschedule      bool
	rescheduleDelay time.Duration

	worker    *Owner
	startedAt time.Time
	runCancel context.CancelFunc
	monitor   *ProgressMonitor
	promise   *promise
	async     bool
	yielding  bool
	implicit  bool
	admitted  chan struct{} // implicit jobs only

	done chan struct{} // closed when the job returns to None

	events   []Event
	flushing bool
}

// JobOption configures a Job at creation.
type JobOption func(*Job)

func WithPriority(p Priority) JobOption {
	return func(j *Job) {
		if p.valid() {
			j.priority = p
		}
	}
}

func WithRule(r Rule) JobOption        { return func(j *Job) { j.rule = r } }
func WithGroup(g *Group) JobOption     { return func(j *Job) { j.group = g } }
func WithSystem(system bool) JobOption { return func(j *Job) { j.system = system } }
func WithUser(user bool) JobOption     { return func(j *Job) { j.user = user } }

// WithFamily tags the job; Manager.Find and friends select by tag.
func WithFamily(families ...any) JobOption {
	return func(j *Job) { j.families = append(j.families, families...) }
}

// WithCanceling installs a hook called once when Cancel hits a running job.
// It runs outside scheduler locks and may call back into the Manager.
func WithCanceling(fn func()) JobOption { return func(j *Job) { j.canceling = fn } }

// WithProgressGroup reports the job's progress into pg as ticks units of
// pg's total work.
func WithProgressGroup(pg *ProgressMonitor, ticks int) JobOption {
	return func(j *Job) { j.progress, j.ticks = pg, ticks }
}

func WithProperty(key string, value any) JobOption {
	return func(j *Job) { j.props[key] = value }
}

func newJob(m *Manager, name string, run RunFunc, opts ...JobOption) *Job {
	j := &Job{
		m:        m,
		id:       uuid.NewString(),
		name:     name,
		run:      run,
		props:    map[string]any{},
		priority: Long,
		done:     closedCh(),
	}
	for _, o := range opts {
		if o != nil {
			o(j)
		}
	}
	return j
}

func closedCh() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (j *Job) ID() string   { return j.id }
func (j *Job) Name() string { return j.name }

func (j *Job) String() string { return fmt.Sprintf("%s(%s)", j.name, j.id[:8]) }

func (j *Job) State() State {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.state
}

// Result is the status of the most recent completed run, or nil.
func (j *Job) Result() *Status {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.result
}

func (j *Job) Priority() Priority {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.priority
}

// SetPriority changes the priority. A waiting job is re-queued.
func (j *Job) SetPriority(p Priority) {
	if !p.valid() {
		return
	}
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.priority == p {
		return
	}
	if j.state == Waiting && !j.yielding {
		m.waiting.remove(j)
		j.priority = p
		m.waiting.push(j)
		m.pumpLocked()
		return
	}
	j.priority = p
}

func (j *Job) Rule() Rule {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.rule
}

// SetRule replaces the rule. Only allowed while the job is in None.
func (j *Job) SetRule(r Rule) error {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	if j.state != None || j.yielding {
		return ErrJobActive
	}
	j.rule = r
	return nil
}

func (j *Job) Group() *Group {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.group
}

// SetGroup assigns the group. Only allowed before the first schedule.
func (j *Job) SetGroup(g *Group) error {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	if j.everScheduled {
		return ErrGroupAssigned
	}
	j.group = g
	return nil
}

func (j *Job) IsSystem() bool {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.system
}

func (j *Job) SetSystem(v bool) {
	j.m.mu.Lock()
	j.system = v
	j.m.mu.Unlock()
}

func (j *Job) IsUser() bool {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.user
}

func (j *Job) SetUser(v bool) {
	j.m.mu.Lock()
	j.user = v
	j.m.mu.Unlock()
}

// Thread returns the worker running the job, or nil when not running.
func (j *Job) Thread() *Owner {
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.worker
}

// BelongsTo reports whether the job was tagged with family.
func (j *Job) BelongsTo(family any) bool {
	if family == nil || !reflect.TypeOf(family).Comparable() {
		return false
	}
	j.m.mu.Lock()
	defer j.m.mu.Unlock()
	return j.belongsToLocked(family)
}

func (j *Job) belongsToLocked(family any) bool {
	return slices.ContainsFunc(j.families, func(f any) bool {
		return f != nil && reflect.TypeOf(f) == reflect.TypeOf(family) && f == family
	})
}

// IsBlocking reports whether the job is running and a non-system job is
// waiting on a conflicting rule.
func (j *Job) IsBlocking() bool {
	m := j.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.state != Running || j.rule == nil {
		return false
	}
	for _, w := range m.waiting.items {
		if !w.system && !w.implicit && conflicting(j.rule, w.rule) {
			return true
		}
	}
	return false
}

// Property returns a value stored with SetProperty. Properties survive runs.
func (j *Job) Property(key string) (any, bool) {
	j.pmu.Lock()
	defer j.pmu.Unlock()
	v, ok := j.props[key]
	return v, ok
}

// SetProperty stores value; a nil value deletes the key.
func (j *Job) SetProperty(key string, value any) {
	j.pmu.Lock()
	defer j.pmu.Unlock()
	if value == nil {
		delete(j.props, key)
		return
	}
	j.props[key] = value
}

// Schedule is shorthand for Manager.Schedule.
func (j *Job) Schedule(delay time.Duration) error { return j.m.Schedule(j, delay) }

// Cancel is shorthand for Manager.Cancel.
func (j *Job) Cancel() bool { return j.m.Cancel(j) }

func (j *Job) Sleep() bool { return j.m.Sleep(j) }

func (j *Job) WakeUp(delay time.Duration) { j.m.WakeUp(j, delay) }

// Join is shorthand for Manager.Join.
func (j *Job) Join(ctx context.Context, timeout time.Duration) (bool, error) {
	return j.m.Join(ctx, j, timeout)
}

// Done completes a job whose work function returned ErrAsyncFinish. err is
// mapped to a Status like a synchronous return value. Only the first call has
// an effect.
func (j *Job) Done(err error) error {
	j.m.mu.Lock()
	p := j.promise
	j.m.mu.Unlock()
	if p == nil {
		return ErrNotRunning
	}
	p.resolve(StatusOf(err))
	return nil
}

// AddListener registers l for this job only. The returned func removes it.
func (j *Job) AddListener(l Listener) (remove func()) {
	e := &listenerEntry{l: l}
	j.m.mu.Lock()
	j.listeners = append(slices.Clone(j.listeners), e)
	j.m.mu.Unlock()
	return func() {
		j.m.mu.Lock()
		j.listeners = slices.DeleteFunc(slices.Clone(j.listeners), func(x *listenerEntry) bool { return x == e })
		j.m.mu.Unlock()
	}
}

// promise resolves an async job exactly once.
type promise struct {
	once sync.Once
	ch   chan *Status
}

func newPromise() *promise { return &promise{ch: make(chan *Status, 1)} }

func (p *promise) resolve(st *Status) {
	p.once.Do(func() { p.ch <- st })
}
