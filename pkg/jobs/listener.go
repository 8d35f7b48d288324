package jobs

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"jobsched/internal/eventbus"
	logx "jobsched/pkg/logx"
)

type EventKind int

const (
	EventScheduled EventKind = iota
	EventSleeping
	EventAwake
	EventAboutToRun
	EventRunning
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventScheduled:
		return "scheduled"
	case EventSleeping:
		return "sleeping"
	case EventAwake:
		return "awake"
	case EventAboutToRun:
		return "about_to_run"
	case EventRunning:
		return "running"
	case EventDone:
		return "done"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event describes one job state transition.
type Event struct {
	Kind EventKind
	Job  *Job
	Time time.Time
	// Delay is set for EventScheduled.
	Delay time.Duration
	// Result, Duration and Rescheduled are set for EventDone.
	Result      *Status
	Duration    time.Duration
	Rescheduled bool
}

// Listener observes job transitions. Events for one job arrive in transition
// order and never concurrently; events for different jobs may interleave.
// Listeners run outside scheduler locks and may call back into the Manager.
// A panicking listener is logged and skipped.
type Listener interface {
	Scheduled(e Event)
	Sleeping(e Event)
	Awake(e Event)
	AboutToRun(e Event)
	Running(e Event)
	Done(e Event)
}

// ListenerFuncs adapts optional funcs to Listener. Register it by pointer.
type ListenerFuncs struct {
	OnScheduled  func(Event)
	OnSleeping   func(Event)
	OnAwake      func(Event)
	OnAboutToRun func(Event)
	OnRunning    func(Event)
	OnDone       func(Event)
}

func call(fn func(Event), e Event) {
	if fn != nil {
		fn(e)
	}
}

func (l *ListenerFuncs) Scheduled(e Event)  { call(l.OnScheduled, e) }
func (l *ListenerFuncs) Sleeping(e Event)   { call(l.OnSleeping, e) }
func (l *ListenerFuncs) Awake(e Event)      { call(l.OnAwake, e) }
func (l *ListenerFuncs) AboutToRun(e Event) { call(l.OnAboutToRun, e) }
func (l *ListenerFuncs) Running(e Event)    { call(l.OnRunning, e) }
func (l *ListenerFuncs) Done(e Event)       { call(l.OnDone, e) }

type listenerEntry struct{ l Listener }

// AddListener registers l for every job. The returned func removes it.
func (m *Manager) AddListener(l Listener) (remove func()) {
	e := &listenerEntry{l: l}
	m.mu.Lock()
	m.listeners = append(slices.Clone(m.listeners), e)
	m.mu.Unlock()
	return func() { m.removeEntry(e) }
}

// RemoveListener removes every registration of l. Listeners of a
// non-comparable type can only be removed with the func AddListener returned.
func (m *Manager) RemoveListener(l Listener) {
	if l == nil || !reflect.TypeOf(l).Comparable() {
		return
	}
	m.mu.Lock()
	m.listeners = slices.DeleteFunc(slices.Clone(m.listeners), func(x *listenerEntry) bool {
		return reflect.TypeOf(x.l) == reflect.TypeOf(l) && x.l == l
	})
	m.mu.Unlock()
}

func (m *Manager) removeEntry(e *listenerEntry) {
	m.mu.Lock()
	m.listeners = slices.DeleteFunc(slices.Clone(m.listeners), func(x *listenerEntry) bool { return x == e })
	m.mu.Unlock()
}

// emitLocked queues e for delivery by the next flush of j.
func (m *Manager) emitLocked(j *Job, e Event) {
	if j.implicit {
		return
	}
	e.Job = j
	e.Time = time.Now()
	j.events = append(j.events, e)
}

// flush delivers queued events. One goroutine at a time drains a job's
// queue; a concurrent caller leaves its events to that goroutine, which keeps
// per-job order without holding m.mu during delivery.
func (m *Manager) flush(jobs ...*Job) {
	for _, j := range jobs {
		m.flushOne(j)
	}
}

func (m *Manager) flushOne(j *Job) {
	m.mu.Lock()
	if j.flushing || len(j.events) == 0 {
		m.mu.Unlock()
		return
	}
	j.flushing = true
	for len(j.events) > 0 {
		evs := j.events
		j.events = nil
		global, local := m.listeners, j.listeners
		m.mu.Unlock()
		for _, e := range evs {
			m.deliver(e, global)
			m.deliver(e, local)
			m.publish(e)
		}
		m.mu.Lock()
	}
	j.flushing = false
	m.mu.Unlock()
}

func (m *Manager) deliver(e Event, ls []*listenerEntry) {
	for _, x := range ls {
		m.safeDeliver(x.l, e)
	}
}

func (m *Manager) safeDeliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.stats.listenerPanics.Add(1)
			if m.warnLimiter.Allow() {
				m.log.Error("job listener panicked",
					logx.String("event", e.Kind.String()),
					logx.String("job", e.Job.name),
					logx.Any("panic", r),
				)
			}
		}
	}()
	switch e.Kind {
	case EventScheduled:
		l.Scheduled(e)
	case EventSleeping:
		l.Sleeping(e)
	case EventAwake:
		l.Awake(e)
	case EventAboutToRun:
		l.AboutToRun(e)
	case EventRunning:
		l.Running(e)
	case EventDone:
		l.Done(e)
	}
}

// JobEvent is the bus payload for job transitions ("job.<kind>").
type JobEvent struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	Priority    string        `json:"priority"`
	Group       string        `json:"group,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Severity    string        `json:"severity,omitempty"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Rescheduled bool          `json:"rescheduled,omitempty"`
	Time        time.Time     `json:"time"`
}

func (m *Manager) publish(e Event) {
	if m.bus == nil {
		return
	}
	j := e.Job
	m.mu.Lock()
	ev := JobEvent{
		ID:          j.id,
		Name:        j.name,
		Kind:        e.Kind.String(),
		Priority:    j.priority.String(),
		Delay:       e.Delay,
		Duration:    e.Duration,
		Rescheduled: e.Rescheduled,
		Time:        e.Time,
	}
	if j.group != nil {
		ev.Group = j.group.name
	}
	m.mu.Unlock()
	if e.Result != nil {
		ev.Severity = e.Result.Severity.String()
		ev.Message = e.Result.Message
	}
	m.bus.Publish(eventbus.Event{Type: "job." + ev.Kind, Time: e.Time, Data: ev})
}
