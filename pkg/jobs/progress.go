package jobs

import (
	"sync"
	"sync/atomic"
)

// Unknown is the total for BeginTask when the amount of work is not known.
const Unknown = -1

// Monitor receives progress from a running job and tells it whether it was
// canceled.
type Monitor interface {
	BeginTask(name string, total int)
	Worked(n int)
	SubTask(name string)
	Done()
	IsCanceled() bool
	SetCanceled(v bool)
}

// Progress is a point-in-time view of a ProgressMonitor.
type Progress struct {
	Task     string `json:"task"`
	SubTask  string `json:"subtask,omitempty"`
	Total    int    `json:"total"`
	Worked   int    `json:"worked"`
	Done     bool   `json:"done"`
	Canceled bool   `json:"canceled"`
}

// ProgressMonitor is the Monitor handed to jobs. A monitor with a parent
// forwards its fraction of completed work to the parent as parentTicks units,
// and reads as canceled when the parent is.
type ProgressMonitor struct {
	mu      sync.Mutex
	task    string
	sub     string
	total   int
	worked  int
	done    bool
	forward int // ticks already forwarded to parent

	canceled atomic.Bool

	parent      *ProgressMonitor
	parentTicks int
}

// NewProgressMonitor returns a standalone monitor.
func NewProgressMonitor() *ProgressMonitor { return &ProgressMonitor{total: Unknown} }

// NewProgressGroup returns a monitor that jobs created WithProgressGroup
// report into. Call BeginTask on it with the sum of their ticks.
func (m *Manager) NewProgressGroup() *ProgressMonitor { return NewProgressMonitor() }

func newProgressMonitor(parent *ProgressMonitor, ticks int) *ProgressMonitor {
	return &ProgressMonitor{total: Unknown, parent: parent, parentTicks: max(ticks, 0)}
}

func (p *ProgressMonitor) BeginTask(name string, total int) {
	p.mu.Lock()
	p.task, p.total, p.worked, p.done = name, total, 0, false
	p.mu.Unlock()
}

func (p *ProgressMonitor) SubTask(name string) {
	p.mu.Lock()
	p.sub = name
	p.mu.Unlock()
}

func (p *ProgressMonitor) Worked(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.worked += n
	if p.total > 0 && p.worked > p.total {
		p.worked = p.total
	}
	delta := p.forwardLocked(false)
	p.mu.Unlock()
	if delta > 0 {
		p.parent.Worked(delta)
	}
}

// Done marks the work complete. Remaining ticks go to the parent.
func (p *ProgressMonitor) Done() {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	if p.total > 0 {
		p.worked = p.total
	}
	delta := p.forwardLocked(true)
	p.mu.Unlock()
	if delta > 0 {
		p.parent.Worked(delta)
	}
}

// forwardLocked computes how many new parent ticks the current progress is
// worth.
func (p *ProgressMonitor) forwardLocked(final bool) int {
	if p.parent == nil || p.parentTicks == 0 {
		return 0
	}
	want := p.parentTicks
	if !final {
		if p.total <= 0 {
			return 0
		}
		want = p.parentTicks * p.worked / p.total
	}
	delta := want - p.forward
	if delta <= 0 {
		return 0
	}
	p.forward = want
	return delta
}

func (p *ProgressMonitor) IsCanceled() bool {
	for m := p; m != nil; m = m.parent {
		if m.canceled.Load() {
			return true
		}
	}
	return false
}

func (p *ProgressMonitor) SetCanceled(v bool) { p.canceled.Store(v) }

func (p *ProgressMonitor) Snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Progress{
		Task:     p.task,
		SubTask:  p.sub,
		Total:    p.total,
		Worked:   p.worked,
		Done:     p.done,
		Canceled: p.IsCanceled(),
	}
}
