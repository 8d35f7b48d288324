package jobs

import (
	"cmp"
	"slices"
	"time"
)

// never is the wake time of a job sleeping until WakeUp.
var never = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// jobQueue is a slice kept sorted by cmp. Insertion is a binary search,
// removal is by identity.
type jobQueue struct {
	items []*Job
	cmp   func(a, b *Job) int
}

// newWaitingQueue orders by priority, then delay-adjusted eligibility time,
// then arrival sequence.
func newWaitingQueue() *jobQueue {
	return &jobQueue{cmp: func(a, b *Job) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		if c := a.eligibleAt.Compare(b.eligibleAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	}}
}

// newSleepingQueue orders by wake time.
func newSleepingQueue() *jobQueue {
	return &jobQueue{cmp: func(a, b *Job) int {
		if c := a.wakeAt.Compare(b.wakeAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	}}
}

func (q *jobQueue) push(j *Job) {
	i, _ := slices.BinarySearchFunc(q.items, j, q.cmp)
	q.items = slices.Insert(q.items, i, j)
}

func (q *jobQueue) remove(j *Job) bool {
	i := slices.Index(q.items, j)
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

func (q *jobQueue) peek() *Job {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *jobQueue) len() int { return len(q.items) }

// snapshot returns a copy safe to iterate while the queue changes.
func (q *jobQueue) snapshot() []*Job { return slices.Clone(q.items) }
