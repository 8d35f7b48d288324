package jobs

import (
	"context"
	"slices"
	"sync"
	"time"
)

// lockGraph guards every Lock that shares it, plus the wait-for edges used
// for deadlock detection. Only locks on the same graph are checked against
// each other.
type lockGraph struct {
	mu      sync.Mutex
	waiting map[*Owner]*Lock
}

func newLockGraph() *lockGraph {
	return &lockGraph{waiting: map[*Owner]*Lock{}}
}

var defaultLockGraph = newLockGraph()

// Lock is a reentrant mutex held by an Owner taken from the context.
//
// Acquisitions are granted in FIFO order. An acquisition that would close a
// wait-for cycle (A holds L1 and waits for L2 while B holds L2 and asks for
// L1) fails with ErrDeadlock instead of blocking.
type Lock struct {
	g       *lockGraph
	owner   *Owner
	depth   int
	waiters []*lockWaiter
}

type lockWaiter struct {
	owner   *Owner
	ready   chan struct{}
	granted bool
}

// NewLock returns a lock on the process-wide wait-for graph.
func NewLock() *Lock { return &Lock{g: defaultLockGraph} }

// Acquire blocks until the owner in ctx holds the lock. If ctx is canceled
// first the wait is abandoned and ctx.Err() is returned.
func (l *Lock) Acquire(ctx context.Context) error {
	_, err := l.acquire(ctx, -1)
	return err
}

// TryAcquire waits at most timeout. A zero timeout never blocks. It reports
// whether the lock is now held.
func (l *Lock) TryAcquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout < 0 {
		timeout = 0
	}
	return l.acquire(ctx, timeout)
}

// acquire with timeout < 0 waits until ctx is done.
func (l *Lock) acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	o := OwnerFrom(ctx)
	if o == nil {
		return false, ErrNoOwner
	}
	g := l.g
	g.mu.Lock()
	switch {
	case l.owner == nil:
		l.owner, l.depth = o, 1
		g.mu.Unlock()
		return true, nil
	case l.owner == o:
		l.depth++
		g.mu.Unlock()
		return true, nil
	case timeout == 0:
		g.mu.Unlock()
		return false, nil
	case g.closesCycleLocked(o, l):
		g.mu.Unlock()
		return false, ErrDeadlock
	}
	w := &lockWaiter{owner: o, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	g.waiting[o] = l
	g.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-w.ready:
		return true, nil
	case <-ctx.Done():
		return l.abandon(w, ctx.Err())
	case <-expired:
		return l.abandon(w, nil)
	}
}

// abandon withdraws w unless the lock was handed over in the meantime, in
// which case the caller owns it.
func (l *Lock) abandon(w *lockWaiter, err error) (bool, error) {
	l.g.mu.Lock()
	defer l.g.mu.Unlock()
	if w.granted {
		return true, nil
	}
	l.waiters = slices.DeleteFunc(l.waiters, func(x *lockWaiter) bool { return x == w })
	delete(l.g.waiting, w.owner)
	return false, err
}

// closesCycleLocked follows holder → lock it waits for → holder from l and
// reports whether the chain leads back to o.
func (g *lockGraph) closesCycleLocked(o *Owner, l *Lock) bool {
	for hops := 0; l != nil && hops <= len(g.waiting); hops++ {
		h := l.owner
		if h == nil {
			return false
		}
		if h == o {
			return true
		}
		l = g.waiting[h]
	}
	return false
}

// Release undoes one Acquire. When the depth reaches zero the lock passes to
// the longest waiter.
func (l *Lock) Release(ctx context.Context) error {
	o := OwnerFrom(ctx)
	g := l.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if o == nil || l.owner != o {
		return ErrNotOwner
	}
	l.depth--
	if l.depth > 0 {
		return nil
	}
	l.owner = nil
	if len(l.waiters) == 0 {
		return nil
	}
	w := l.waiters[0]
	l.waiters[0] = nil
	l.waiters = l.waiters[1:]
	l.owner, l.depth = w.owner, 1
	w.granted = true
	delete(g.waiting, w.owner)
	close(w.ready)
	return nil
}

// Depth returns how many times the current owner has acquired the lock.
func (l *Lock) Depth() int {
	l.g.mu.Lock()
	defer l.g.mu.Unlock()
	return l.depth
}

// Owner returns the current holder, or nil.
func (l *Lock) Owner() *Owner {
	l.g.mu.Lock()
	defer l.g.mu.Unlock()
	return l.owner
}

// Waiters returns the number of owners blocked in Acquire.
func (l *Lock) Waiters() int {
	l.g.mu.Lock()
	defer l.g.mu.Unlock()
	return len(l.waiters)
}
