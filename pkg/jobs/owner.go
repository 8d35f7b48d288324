package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Owner identifies a logical thread of execution: a worker running a job, or
// any caller that attached one with WithOwner. Locks and scheduling rules are
// held by owners.
type Owner struct {
	id   uint64
	name string
}

var ownerSeq atomic.Uint64

// NewOwner returns a fresh identity. name is only used for display.
func NewOwner(name string) *Owner {
	return &Owner{id: ownerSeq.Add(1), name: name}
}

func (o *Owner) ID() uint64 { return o.id }

func (o *Owner) String() string {
	if o == nil {
		return "<none>"
	}
	if o.name == "" {
		return fmt.Sprintf("owner#%d", o.id)
	}
	return fmt.Sprintf("%s#%d", o.name, o.id)
}

type ownerKey struct{}
type runKey struct{}

// runInfo is attached to a job's run context.
type runInfo struct {
	job    *Job
	worker *Owner
}

// WithOwner returns a context carrying a new Owner.
func WithOwner(ctx context.Context) context.Context {
	return context.WithValue(ctx, ownerKey{}, NewOwner(""))
}

// WithNamedOwner is WithOwner with a display name.
func WithNamedOwner(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ownerKey{}, NewOwner(name))
}

// OwnerFrom returns the owner carried by ctx, or nil.
func OwnerFrom(ctx context.Context) *Owner {
	if ctx == nil {
		return nil
	}
	o, _ := ctx.Value(ownerKey{}).(*Owner)
	return o
}

func withRun(ctx context.Context, j *Job, worker *Owner) context.Context {
	ctx = context.WithValue(ctx, ownerKey{}, worker)
	return context.WithValue(ctx, runKey{}, &runInfo{job: j, worker: worker})
}

func runFrom(ctx context.Context) *runInfo {
	if ctx == nil {
		return nil
	}
	ri, _ := ctx.Value(runKey{}).(*runInfo)
	return ri
}
