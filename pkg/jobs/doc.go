// Package jobs is an in-process job scheduler with rule-based mutual
// exclusion.
//
// A Job is a reusable unit of work. Scheduling a job moves it through
// NONE → WAITING (or SLEEPING when delayed) → RUNNING → NONE. A Manager admits
// a waiting job only when its Rule conflicts with no running job's rule, and
// admits conflicting jobs of equal priority in schedule order. Jobs may belong
// to a Group that caps concurrency and can be joined or canceled as a whole.
//
// Owner identity (what other runtimes call the current thread) is carried in
// a context.Context: a job's run context identifies the job and its worker,
// and WithOwner attaches a fresh identity for code outside jobs. Lock, Join,
// YieldRule and BeginRule all read it from there.
//
// Cancellation of running jobs is cooperative: the run context is canceled
// and the Monitor reports IsCanceled, nothing is ever interrupted.
package jobs
