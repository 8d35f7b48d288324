// Package trigger schedules jobs on recurring triggers.
//
// A trigger only calls Schedule on its target. Everything about execution
// (rules, priorities, coalescing with a run already in flight) is the job
// manager's business.
package trigger
