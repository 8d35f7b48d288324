package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrShutdown         = errors.New("jobs: manager shut down")
	ErrSelfJoin         = errors.New("jobs: job cannot join itself")
	ErrGroupDeadlock    = errors.New("jobs: join would deadlock on group thread limit")
	ErrRuleDeadlock     = errors.New("jobs: join would deadlock on a held scheduling rule")
	ErrJoinCanceled     = errors.New("jobs: join canceled")
	ErrJobActive        = errors.New("jobs: job is scheduled or running")
	ErrGroupAssigned    = errors.New("jobs: group can only be set before the first schedule")
	ErrForeignJob       = errors.New("jobs: job belongs to another manager")
	ErrNotRunning       = errors.New("jobs: not called from a running job")
	ErrRuleNotContained = errors.New("jobs: nested rule not contained in the held rule")
	ErrRuleNotHeld      = errors.New("jobs: no rule held by this owner")
	ErrNoOwner          = errors.New("jobs: context carries no owner")
	ErrNotOwner         = errors.New("jobs: lock not held by this owner")
	ErrDeadlock         = errors.New("jobs: lock acquisition would deadlock")
	ErrPanic            = errors.New("jobs: job panicked")

	// ErrCanceled may be returned by a work function to finish with a
	// Cancel-severity result.
	ErrCanceled = errors.New("jobs: canceled")

	// ErrAsyncFinish returned from a work function keeps the job RUNNING
	// until Job.Done is called.
	ErrAsyncFinish = errors.New("jobs: job finishes asynchronously")
)

// Warning marks a job failure as warning severity instead of error.
//
// Example:
//
//	return jobs.Warning(fmt.Errorf("cache stale: %w", err))
func Warning(err error) error {
	if err == nil {
		return nil
	}
	return severityError{err: err, sev: SeverityWarning}
}

// Info marks a job outcome as informational. The job still carries err in its
// result, but it does not count as a failure.
func Info(err error) error {
	if err == nil {
		return nil
	}
	return severityError{err: err, sev: SeverityInfo}
}

type severityError struct {
	err error
	sev Severity
}

func (e severityError) Error() string { return fmt.Sprintf("%s: %v", e.sev, e.err) }
func (e severityError) Unwrap() error { return e.err }
