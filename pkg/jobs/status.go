package jobs

import (
	"context"
	"errors"
	"strings"
)

// Severity orders outcomes from best to worst. Cancel is distinct from Error.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCancel
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Status is the result of one job run, or the aggregate of a group.
type Status struct {
	Severity Severity
	Message  string
	Err      error
	Children []*Status
}

var (
	OKStatus       = &Status{Severity: SeverityOK, Message: "ok"}
	CanceledStatus = &Status{Severity: SeverityCancel, Message: "canceled", Err: ErrCanceled}
)

// IsOK reports whether s is non-nil with OK severity.
func (s *Status) IsOK() bool { return s != nil && s.Severity == SeverityOK }

// Matches reports whether s has one of the given severities.
func (s *Status) Matches(sev ...Severity) bool {
	if s == nil {
		return false
	}
	for _, v := range sev {
		if s.Severity == v {
			return true
		}
	}
	return false
}

func (s *Status) String() string {
	if s == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(s.Severity.String())
	if s.Message != "" {
		b.WriteString(": ")
		b.WriteString(s.Message)
	}
	return b.String()
}

// StatusOf maps a work function's return value to a Status.
//
//	nil                                → OK
//	context.Canceled / ErrCanceled      → Cancel
//	Warning(err) / Info(err)            → Warning / Info
//	anything else                       → Error
func StatusOf(err error) *Status {
	if err == nil {
		return OKStatus
	}
	var se severityError
	switch {
	case errors.As(err, &se):
		return &Status{Severity: se.sev, Message: se.err.Error(), Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCanceled):
		return &Status{Severity: SeverityCancel, Message: err.Error(), Err: err}
	default:
		return &Status{Severity: SeverityError, Message: err.Error(), Err: err}
	}
}
