package jobs

import (
	"fmt"
	"strings"
)

// State is a job's position in the scheduler. The values are bit flags so
// callers can test against a mask.
type State int

const (
	None     State = 0
	Sleeping State = 0x01
	Waiting  State = 0x02
	Running  State = 0x04
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Sleeping:
		return "sleeping"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Priority orders waiting jobs; lower values run first.
type Priority int

const (
	Interactive Priority = 10
	Short       Priority = 20
	Long        Priority = 30
	Build       Priority = 40
	Decorate    Priority = 50
)

func (p Priority) String() string {
	switch p {
	case Interactive:
		return "interactive"
	case Short:
		return "short"
	case Long:
		return "long"
	case Build:
		return "build"
	case Decorate:
		return "decorate"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	switch p {
	case Interactive, Short, Long, Build, Decorate:
		return true
	}
	return false
}

// ParsePriority accepts the names printed by Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "interactive":
		return Interactive, nil
	case "short":
		return Short, nil
	case "", "long":
		return Long, nil
	case "build":
		return Build, nil
	case "decorate":
		return Decorate, nil
	}
	return 0, fmt.Errorf("jobs: unknown priority %q", s)
}
