// Package systemdmanager starts, stops and restarts systemd units over D-Bus
// and waits for the resulting systemd job to finish.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
)

// Action is a unit operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionReload  Action = "reload"
)

var ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")

// ParseAction accepts start, stop, restart (default) and reload.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return ActionRestart, nil
	case ActionStart, ActionStop, ActionRestart, ActionReload:
		return a, nil
	}
	return "", fmt.Errorf("unknown unit action %q", s)
}

// UnitName appends ".service" when name has no unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suf := range []string{".service", ".timer", ".target", ".socket", ".mount", ".path", ".slice", ".scope"} {
		if strings.HasSuffix(name, suf) {
			return name
		}
	}
	return name + ".service"
}

// JobError is a systemd job that finished with a result other than "done".
type JobError struct {
	Unit   string
	Action Action
	Result string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s: job %s", e.Action, e.Unit, e.Result)
}

func formatOperationMessage(action Action, unit string, err error) string {
	if err == nil {
		return fmt.Sprintf("%s %s: ok", action, unit)
	}
	return fmt.Sprintf("%s %s: %v", action, unit, err)
}
