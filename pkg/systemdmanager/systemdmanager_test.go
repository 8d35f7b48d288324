package systemdmanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Action{"": ActionRestart, "Start": ActionStart, " stop ": ActionStop, "reload": ActionReload} {
		got, err := ParseAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseAction("kill")
	assert.Error(t, err)
}

func TestUnitName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "nginx.service", UnitName(" nginx "))
	assert.Equal(t, "backup.timer", UnitName("backup.timer"))
	assert.Equal(t, "", UnitName(""))
}

func TestMessages(t *testing.T) {
	t.Parallel()
	err := &JobError{Unit: "a.service", Action: ActionStart, Result: "failed"}
	assert.Equal(t, "start a.service: job failed", err.Error())
	assert.Equal(t, "restart a.service: ok", formatOperationMessage(ActionRestart, "a.service", nil))
	assert.Equal(t, "stop a.service: boom", formatOperationMessage(ActionStop, "a.service", errors.New("boom")))
}
