package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "jobs"))
	log.Warn("job failed", Int("attempt", 2), Err(errors.New("boom")), Duration("took", time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "job failed", m["message"])
	assert.Equal(t, "jobs", m["comp"])
	assert.Equal(t, float64(2), m["attempt"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestFormatAlert(t *testing.T) {
	line := formatAlert([]byte(`{"level":"error","message":"job panicked","job":"sync","time":"x","stack":"..."}`))
	assert.Equal(t, "[ERROR] job panicked job=sync", line)

	raw := formatAlert([]byte("  not json \n"))
	assert.Equal(t, "not json", raw)
}

func TestValidLevel(t *testing.T) {
	for _, s := range []string{"trace", "DEBUG", "info", "warning", "error"} {
		assert.True(t, ValidLevel(s), s)
	}
	assert.False(t, ValidLevel("loud"))
}

func TestServiceAlertSink(t *testing.T) {
	got := make(chan string, 4)
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1},
	}, func(level, line string) { got <- level + " " + line })
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("below threshold")
	log.Error("disk full", String("path", "/var"))

	select {
	case s := <-got:
		assert.Equal(t, "error [ERROR] disk full path=/var", trimCaller(s))
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}

	// Burst of 1 per second: the second error in a row is dropped.
	log.Error("again")
	require.Eventually(t, func() bool { return svc.Dropped() >= 1 }, time.Second, 10*time.Millisecond)
}

// trimCaller drops the caller=file:line pair so the assertion is stable.
func trimCaller(s string) string {
	i := bytes.Index([]byte(s), []byte(" caller="))
	if i < 0 {
		return s
	}
	rest := s[i+1:]
	j := bytes.IndexByte([]byte(rest), ' ')
	if j < 0 {
		return s[:i]
	}
	return s[:i] + rest[j:]
}
