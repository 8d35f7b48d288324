package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  max_workers: 4
  timezone: UTC
storage:
  driver: sqlite
  path: ./runs.db
  max_rows: 1000
groups:
  - name: backups
    max_threads: 1
jobs:
  - name: backup-db
    argv: [pg_dump, app]
    paths: [/srv/db]
    group: backups
    schedule: "0 3 * * *"
  - name: rotate
    shell: logrotate /etc/logrotate.conf
    priority: short
    schedule: every:1h
    enabled: false
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "jobsd.yaml", sampleYAML))
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, 4, cfg.Scheduler.MaxWorkers)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, []string{"pg_dump", "app"}, cfg.Jobs[0].Argv)
	assert.True(t, cfg.Jobs[0].IsEnabled())
	assert.False(t, cfg.Jobs[1].IsEnabled())

	j, ok := cfg.Job("rotate")
	require.True(t, ok)
	assert.Equal(t, "short", j.Priority)
	_, ok = cfg.Job("missing")
	assert.False(t, ok)
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := NewManager(writeFile(t, "a.json", `{"jobs":[],"telegram":{}}`)).Parse()
	assert.ErrorContains(t, err, "unknown field")

	_, err = NewManager(writeFile(t, "b.json", `{"jobs":[]}{"jobs":[]}`)).Parse()
	assert.ErrorContains(t, err, "trailing data")

	_, err = NewManager(writeFile(t, "c.yaml", "jobs:\n  - name: x\n    bogus: 1\n")).Parse()
	assert.ErrorContains(t, err, "unknown field")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Groups: []GroupConfig{{Name: "g"}},
			Jobs:   []JobConfig{{Name: "a", Shell: "true", Group: "g", Timeout: "1m"}},
		}
	}
	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"workers", func(c *Config) { c.Scheduler.MinWorkers, c.Scheduler.MaxWorkers = 4, 2 }, "min_workers"},
		{"duration", func(c *Config) { c.Scheduler.IdleTimeout = "soon" }, "scheduler.idle_timeout"},
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"storage driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "redis"} }, "unknown storage.driver"},
		{"storage path", func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"storage uri", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "storage.uri"},
		{"dup group", func(c *Config) { c.Groups = append(c.Groups, GroupConfig{Name: "g"}) }, "duplicate group"},
		{"dup job", func(c *Config) { c.Jobs = append(c.Jobs, JobConfig{Name: "a", Shell: "x"}) }, "duplicate job"},
		{"no command", func(c *Config) { c.Jobs[0].Shell = "" }, "argv, shell or unit required"},
		{"both commands", func(c *Config) { c.Jobs[0].Argv = []string{"ls"} }, "mutually exclusive"},
		{"unit action", func(c *Config) { c.Jobs[0].Shell, c.Jobs[0].Unit, c.Jobs[0].UnitAction = "", "nginx", "kill" }, "unknown unit action"},
		{"priority", func(c *Config) { c.Jobs[0].Priority = "urgent" }, "unknown priority"},
		{"unknown group", func(c *Config) { c.Jobs[0].Group = "h" }, "unknown group"},
		{"timeout", func(c *Config) { c.Jobs[0].Timeout = "-1s" }, "must be >= 0"},
		{"admin addr", func(c *Config) { c.Admin.Addr = "8765" }, "admin.addr"},
		{"admin timeout", func(c *Config) { c.Admin.ReadTimeout = "x" }, "admin.read_timeout"},
		{"notify url", func(c *Config) { c.Notify = NotifyConfig{Enabled: true, URL: "ftp://x"} }, "notify.url"},
		{"notify severity", func(c *Config) { c.Notify.MinSeverity = "info" }, "notify.min_severity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.ErrorContains(t, Validate(c), tt.want)
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Scheduler: SchedulerConfig{Timezone: "UTC"},
		Jobs: []JobConfig{
			{Name: "a", Shell: "true"},
			{Name: "b", Shell: "true"},
			{Name: "c", Shell: "true"},
		},
	}
	newCfg := &Config{
		Scheduler: SchedulerConfig{Timezone: "Asia/Jakarta"},
		Storage:   &StorageConfig{Driver: "file", Path: "./h"},
		Admin:     AdminConfig{Enabled: true},
		Jobs: []JobConfig{
			{Name: "a", Shell: "true"},
			{Name: "b", Shell: "false"},
			{Name: "d", Shell: "true"},
		},
	}
	sections, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"admin", "jobs", "scheduler", "storage"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"b", "c", "d"}, jobs)

	sections, _, jobs = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, sections)
	assert.Empty(t, jobs)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "jobsd.json", `{"jobs":[{"name":"a","shell":"true"}]}`)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// The watcher may not be registered yet; keep rewriting until a publish
	// arrives.
	write := func(body string) { _ = os.WriteFile(path, []byte(body), 0o600) }
	var got *Config
	require.Eventually(t, func() bool {
		write(`{"jobs":[{"name":"b","shell":"true"}]}`)
		select {
		case got = <-sub:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "b", got.Jobs[0].Name)
	assert.Same(t, got, m.Get())

	// Invalid content is rejected and the committed config is kept.
	write(`{"jobs":[{"name":"c"}]}`)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "b", m.Get().Jobs[0].Name)
	select {
	case c := <-sub:
		t.Fatalf("unexpected publish: %+v", c)
	default:
	}
}
