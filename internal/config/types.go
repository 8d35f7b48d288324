package config

import "strings"

// Config is the jobsd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	History   HistoryConfig   `json:"history,omitempty"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Groups    []GroupConfig   `json:"groups,omitempty"`
	Jobs      []JobConfig     `json:"jobs"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert condenses warn/error lines into "log.alert" bus events.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the job manager and the trigger service.
//
// Defaults (when fields are omitted/zero):
//   - max_workers: number of CPUs
//   - idle_timeout: "30s"
//   - autoscale_every: "2s"
//   - shutdown_timeout: "10s"
//   - startup_spread: "30s" (use a negative duration to disable)
//
// Worker and autoscale settings only take effect on restart; timezone changes
// apply live.
type SchedulerConfig struct {
	MaxWorkers      int    `json:"max_workers,omitempty"`
	MinWorkers      int    `json:"min_workers,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	Adaptive        bool   `json:"adaptive,omitempty"`
	AutoscaleEvery  string `json:"autoscale_every,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// Trigger timezone.
	Timezone      string `json:"timezone,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`

	// Breaker pauses a job's trigger after breaker_trip consecutive failed
	// runs (0 disables). Pauses start at breaker_base ("30s"), double per
	// further failure up to breaker_max ("30m") and reset after breaker_reset
	// ("1h") without failures.
	BreakerTrip  int    `json:"breaker_trip,omitempty"`
	BreakerBase  string `json:"breaker_base,omitempty"`
	BreakerMax   string `json:"breaker_max,omitempty"`
	BreakerReset string `json:"breaker_reset,omitempty"`
}

// StorageConfig controls the optional run history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobsd.db", "max_rows": 10000 }
//	"storage": { "driver": "mongo", "uri": "mongodb://db:27017", "database": "ops" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file, sqlite, bolt, mongo or none
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxRows     int    `json:"max_rows,omitempty"`

	URI        string `json:"uri,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// AdminConfig controls the admin HTTP API (status, run history, manual
// run/cancel and optional pprof). Changes apply live.
//
// A non-loopback addr needs token, jwt_secret or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:8765
	Token         string `json:"token,omitempty"`
	JWTSecret     string `json:"jwt_secret,omitempty"` // enables tokens from "jobsd -mint-token"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// NotifyConfig forwards failed runs (and optionally log alerts) to a webhook.
//
// Defaults: min_severity "error", workers 1, queue_size 256, rate_per_sec 1,
// retry_base "500ms", retry_max_delay "30s", timeout "10s".
type NotifyConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	MinSeverity string            `json:"min_severity,omitempty"`
	LogAlerts   bool              `json:"log_alerts,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type HistoryConfig struct {
	// Size of the in-memory tail of finished runs. Default 200.
	Size int `json:"size,omitempty"`
}

// GroupConfig declares a job group shared by the jobs naming it.
type GroupConfig struct {
	Name            string `json:"name"`
	MaxThreads      int    `json:"max_threads,omitempty"`
	CancelOnFailure bool   `json:"cancel_on_failure,omitempty"`
}

// JobConfig declares one command job.
type JobConfig struct {
	Name string `json:"name"`

	// Argv runs directly; Shell runs under "sh -c"; Unit acts on a systemd
	// unit with UnitAction (default restart). Exactly one is required.
	Argv       []string `json:"argv,omitempty"`
	Shell      string   `json:"shell,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	UnitAction string   `json:"unit_action,omitempty"`
	Dir        string   `json:"dir,omitempty"`
	Env        []string `json:"env,omitempty"`

	Timeout string `json:"timeout,omitempty"`

	// Paths and Locks build the job's scheduling rule.
	Paths []string `json:"paths,omitempty"`
	Locks []string `json:"locks,omitempty"`

	Priority string   `json:"priority,omitempty"`
	Group    string   `json:"group,omitempty"`
	Families []string `json:"families,omitempty"`

	// Schedule is a trigger spec: cron ("*/5 * * * *", "cron:..."),
	// interval ("every:10m", "@every 1h", "90s") or daily "HH:MM".
	Schedule string `json:"schedule,omitempty"`
	// Overlap is "coalesce" (default) or "skip".
	Overlap    string `json:"overlap,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
	// Delay applies to run_on_start.
	Delay string `json:"delay,omitempty"`

	// Enabled is a pointer so an omitted key means enabled.
	Enabled *bool `json:"enabled,omitempty"`

	WarnExitCodes []int `json:"warn_exit_codes,omitempty"`
	TailBytes     int   `json:"tail_bytes,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// Job returns the job called name, if any.
func (c *Config) Job(name string) (JobConfig, bool) {
	if c == nil {
		return JobConfig{}, false
	}
	name = strings.TrimSpace(name)
	for _, j := range c.Jobs {
		if strings.TrimSpace(j.Name) == name {
			return j, true
		}
	}
	return JobConfig{}, false
}
