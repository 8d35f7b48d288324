package app

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"jobsched/internal/admin"
	"jobsched/internal/command"
	"jobsched/internal/config"
	"jobsched/internal/history"
	"jobsched/internal/notify"
	"jobsched/internal/storage"
	"jobsched/internal/trigger"
	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultBusyTimeout     = time.Second
	defaultConnectTimeout  = 5 * time.Second
)

// The config is validated before it reaches these mappers, so duration parse
// errors are ignored here.

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

func mapManagerConfig(cfg *config.Config) jobs.Config {
	s := cfg.Scheduler
	idle, _ := config.ParseDurationField("scheduler.idle_timeout", s.IdleTimeout)
	every, _ := config.ParseDurationField("scheduler.autoscale_every", s.AutoscaleEvery)
	return jobs.Config{
		MaxWorkers:     s.MaxWorkers,
		MinWorkers:     s.MinWorkers,
		IdleTimeout:    idle,
		Adaptive:       s.Adaptive,
		AutoscaleEvery: every,
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	s := cfg.Scheduler
	spread, _ := time.ParseDuration(strings.TrimSpace(s.StartupSpread))
	base, _ := config.ParseDurationField("scheduler.breaker_base", s.BreakerBase)
	maxDelay, _ := config.ParseDurationField("scheduler.breaker_max", s.BreakerMax)
	reset, _ := config.ParseDurationField("scheduler.breaker_reset", s.BreakerReset)
	return trigger.Config{
		Timezone:      s.Timezone,
		StartupSpread: spread,
		Breaker: trigger.BreakerConfig{
			TripFailures: s.BreakerTrip,
			BaseDelay:    base,
			MaxDelay:     maxDelay,
			ResetAfter:   reset,
		},
	}
}

func mapHistoryConfig(cfg *config.Config) history.Config {
	return history.Config{Size: cfg.History.Size}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	def := defaultBusyTimeout
	if driver == "mongo" || driver == "mongodb" {
		def = defaultConnectTimeout
	}
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, def)
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		MaxRows:     sc.MaxRows,
		URI:         strings.TrimSpace(sc.URI),
		Database:    strings.TrimSpace(sc.Database),
		Collection:  strings.TrimSpace(sc.Collection),
	}
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	a := cfg.Admin
	read, _ := config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second)
	write, _ := config.ParseDurationOrDefault("admin.write_timeout", a.WriteTimeout, 60*time.Second)
	idle, _ := config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second)
	return admin.Config{
		Enabled:              a.Enabled,
		Addr:                 strings.TrimSpace(a.Addr),
		Token:                a.Token,
		JWTSecret:            a.JWTSecret,
		AllowInsecure:        a.AllowInsecure,
		Pprof:                a.Pprof,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		MutexProfileFraction: a.MutexProfileFraction,
		BlockProfileRate:     a.BlockProfileRate,
	}
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	n := cfg.Notify
	base, _ := config.ParseDurationField("notify.retry_base", n.RetryBase)
	maxDelay, _ := config.ParseDurationField("notify.retry_max_delay", n.RetryMaxDelay)
	window, _ := config.ParseDurationField("notify.dedup_window", n.DedupWindow)
	return notify.Config{
		Enabled:         n.Enabled,
		MinSeverity:     strings.ToLower(strings.TrimSpace(n.MinSeverity)),
		LogAlerts:       n.LogAlerts,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}
}

func webhookSender(cfg *config.Config) *notify.WebhookSender {
	timeout, _ := config.ParseDurationOrDefault("notify.timeout", cfg.Notify.Timeout, 10*time.Second)
	return &notify.WebhookSender{
		URL:     strings.TrimSpace(cfg.Notify.URL),
		Headers: cfg.Notify.Headers,
		Client:  &http.Client{Timeout: timeout},
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d, _ := config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, defaultShutdownTimeout)
	return d
}

func mapGroupSpec(g config.GroupConfig) command.GroupSpec {
	return command.GroupSpec{
		Name:            strings.TrimSpace(g.Name),
		MaxThreads:      g.MaxThreads,
		CancelOnFailure: g.CancelOnFailure,
	}
}

func mapJobSpec(j config.JobConfig) command.Spec {
	timeout, _ := config.ParseDurationField("timeout", j.Timeout)
	return command.Spec{
		Name:          strings.TrimSpace(j.Name),
		Argv:          j.Argv,
		Shell:         j.Shell,
		Unit:          j.Unit,
		UnitAction:    j.UnitAction,
		Dir:           j.Dir,
		Env:           j.Env,
		Timeout:       timeout,
		Paths:         j.Paths,
		Locks:         j.Locks,
		Priority:      j.Priority,
		Group:         strings.TrimSpace(j.Group),
		Families:      j.Families,
		WarnExitCodes: j.WarnExitCodes,
		TailBytes:     j.TailBytes,
	}
}

// checkTriggers validates what config.Validate leaves to the trigger service.
func checkTriggers(trig *trigger.Service, cfg *config.Config) error {
	for _, j := range cfg.Jobs {
		if _, err := trigger.ParseOverlap(j.Overlap); err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		if strings.TrimSpace(j.Schedule) == "" {
			continue
		}
		if err := trig.Validate(j.Schedule); err != nil {
			return fmt.Errorf("job %s: schedule: %w", j.Name, err)
		}
	}
	return nil
}
