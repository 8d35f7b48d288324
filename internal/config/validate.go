package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"jobsched/internal/notify"
	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemdmanager"
)

// Validate checks everything that can be checked without the runtime.
// Trigger specs are checked by the trigger service.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := strings.TrimSpace(cfg.Logging.Alert.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.alert.min_level: unknown level %q", lvl))
	}
	if cfg.Logging.Alert.RatePerSec < 0 {
		add(errors.New("logging.alert.rate_per_sec must be >= 0"))
	}

	s := cfg.Scheduler
	if s.MaxWorkers < 0 {
		add(errors.New("scheduler.max_workers must be >= 0"))
	}
	if s.MinWorkers < 0 {
		add(errors.New("scheduler.min_workers must be >= 0"))
	}
	if s.MaxWorkers > 0 && s.MinWorkers > s.MaxWorkers {
		add(errors.New("scheduler.min_workers must be <= scheduler.max_workers"))
	}
	for _, f := range []struct{ path, raw string }{
		{"scheduler.idle_timeout", s.IdleTimeout},
		{"scheduler.autoscale_every", s.AutoscaleEvery},
		{"scheduler.shutdown_timeout", s.ShutdownTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
	if raw := strings.TrimSpace(s.StartupSpread); raw != "" {
		if _, err := time.ParseDuration(raw); err != nil {
			add(fmt.Errorf("scheduler.startup_spread: invalid duration %q: %w", raw, err))
		}
	}
	if s.BreakerTrip < 0 {
		add(errors.New("scheduler.breaker_trip must be >= 0"))
	}
	for _, f := range []struct{ name, v string }{
		{"scheduler.breaker_base", s.BreakerBase},
		{"scheduler.breaker_max", s.BreakerMax},
		{"scheduler.breaker_reset", s.BreakerReset},
	} {
		_, err := ParseDurationField(f.name, f.v)
		add(err)
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3", "bolt":
			if strings.TrimSpace(st.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=%s", st.Driver))
			}
		case "mongo", "mongodb":
			if strings.TrimSpace(st.URI) == "" {
				add(fmt.Errorf("storage.uri is required when storage.driver=%s", st.Driver))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
		if st.MaxRows < 0 {
			add(errors.New("storage.max_rows must be >= 0"))
		}
	}
	if cfg.History.Size < 0 {
		add(errors.New("history.size must be >= 0"))
	}

	ad := cfg.Admin
	if addr := strings.TrimSpace(ad.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("admin.addr: %w", err))
		}
	}
	for _, f := range []struct{ name, v string }{
		{"admin.read_timeout", ad.ReadTimeout},
		{"admin.write_timeout", ad.WriteTimeout},
		{"admin.idle_timeout", ad.IdleTimeout},
	} {
		_, err := ParseDurationField(f.name, f.v)
		add(err)
	}
	if ad.MutexProfileFraction < 0 || ad.BlockProfileRate < 0 {
		add(errors.New("admin profile rates must be >= 0"))
	}

	nt := cfg.Notify
	if nt.Enabled {
		u, err := url.Parse(strings.TrimSpace(nt.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("notify.url: must be an http(s) URL, got %q", nt.URL))
		}
	}
	if !notify.ValidSeverity(nt.MinSeverity) {
		add(fmt.Errorf("notify.min_severity: must be warning or error, got %q", nt.MinSeverity))
	}
	for _, f := range []struct{ name, v string }{
		{"notify.timeout", nt.Timeout},
		{"notify.retry_base", nt.RetryBase},
		{"notify.retry_max_delay", nt.RetryMaxDelay},
		{"notify.dedup_window", nt.DedupWindow},
	} {
		_, err := ParseDurationField(f.name, f.v)
		add(err)
	}
	if nt.Workers < 0 || nt.QueueSize < 0 || nt.RatePerSec < 0 || nt.RetryMax < 0 || nt.DedupMaxEntries < 0 {
		add(errors.New("notify sizes and rates must be >= 0"))
	}

	groups := map[string]bool{}
	for i, g := range cfg.Groups {
		name := strings.TrimSpace(g.Name)
		switch {
		case name == "":
			add(fmt.Errorf("groups[%d]: name required", i))
		case groups[name]:
			add(fmt.Errorf("groups[%d]: duplicate group %q", i, name))
		}
		groups[name] = true
		if g.MaxThreads < 0 {
			add(fmt.Errorf("group %s: max_threads must be >= 0", name))
		}
	}

	names := map[string]bool{}
	for i, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("jobs[%d]: name required", i))
			continue
		}
		if names[name] {
			add(fmt.Errorf("jobs[%d]: duplicate job %q", i, name))
		}
		names[name] = true
		add(validateJob(j, groups))
	}
	return errors.Join(errs...)
}

func validateJob(j JobConfig, groups map[string]bool) error {
	prefix := "job " + strings.TrimSpace(j.Name)
	kinds := 0
	for _, set := range []bool{len(j.Argv) > 0, strings.TrimSpace(j.Shell) != "", strings.TrimSpace(j.Unit) != ""} {
		if set {
			kinds++
		}
	}
	switch {
	case kinds == 0:
		return fmt.Errorf("%s: argv, shell or unit required", prefix)
	case kinds > 1:
		return fmt.Errorf("%s: argv, shell and unit are mutually exclusive", prefix)
	}
	if _, err := systemdmanager.ParseAction(j.UnitAction); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if _, err := jobs.ParsePriority(j.Priority); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	if g := strings.TrimSpace(j.Group); g != "" && !groups[g] {
		return fmt.Errorf("%s: unknown group %q", prefix, g)
	}
	if _, err := ParseDurationField(prefix+".timeout", j.Timeout); err != nil {
		return err
	}
	if _, err := ParseDurationField(prefix+".delay", j.Delay); err != nil {
		return err
	}
	if j.TailBytes < 0 {
		return fmt.Errorf("%s: tail_bytes must be >= 0", prefix)
	}
	return nil
}
