package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging (never job env values) and (3) the names
// of jobs that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	workersChanged := o.MaxWorkers != n.MaxWorkers || o.MinWorkers != n.MinWorkers ||
		trimNE(o.IdleTimeout, n.IdleTimeout) || o.Adaptive != n.Adaptive ||
		trimNE(o.AutoscaleEvery, n.AutoscaleEvery)
	triggersChanged := trimNE(o.Timezone, n.Timezone) || trimNE(o.StartupSpread, n.StartupSpread) ||
		o.BreakerTrip != n.BreakerTrip || trimNE(o.BreakerBase, n.BreakerBase) ||
		trimNE(o.BreakerMax, n.BreakerMax) || trimNE(o.BreakerReset, n.BreakerReset)
	if workersChanged || triggersChanged || trimNE(o.ShutdownTimeout, n.ShutdownTimeout) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_workers", n.MaxWorkers),
			logx.Bool("scheduler.adaptive", n.Adaptive),
			logx.String("scheduler.timezone", strings.TrimSpace(n.Timezone)),
			logx.Bool("scheduler.restart_required", workersChanged),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Int("storage.max_rows", nS.MaxRows),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs, logx.Int("history.size", newCfg.History.Size))
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.auth", newCfg.Admin.Token != "" || newCfg.Admin.JWTSecret != ""),
			logx.Bool("admin.pprof", newCfg.Admin.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.String("notify.min_severity", newCfg.Notify.MinSeverity),
			logx.Bool("notify.log_alerts", newCfg.Notify.LogAlerts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Groups, newCfg.Groups) {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.Int("groups.count", len(newCfg.Groups)))
	}

	jobsChanged := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobsChanged) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.changed_count", len(jobsChanged)),
			logx.Int("jobs.enabled_count", countEnabled(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobsChanged
}

func trimNE(a, b string) bool { return strings.TrimSpace(a) != strings.TrimSpace(b) }

func countEnabled(js []JobConfig) int {
	n := 0
	for _, j := range js {
		if j.IsEnabled() {
			n++
		}
	}
	return n
}

func diffJobs(oldJ, newJ []JobConfig) []string {
	hashes := func(js []JobConfig) map[string]uint64 {
		m := make(map[string]uint64, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = hashJSON(j)
		}
		return m
	}
	oldM, newM := hashes(oldJ), hashes(newJ)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || o != n {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
