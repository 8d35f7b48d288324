package app

import (
	"reflect"
	"strings"

	"jobsched/internal/config"
	"jobsched/internal/trigger"
	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
)

// binding is a configured job and the Job built from it.
type binding struct {
	cfg config.JobConfig
	job *jobs.Job
}

// syncJobs makes the bound jobs and triggers match cfg. Unchanged jobs keep
// their Job (and its queue position). A replaced job is canceled unless it is
// running, in which case its current run finishes and is not rescheduled.
func (a *App) syncJobs(cfg *config.Config, startup bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, g := range cfg.Groups {
		a.cmds.DefineGroup(mapGroupSpec(g))
	}

	desired := make(map[string]config.JobConfig, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		if jc.IsEnabled() {
			desired[strings.TrimSpace(jc.Name)] = jc
		}
	}

	var removed, added int
	for name, b := range a.bound {
		jc, keep := desired[name]
		if keep && reflect.DeepEqual(jc, b.cfg) && b.job.Group() == a.cmds.Group(strings.TrimSpace(jc.Group)) {
			continue
		}
		a.trig.Remove(name)
		if b.job.State() != jobs.Running {
			b.job.Cancel()
		} else {
			a.log.Info("job replaced while running; current run continues", logx.String("job", name))
		}
		delete(a.bound, name)
		removed++
	}

	for name, jc := range desired {
		if _, ok := a.bound[name]; ok {
			continue
		}
		j, err := a.cmds.Build(mapJobSpec(jc))
		if err != nil {
			a.log.Error("job build failed", logx.String("job", name), logx.Err(err))
			continue
		}
		_, existed := a.prev[name]
		a.bound[name] = &binding{cfg: jc, job: j}
		added++

		if spec := strings.TrimSpace(jc.Schedule); spec != "" {
			overlap, _ := trigger.ParseOverlap(jc.Overlap)
			if err := a.trig.Add(name, spec, j, overlap); err != nil {
				a.log.Error("trigger add failed", logx.String("job", name), logx.Err(err))
			}
		}
		if jc.RunOnStart && (startup || !existed) {
			delay, _ := config.ParseDurationField("delay", jc.Delay)
			if err := j.Schedule(delay); err != nil {
				a.log.Warn("run_on_start schedule failed", logx.String("job", name), logx.Err(err))
			}
		}
	}

	a.prev = desired
	a.log.Info("jobs synced",
		logx.Int("jobs", len(a.bound)),
		logx.Int("added", added),
		logx.Int("removed", removed),
		logx.Int("triggers", len(a.trig.Names())),
	)
}

// Job returns the bound job called name.
func (a *App) Job(name string) *jobs.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bound[name]; ok {
		return b.job
	}
	return nil
}
