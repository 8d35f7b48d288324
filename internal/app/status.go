package app

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/trigger"
	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
)

// Status is a point-in-time view of the daemon.
type Status struct {
	Jobs       jobs.Snapshot       `json:"jobs"`
	Triggers   []trigger.Info      `json:"triggers"`
	Recent     []storage.RunRecord `json:"recent"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
	Bound      map[string]string   `json:"bound"` // job name -> state
}

func (a *App) Status() Status {
	st := Status{
		Jobs:     a.jobs.Snapshot(),
		Triggers: a.trig.Snapshot(),
		Recent:   a.hist.Recent(10),
		Bound:    map[string]string{},
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	a.mu.Lock()
	for name, b := range a.bound {
		st.Bound[name] = b.job.State().String()
	}
	a.mu.Unlock()
	return st
}

// LogStatus writes Status to the log at info level.
func (a *App) LogStatus() {
	st := a.Status()
	a.log.Info("status",
		logx.Int("running", st.Jobs.Running),
		logx.Int("waiting", st.Jobs.Waiting),
		logx.Int("sleeping", st.Jobs.Sleeping),
		logx.Uint64("completed", st.Jobs.Completed),
		logx.Uint64("failed", st.Jobs.Failed),
		logx.Any("jobs", st.Bound),
		logx.Any("triggers", st.Triggers),
		logx.Any("recent", recentLines(st.Recent)),
	)
}

// recentLines renders runs as "backup error 3 minutes ago (took 1.2s)".
func recentLines(runs []storage.RunRecord) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, fmt.Sprintf("%s %s %s (took %s)", r.Name, r.Severity, humanize.Time(r.At), r.Duration.Round(time.Millisecond)))
	}
	return out
}
