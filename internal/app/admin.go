package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"jobsched/internal/admin"
	"jobsched/internal/storage"
)

// adminBackend adapts App to admin.Backend.
type adminBackend struct{ a *App }

func (b adminBackend) Status() any { return b.a.Status() }

// Runs reads the store when one is configured, otherwise the in-memory tail.
func (b adminBackend) Runs(ctx context.Context, q storage.Query) ([]storage.RunRecord, error) {
	if b.a.store != nil {
		return b.a.store.ListRuns(ctx, q)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []storage.RunRecord
	for _, r := range b.a.hist.Recent(0) {
		if len(out) == limit {
			break
		}
		if (q.Name == "" || r.Name == q.Name) && (q.Severity == "" || r.Severity == q.Severity) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b adminBackend) RunJob(name string, delay time.Duration) error {
	j := b.a.Job(name)
	if j == nil {
		return admin.ErrUnknownJob
	}
	return j.Schedule(delay)
}

func (b adminBackend) CancelJob(name string) (bool, error) {
	j := b.a.Job(name)
	if j == nil {
		return false, admin.ErrUnknownJob
	}
	if !j.Cancel() {
		return false, errors.New("job is running; it cannot be canceled from outside")
	}
	return true, nil
}

func (b adminBackend) Metrics(w http.ResponseWriter, r *http.Request) (any, error) {
	return b.a.sink.DisplayMetrics(w, r)
}

func (b adminBackend) Suspend() { b.a.jobs.Suspend() }
func (b adminBackend) Resume()  { b.a.jobs.Resume() }
