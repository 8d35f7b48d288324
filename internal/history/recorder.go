// Package history records finished job runs from the event bus into storage
// and keeps a bounded in-memory tail for diagnostics.
package history

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
)

const (
	defaultSize   = 200
	writeTimeout  = 2 * time.Second
	subscribeBuf  = 256
	slowThreshold = 750 * time.Millisecond
)

type Config struct {
	// Size bounds the in-memory tail. Default 200.
	Size int
}

// Recorder turns "job.done" bus events into RunRecords. Store may be nil, in
// which case only the in-memory tail is kept.
type Recorder struct {
	store   storage.Store
	log     logx.Logger
	size    int
	metrics *metrics.Metrics

	warn  *rate.Limiter
	ch    <-chan eventbus.Event
	unsub func()

	mu     sync.Mutex
	recent []storage.RunRecord

	written atomic.Uint64
	failed  atomic.Uint64
}

func New(cfg Config, bus eventbus.Bus, store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	r := &Recorder{
		store: store,
		log:   log.With(logx.String("comp", "history")),
		size:  cfg.Size,
		warn:  rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	// Subscribe now so no run finishing before Run starts is missed.
	r.ch, r.unsub = bus.Subscribe(subscribeBuf, "job.done")
	return r
}

// SetMetrics makes Record emit per-run counters and duration samples. Call
// before Run.
func (r *Recorder) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// Run consumes bus events until ctx is done. It must be called at most once.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-r.ch:
			if !ok {
				return nil
			}
			ev, ok := e.Data.(jobs.JobEvent)
			if !ok {
				continue
			}
			r.Record(ctx, FromEvent(ev))
		}
	}
}

// FromEvent maps a job event to a run record.
func FromEvent(ev jobs.JobEvent) storage.RunRecord {
	return storage.RunRecord{
		JobID:       ev.ID,
		Name:        ev.Name,
		Group:       ev.Group,
		Priority:    ev.Priority,
		Severity:    ev.Severity,
		Message:     ev.Message,
		Duration:    ev.Duration,
		Rescheduled: ev.Rescheduled,
		At:          ev.Time,
	}
}

// Record appends rec to the tail and the store.
func (r *Recorder) Record(ctx context.Context, rec storage.RunRecord) {
	r.mu.Lock()
	r.recent = append(r.recent, rec)
	if len(r.recent) > r.size {
		r.recent = r.recent[len(r.recent)-r.size:]
	}
	r.mu.Unlock()

	if m := r.metrics; m != nil {
		labels := []metrics.Label{{Name: "job", Value: rec.Name}, {Name: "severity", Value: rec.Severity}}
		m.IncrCounterWithLabels([]string{"runs"}, 1, labels)
		m.AddSampleWithLabels([]string{"run", "duration_ms"}, float32(rec.Duration.Milliseconds()), labels[:1])
	}

	fields := []logx.Field{
		logx.String("job", rec.Name),
		logx.String("severity", rec.Severity),
		logx.Duration("dur", rec.Duration),
	}
	switch {
	case rec.Severity == "error":
		r.log.Warn("job.failed", append(fields, logx.String("err", rec.Message))...)
	case rec.Duration >= slowThreshold:
		r.log.Info("job.completed", fields...)
	default:
		r.log.Debug("job.completed", fields...)
	}

	if r.store == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.store.AppendRun(wctx, rec); err != nil {
		r.failed.Add(1)
		if r.warn.Allow() {
			r.log.Warn("run history write failed", logx.Err(err), logx.Uint64("failed_total", r.failed.Load()))
		}
		return
	}
	r.written.Add(1)
}

// Recent returns up to n of the newest records, newest first. n <= 0 returns
// the whole tail.
func (r *Recorder) Recent(n int) []storage.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.recent)
	slices.Reverse(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats reports store writes that succeeded and failed.
func (r *Recorder) Stats() (written, failed uint64) {
	return r.written.Load(), r.failed.Load()
}
