package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	metricsInterval = 10 * time.Second
	metricsRetain   = time.Minute
)

// newMetrics returns an in-memory go-metrics instance. The sink is served by
// the admin API under /metrics.
func newMetrics() (*metrics.Metrics, *metrics.InmemSink, error) {
	sink := metrics.NewInmemSink(metricsInterval, metricsRetain)
	conf := metrics.DefaultConfig("jobsd")
	conf.EnableHostname = false
	m, err := metrics.New(conf, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: %w", err)
	}
	return m, sink, nil
}

// runGauges samples the job manager into gauges until ctx is done.
func (a *App) runGauges(ctx context.Context) error {
	t := time.NewTicker(metricsInterval / 2)
	defer t.Stop()
	for {
		snap := a.jobs.Snapshot()
		a.metrics.SetGauge([]string{"jobs", "running"}, float32(snap.Running))
		a.metrics.SetGauge([]string{"jobs", "waiting"}, float32(snap.Waiting))
		a.metrics.SetGauge([]string{"jobs", "sleeping"}, float32(snap.Sleeping))
		a.metrics.SetGauge([]string{"jobs", "workers"}, float32(snap.Workers))
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
