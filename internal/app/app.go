// Package app wires the jobsd daemon: config, logging, run history, the job
// manager, command jobs and triggers.
package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"jobsched/internal/admin"
	"jobsched/internal/command"
	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/history"
	"jobsched/internal/notify"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/trigger"
	"jobsched/pkg/jobs"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemdmanager"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	units *systemdmanager.Manager

	jobs *jobs.Manager
	hist *history.Recorder
	cmds *command.Factory
	trig *trigger.Service
	adm  *admin.Service
	ntf  *notify.Service

	metrics *metrics.Metrics
	sink    *metrics.InmemSink

	shutdownTimeout time.Duration

	mu    sync.Mutex
	bound map[string]*binding
	prev  map[string]config.JobConfig
}

// newConfigManager validates schedules with the same parser the trigger
// service uses.
func newConfigManager(cfgPath string) *config.Manager {
	cfgm := config.NewManager(cfgPath)
	checker := trigger.New(trigger.Config{}, logx.Nop())
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return checkTriggers(checker, cfg)
	})
	return cfgm
}

// Check loads and fully validates the config at cfgPath without starting
// anything.
func Check(ctx context.Context, cfgPath string) (*config.Config, error) {
	return newConfigManager(cfgPath).Load(ctx)
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := newConfigManager(cfgPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLogConfig(cfg), func(level, line string) {
		bus.Publish(eventbus.Event{Type: "log.alert", Time: time.Now(), Data: notify.Alert{Level: level, Line: line}})
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(mapStorageConfig(cfg), log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		log.Info("run history storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	met, sink, err := newMetrics()
	if err != nil {
		_ = logSvc.Close()
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	mgr := jobs.New(mapManagerConfig(cfg), log, bus)
	units := systemdmanager.New()
	cmds := command.NewFactory(mgr, log)
	cmds.SetUnits(units)

	a := &App{
		cfgm:            cfgm,
		log:             log.With(logx.String("comp", "app")),
		logs:            logSvc,
		bus:             bus,
		store:           store,
		units:           units,
		jobs:            mgr,
		hist:            history.New(mapHistoryConfig(cfg), bus, store, log),
		cmds:            cmds,
		trig:            trigger.New(mapTriggerConfig(cfg), log),
		ntf:             notify.New(mapNotifyConfig(cfg), webhookSender(cfg), bus, log),
		shutdownTimeout: shutdownTimeout(cfg),
		metrics:         met,
		sink:            sink,
		bound:           map[string]*binding{},
	}
	a.hist.SetMetrics(met)
	a.adm = admin.New(mapAdminConfig(cfg), adminBackend{a}, log)
	return a, nil
}

func (a *App) Jobs() *jobs.Manager        { return a.jobs }
func (a *App) History() *history.Recorder { return a.hist }
func (a *App) Triggers() *trigger.Service { return a.trig }
func (a *App) Store() storage.Store       { return a.store }
func (a *App) Config() *config.Config     { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger        { return a.log }
func (a *App) Events() eventbus.Bus       { return a.bus }
func (a *App) Admin() *admin.Service      { return a.adm }
func (a *App) Notifier() *notify.Service  { return a.ntf }

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	if err := a.jobs.Start(c); err != nil {
		return err
	}
	a.sup.Go("history", a.hist.Run)
	a.sup.Go("metrics.gauges", a.runGauges)

	a.syncJobs(a.cfgm.Get(), true)
	a.trig.Start(c)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e := <-events:
				// Keep this debug-level to avoid noise for frequent triggers.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if ev, ok := e.Data.(jobs.JobEvent); ok && e.Type == "job.done" {
					a.trig.Observe(ev.Name, ev.Severity == jobs.SeverityError.String())
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.ntf.Start(c)
	a.adm.Reconfigure(c, mapAdminConfig(a.cfgm.Get()))

	if every := watchdogInterval(); every > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return runWatchdog(c, every, a.log)
		})
	}

	a.log.Info("jobsd started", logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) reloadLoop(c context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, changedJobs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "scheduler":
			a.trig.Apply(mapTriggerConfig(newCfg))
			if mapManagerConfig(oldCfg) != mapManagerConfig(newCfg) {
				a.log.Warn("scheduler worker settings changed; restart required for changes to take effect")
			}
			a.mu.Lock()
			a.shutdownTimeout = shutdownTimeout(newCfg)
			a.mu.Unlock()
		case "admin":
			a.adm.Reconfigure(a.sup.Context(), mapAdminConfig(newCfg))
		case "notify":
			// Workers and queue size are fixed per run; restart the pipeline.
			stopCtx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
			a.ntf.Stop(stopCtx)
			cancel()
			a.ntf.Apply(mapNotifyConfig(newCfg))
			a.ntf.SetSender(webhookSender(newCfg))
			a.ntf.Start(a.sup.Context())
		case "storage", "history":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if len(changedJobs) > 0 || slices.Contains(sections, "groups") {
		a.log.Debug("job config changes detected", logx.Any("jobs", changedJobs))
		a.syncJobs(newCfg, false)
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "admin", 3*time.Second, func(c context.Context) error { a.adm.Stop(c); return nil })
	// Triggers next so nothing new is scheduled while jobs drain.
	a.step(ctx, "triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })

	a.mu.Lock()
	drain := a.shutdownTimeout
	a.mu.Unlock()
	a.step(ctx, "jobs", drain, a.jobs.Shutdown)
	// After jobs so the last failures still go out.
	a.step(ctx, "notify", 3*time.Second, func(c context.Context) error { a.ntf.Stop(c); return nil })

	// Cancel the app context so background loops unwind, then wait for them.
	a.sup.Cancel()
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "units", time.Second, func(context.Context) error { return a.units.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	written, failed := a.hist.Stats()
	a.log.Info("stopped", logx.Uint64("runs_recorded", written), logx.Uint64("runs_failed_to_record", failed))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}
		}()
	}
}
