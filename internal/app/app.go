// Package app wires modeshift's services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"modeshift/internal/config"
	"modeshift/internal/eventbus"
	"modeshift/internal/httpapi"
	"modeshift/internal/modes"
	"modeshift/internal/runtime/supervisor"
	"modeshift/internal/settings"
	"modeshift/internal/storage"
	"modeshift/internal/task/engine"
	"modeshift/internal/task/scheduler"
	"modeshift/internal/toggle"
	logx "modeshift/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	gw    settings.Gateway

	engine  *engine.Service
	sched   *scheduler.Service
	modes   *modes.Engine
	handler *modes.Handler
	toggle  *toggle.Service
	http    *httpapi.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }
	log := comp("app")
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	if sc.Driver == "memory" {
		log.Warn("storage is in-memory; modes and pending jobs are lost on restart")
	} else {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	setCfg, _ := mapSettingsConfig(cfg)
	gw, err := settings.Open(setCfg, store, comp("settings"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engCfg, _ := mapTaskEngineConfig(cfg)
	engSvc := engine.New(engCfg, comp("taskengine"), bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	schedSvc := scheduler.New(schedCfg, engSvc, store, comp("scheduler"), bus)
	loc := schedSvc.Location()

	modeEng := modes.NewEngine(store, schedSvc, comp("modes"), modes.WithLocation(loc), modes.WithBus(bus))
	mo, _ := mapModesConfig(cfg)
	handler := modes.NewHandler(modeEng, gw, comp("modes"), modes.WithNativeRecurrence(mo.Native))

	togCfg, _ := mapToggleConfig(cfg)
	togSvc := toggle.New(togCfg, store, gw, schedSvc, comp("toggle"), toggle.WithLocation(loc), toggle.WithBus(bus))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gw:      gw,
		engine:  engSvc,
		sched:   schedSvc,
		modes:   modeEng,
		handler: handler,
		toggle:  togSvc,
	}
	// Handlers must exist before the scheduler restores persisted jobs.
	if err := a.registerHandlers(mo); err != nil {
		_ = store.Close()
		return nil, err
	}

	httpCfg, _ := mapHTTPConfig(cfg)
	a.http = httpapi.New(httpCfg, httpapi.Deps{
		Modes:   modeEng,
		Toggle:  togSvc,
		Gateway: gw,
		Status:  schedSvc,
	}, comp("http"))
	return a, nil
}

func (a *App) registerHandlers(mo modesOptions) error {
	if err := a.sched.RegisterHandler(modes.JobKind, scheduler.Handler{Run: a.handler.Run, Timeout: mo.Timeout, Opt: mo.Opt}); err != nil {
		return err
	}
	return a.sched.RegisterHandler(toggle.JobKind, a.toggle.Handler())
}

func (a *App) Modes() *modes.Engine          { return a.modes }
func (a *App) Toggle() *toggle.Service       { return a.toggle }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Gateway() settings.Gateway     { return a.gw }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings services up in dependency order: the executor, the scheduler
// (which restores persisted jobs), mode reconciliation, the toggle, and the
// HTTP API.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)
	runCtx := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	} else {
		a.log.Warn("scheduler disabled; modes will not fire")
	}

	rep, err := a.modes.Reconcile(runCtx)
	if err != nil {
		// Individual modes may fail to arm; the rest still run.
		a.log.Error("mode reconcile incomplete", logx.Err(err))
	}
	a.log.Info("modes reconciled", logx.Int("armed", rep.Armed), logx.Int("overdue", rep.Overdue), logx.Int("retrying", rep.Retrying), logx.Int("idle", rep.Idle), logx.Int("orphans", rep.Orphans))

	cfg := a.cfgm.Get()
	if cfg.Toggle.SyncDefault {
		if _, err := a.toggle.SyncDefault(runCtx); err != nil {
			a.log.Warn("toggle default sync failed", logx.Err(err))
		}
	}
	if err := a.toggle.Install(runCtx); err != nil {
		return fmt.Errorf("install toggle: %w", err)
	}

	if a.http.Enabled() {
		a.http.Start(runCtx)
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified: ready")
	}
	a.log.Info("app started", logx.String("tz", a.sched.Location().String()))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig hot-applies newCfg. Storage, settings driver and timezone
// changes need a restart.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "settings" {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) {
		a.log.Warn("scheduler.timezone changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	prevSched := a.sched.Enabled()
	schedCfg, _ := mapSchedulerConfig(newCfg)
	schedCfg.Timezone = strings.TrimSpace(oldCfg.Scheduler.Timezone)

	// The scheduler stops before the engine and starts after it.
	if prevSched && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if engCfg, err := mapTaskEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(c, engCfg)
	}
	a.sched.Apply(schedCfg)
	if !prevSched && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
		if _, err := a.modes.Reconcile(c); err != nil {
			a.log.Error("mode reconcile incomplete", logx.Err(err))
		}
	}

	if mo, err := mapModesConfig(newCfg); err != nil {
		a.log.Warn("invalid modes config; keeping previous", logx.Err(err))
	} else if err := a.registerHandlers(mo); err != nil {
		a.log.Warn("mode handler update failed", logx.Err(err))
	}
	if oldCfg.Modes.NativeRecurrence != newCfg.Modes.NativeRecurrence {
		a.log.Warn("modes.native_recurrence changed; restart required for changes to take effect")
	}

	if oldCfg.Toggle != newCfg.Toggle {
		a.log.Warn("toggle config changed; restart required for changes to take effect")
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts services down in reverse order, each step bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	// Pending job records stay in storage and are restored on the next start.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so a stuck component
// can't stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

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
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
