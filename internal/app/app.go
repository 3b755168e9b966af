// Package app wires the daemon together: config, logging, ledger, the
// trigger substrate, the daily chain, health monitoring and the diag
// endpoints.
package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dailychain/internal/chain"
	"dailychain/internal/collector"
	"dailychain/internal/config"
	"dailychain/internal/diag"
	"dailychain/internal/eventbus"
	"dailychain/internal/health"
	"dailychain/internal/ledger"
	"dailychain/internal/substrate"
	logx "dailychain/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	led    ledger.Store
	ledCfg ledger.Config
	timers *substrate.Timers
	sched  *chain.Scheduler
	mon    *health.Monitor
	wd     *health.Watchdog
	diag   *diag.Server

	// action is swapped atomically on collector config reload.
	action atomic.Value // func(context.Context) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	ledCfg, err := mapLedgerConfig(cfg)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(ledCfg, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return nil, err
	}
	if led != nil {
		log.Info("ledger enabled", logx.String("driver", ledCfg.Driver), logx.String("path", ledCfg.Path))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		led:     led,
		ledCfg:  ledCfg,
		timers:  substrate.NewTimers(log.With(logx.String("comp", "substrate"))),
	}

	run, err := a.buildAction(cfg)
	if err != nil {
		return nil, err
	}
	a.action.Store(run)

	target, err := cfg.Target()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationOrDefault("collector.timeout", cfg.Collector.Timeout, 2*time.Hour)
	if err != nil {
		return nil, err
	}

	a.sched = chain.New(chain.Config{
		TaskID:        cfg.Schedule.TaskID,
		Target:        target,
		Location:      loc,
		ActionTimeout: timeout,
	}, chain.ActionFunc(a.runAction), a.timers, led,
		log.With(logx.String("comp", "chain")), bus)

	warn, err := config.ParseDurationField("health.warn_after", cfg.Health.WarnAfter)
	if err != nil {
		return nil, err
	}
	problem, err := config.ParseDurationField("health.problem_after", cfg.Health.ProblemAfter)
	if err != nil {
		return nil, err
	}
	var hl health.Ledger
	if led != nil {
		hl = led
	}
	a.mon = health.NewMonitor(a.sched, hl, health.Thresholds{Warning: warn, Problem: problem},
		log.With(logx.String("comp", "health")))
	a.wd = health.NewWatchdog(health.WatchdogConfig{
		Spec:      cfg.Health.WatchdogSpec,
		AutoReset: cfg.Health.AutoReset,
	}, a.mon, bus, log.With(logx.String("comp", "watchdog")))

	var hist diag.HistorySource
	if led != nil {
		hist = led
	}
	a.diag = diag.New(a.mon, hist, log.With(logx.String("comp", "diag")))

	return a, nil
}

// Monitor exposes the health monitor (used by main for sd_notify status).
func (a *App) Monitor() *health.Monitor { return a.mon }

func (a *App) runAction(ctx context.Context) error {
	run, _ := a.action.Load().(func(context.Context) error)
	if run == nil {
		return fmt.Errorf("no collector configured")
	}
	return run(ctx)
}

// buildAction assembles the retry-wrapped collector from config.
func (a *App) buildAction(cfg *config.Config) (func(context.Context) error, error) {
	reqTimeout, err := config.ParseDurationOrDefault("collector.request_timeout", cfg.Collector.RequestTimeout, time.Minute)
	if err != nil {
		return nil, err
	}
	retryBase, err := config.ParseDurationOrDefault("collector.retry_base", cfg.Collector.RetryBase, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	retryMax, err := config.ParseDurationOrDefault("collector.retry_max_delay", cfg.Collector.RetryMaxDelay, 30*time.Minute)
	if err != nil {
		return nil, err
	}

	var hist collector.HistorySource
	if a.led != nil {
		hist = a.led
	}
	rep := collector.New(collector.Config{
		URL:            cfg.Collector.URL,
		RequestTimeout: reqTimeout,
		Headers:        cfg.Collector.Headers,
	}, hist, a.log.With(logx.String("comp", "collector")))

	policy := substrate.RetryPolicy{
		Max:      cfg.Collector.RetryMax,
		Base:     retryBase,
		MaxDelay: retryMax,
	}
	return policy.Wrap(a.log.With(logx.String("comp", "retry")), rep.Run), nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.timers.Start(runCtx)

	// Startup recovery: whatever the previous process had scheduled died
	// with it, so log the prior intent and unconditionally re-arm.
	if a.led != nil {
		if next, ok, err := a.led.NextScheduled(runCtx); err != nil {
			a.log.Warn("could not read prior schedule", logx.Any("err", err))
		} else if ok {
			a.log.Info("prior schedule found in ledger", logx.Time("target", next))
		}
		if rec, ok, err := a.led.LastExecution(runCtx); err == nil && ok {
			a.log.Info("last recorded execution",
				logx.Time("fired_at", rec.FiredAt),
				logx.String("outcome", string(rec.Outcome)),
			)
		}
	}
	if _, err := a.sched.ScheduleNext(time.Now()); err != nil {
		return fmt.Errorf("arm initial trigger: %w", err)
	}

	if err := a.wd.Start(); err != nil {
		return err
	}
	a.wd.Sweep()

	cfg := a.cfgm.Get()
	a.diag.Apply(runCtx, diag.Config{
		Enabled: cfg.Diag.Enabled,
		Address: cfg.Diag.Address,
		Pprof:   cfg.Diag.Pprof,
	})

	// Event log tap: chain.broken is the one event that must never pass
	// silently, the rest is debug noise.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.EventBroken {
					a.log.Error("daily chain broken; manual or watchdog reset required")
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	// Config hot-reload fan-out.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(runCtx, newCfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("daemon started")
	return nil
}

// applyConfig applies a hot-reloaded config. Configs were already
// validated by the manager; errors here are mapping surprises and keep
// the previous component config.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if run, err := a.buildAction(cfg); err != nil {
		a.log.Warn("invalid collector config; keeping previous", logx.Any("err", err))
	} else {
		a.action.Store(run)
	}

	rearm := false
	if target, err := cfg.Target(); err != nil {
		a.log.Warn("invalid schedule target; keeping previous", logx.Any("err", err))
	} else if a.sched.SetTarget(target) {
		rearm = true
	}
	if loc, err := cfg.Location(); err != nil {
		a.log.Warn("invalid schedule timezone; keeping previous", logx.Any("err", err))
	} else if a.sched.SetLocation(loc) {
		rearm = true
	}
	if rearm {
		if _, err := a.sched.ScheduleNext(time.Now()); err != nil {
			a.log.Error("re-arm after schedule change failed", logx.Any("err", err))
		}
	}

	if err := a.wd.UpdateSpec(cfg.Health.WatchdogSpec); err != nil {
		a.log.Warn("invalid watchdog spec; keeping previous", logx.Any("err", err))
	}

	// Ledger backends hold open files/connections; swapping them
	// mid-flight is not worth the risk.
	if newLedCfg, err := mapLedgerConfig(cfg); err == nil && newLedCfg != a.ledCfg {
		a.log.Warn("ledger config changed; restart required for changes to take effect")
	}

	a.diag.Apply(ctx, diag.Config{
		Enabled: cfg.Diag.Enabled,
		Address: cfg.Diag.Address,
		Pprof:   cfg.Diag.Pprof,
	})

	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	if err := a.wd.Stop(ctx); err != nil {
		a.log.Warn("watchdog stop", logx.Any("err", err))
	}
	a.diag.Stop(ctx)
	a.timers.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("background loops did not drain before deadline")
	}

	if a.led != nil {
		if err := a.led.Close(); err != nil {
			a.log.Warn("ledger close", logx.Any("err", err))
		}
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	busy, err := config.ParseDurationField("ledger.busy_timeout", cfg.Ledger.BusyTimeout)
	if err != nil {
		return ledger.Config{}, err
	}
	return ledger.Config{
		Driver:      cfg.Ledger.Driver,
		Path:        cfg.Ledger.Path,
		BusyTimeout: busy,
		HistorySize: cfg.Ledger.HistorySize,
	}, nil
}
