package health

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"dailychain/internal/eventbus"
	logx "dailychain/pkg/logx"

	"github.com/robfig/cron/v3"
)

// WatchdogConfig controls the periodic health sweep.
type WatchdogConfig struct {
	// Spec is a cron spec for the sweep cadence ("@every 1h" default).
	Spec string

	// AutoReset re-arms the chain automatically when a sweep finds it
	// unarmed. Staleness problems are never auto-reset; those need a
	// human to look at the collector first.
	AutoReset bool
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = "@every 1h"
	}
	return c
}

// Watchdog sweeps the monitor on a cron cadence and publishes each report
// on the event bus.
type Watchdog struct {
	mu      sync.Mutex
	cfg     WatchdogConfig
	mon     *Monitor
	bus     eventbus.Bus
	log     logx.Logger
	c       *cron.Cron
	entryID cron.EntryID
	parser  cron.Parser
}

func NewWatchdog(cfg WatchdogConfig, mon *Monitor, bus eventbus.Bus, log logx.Logger) *Watchdog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watchdog{
		cfg: cfg.withDefaults(),
		mon: mon,
		bus: bus,
		log: log,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
	}
}

func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(w.parser))
	id, err := c.AddFunc(w.cfg.Spec, w.Sweep)
	if err != nil {
		return fmt.Errorf("watchdog spec %q: %w", w.cfg.Spec, err)
	}
	w.c = c
	w.entryID = id
	c.Start()
	w.log.Info("health watchdog started", logx.String("spec", w.cfg.Spec))
	return nil
}

func (w *Watchdog) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.c
	w.c = nil
	w.entryID = 0
	w.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateSpec swaps the sweep cadence at runtime (config reload).
func (w *Watchdog) UpdateSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "@every 1h"
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if spec == w.cfg.Spec {
		return nil
	}
	if w.c == nil {
		w.cfg.Spec = spec
		return nil
	}
	id, err := w.c.AddFunc(spec, w.Sweep)
	if err != nil {
		return fmt.Errorf("watchdog spec %q: %w", spec, err)
	}
	w.c.Remove(w.entryID)
	w.entryID = id
	w.cfg.Spec = spec
	w.log.Info("health watchdog rescheduled", logx.String("spec", spec))
	return nil
}

// Sweep runs one assessment immediately. The cron entry calls this; the
// app also calls it once at startup so a broken chain is reported right
// away instead of an hour later.
func (w *Watchdog) Sweep() {
	ctx := context.Background()
	rep := w.mon.Describe(ctx)

	fields := []logx.Field{logx.String("status", string(rep.Status))}
	if rep.Reason != "" {
		fields = append(fields, logx.String("reason", rep.Reason))
	}
	if rep.LastFiredAt != nil {
		fields = append(fields, logx.Duration("since_last", rep.SinceLast))
	}
	switch rep.Status {
	case StatusProblem:
		w.log.Error("health sweep", fields...)
	case StatusWarning:
		w.log.Warn("health sweep", fields...)
	default:
		w.log.Debug("health sweep", fields...)
	}

	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.EventHealth, Data: rep})
	}

	if rep.Status == StatusProblem && !rep.Armed && w.autoReset() {
		if target, err := w.mon.Reset(ctx); err != nil {
			w.log.Error("watchdog auto-reset failed", logx.Any("err", err))
		} else {
			w.log.Warn("watchdog auto-reset re-armed the chain", logx.Time("target", target))
		}
	}
}

func (w *Watchdog) autoReset() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.AutoReset
}
