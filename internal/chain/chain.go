// Package chain owns the single pending daily trigger and the firing path
// that turns one day's execution into the next day's arm.
//
// State machine per logical task:
//
//	Unarmed -> Armed(g) -> Firing(g) -> Armed(g+1) -> ...
//
// Unarmed is reachable only through a failed re-arm (ErrChainBroken) and
// requires an operator reset.
package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dailychain/internal/clock"
	"dailychain/internal/eventbus"
	"dailychain/internal/ledger"
	"dailychain/internal/substrate"
	logx "dailychain/pkg/logx"
)

// Action is the externally supplied work performed at fire time. Retry of
// transient failures belongs to the substrate's RetryPolicy, not here.
type Action interface {
	Run(ctx context.Context) error
}

// ActionFunc adapts a plain function to Action.
type ActionFunc func(ctx context.Context) error

func (f ActionFunc) Run(ctx context.Context) error { return f(ctx) }

type Config struct {
	// TaskID is the logical task identity triggers are keyed by.
	TaskID string

	// Target is the daily wall-clock fire time (local calendar).
	Target clock.TimeOfDay

	// Location is the calendar the target is evaluated in; nil means
	// time.Local. Re-applied at every arm, so a tzdata change takes
	// effect on the next cycle.
	Location *time.Location

	// ActionTimeout bounds one action run (0 disables).
	ActionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TaskID == "" {
		c.TaskID = "dailychain.daily"
	}
	return c
}

// ScheduleState describes the currently pending trigger.
type ScheduleState struct {
	Target     time.Time
	ArmedAt    time.Time
	Generation uint64
}

// ArmedEvent is the bus payload for chain.armed / chain.reset.
type ArmedEvent struct {
	TaskID     string    `json:"task_id"`
	Target     time.Time `json:"target"`
	Generation uint64    `json:"generation"`
}

// FiredEvent is the bus payload for chain.fired.
type FiredEvent struct {
	TaskID     string        `json:"task_id"`
	Generation uint64        `json:"generation"`
	FiredAt    time.Time     `json:"fired_at"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"`
	Detail     string        `json:"detail,omitempty"`
}

// Scheduler enforces the exactly-one-pending-trigger invariant and chains
// each firing into the next arm. It is also the executor the substrate
// calls back into (HandleFire).
type Scheduler struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	sub    substrate.Substrate
	led    ledger.Store // may be nil (ledger disabled)
	action Action

	generation uint64
	state      *ScheduleState
	firing     bool

	// test seam; time.Now in production
	now func() time.Time
}

func New(cfg Config, action Action, sub substrate.Substrate, led ledger.Store, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		sub:    sub,
		led:    led,
		action: action,
		now:    time.Now,
	}
}

// ScheduleNext arms the next occurrence of the daily target.
//
// It cancels any currently pending trigger for the task, bumps the
// generation, submits a fresh one-shot to the substrate and — only after a
// successful submission — records the new target in the ledger. Safe to
// call redundantly or concurrently; the latest call wins and exactly one
// trigger stays armed.
//
// A submission failure returns ErrChainBroken and leaves the ledger
// untouched: diagnostics keep showing the last schedule that was real.
func (s *Scheduler) ScheduleNext(now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleNextLocked(now)
}

func (s *Scheduler) scheduleNextLocked(now time.Time) (time.Time, error) {
	if s.cfg.Location != nil {
		now = now.In(s.cfg.Location)
	}
	target := clock.NextOccurrence(now, s.cfg.Target)
	delay := target.Sub(now)

	// Cancel-then-create under the lock keeps the invariant atomic with
	// respect to the logical task: no interleaving can leave two live
	// triggers.
	s.sub.Cancel(s.cfg.TaskID)
	s.generation++
	gen := s.generation

	if _, err := s.sub.Submit(s.cfg.TaskID, delay, gen, s.onFire); err != nil {
		s.state = nil
		s.firing = false
		s.log.Error("trigger submission failed; daily cadence stopped",
			logx.String("task", s.cfg.TaskID),
			logx.Uint64("generation", gen),
			logx.Any("err", err),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventBroken, Data: ArmedEvent{TaskID: s.cfg.TaskID, Generation: gen}})
		}
		return time.Time{}, fmt.Errorf("%w: %v", ErrChainBroken, err)
	}

	s.state = &ScheduleState{Target: target, ArmedAt: now, Generation: gen}
	s.firing = false

	if s.led != nil {
		if err := s.led.RecordNextScheduled(context.Background(), target); err != nil {
			// The trigger is armed; only diagnostics are stale. Loud, not fatal.
			s.log.Error("ledger write failed for next_scheduled_time",
				logx.Time("target", target),
				logx.Any("err", err),
			)
		}
	}

	s.log.Info("daily trigger armed",
		logx.String("task", s.cfg.TaskID),
		logx.Uint64("generation", gen),
		logx.Time("target", target),
		logx.Duration("delay", delay),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventArmed, Data: ArmedEvent{TaskID: s.cfg.TaskID, Target: target, Generation: gen}})
	}
	return target, nil
}

// Reset forces a fresh arm with a new generation, invalidating any
// in-flight delivery from before the reset. Used for manual recovery.
func (s *Scheduler) Reset(now time.Time) (time.Time, error) {
	s.mu.Lock()
	target, err := s.scheduleNextLocked(now)
	gen := s.generation
	s.mu.Unlock()
	if err != nil {
		return time.Time{}, err
	}
	s.log.Info("chain reset", logx.Uint64("generation", gen), logx.Time("target", target))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventReset, Data: ArmedEvent{TaskID: s.cfg.TaskID, Target: target, Generation: gen}})
	}
	return target, nil
}

// onFire is the substrate callback (the "TaskExecutor" role).
func (s *Scheduler) onFire(ctx context.Context, generation uint64) {
	_ = s.HandleFire(ctx, generation)
}

// HandleFire runs one delivery of the daily trigger:
//
//  1. reject stale or duplicate generations (silent no-op),
//  2. run the action,
//  3. record the outcome exactly once,
//  4. unconditionally arm the next day.
//
// Step 4 happens on success AND failure; that is the property that keeps
// the cadence alive. Its own failure is the only way the chain breaks.
func (s *Scheduler) HandleFire(ctx context.Context, generation uint64) error {
	s.mu.Lock()
	if s.state == nil || generation != s.generation || s.firing {
		cur := s.generation
		s.mu.Unlock()
		s.log.Debug("stale trigger delivery ignored",
			logx.Uint64("delivered", generation),
			logx.Uint64("current", cur),
		)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventStale, Data: ArmedEvent{TaskID: s.cfg.TaskID, Generation: generation}})
		}
		return ErrStaleGeneration
	}
	s.firing = true
	action := s.action
	timeout := s.cfg.ActionTimeout
	firedAt := s.now()
	s.mu.Unlock()

	// The action runs outside the lock: it may block for minutes, and a
	// concurrent Reset must not deadlock on it. Once started it always runs
	// to completion before the ledger is written.
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	runErr := action.Run(runCtx)
	if cancel != nil {
		cancel()
	}
	dur := s.now().Sub(firedAt)

	rec := ledger.ExecutionRecord{FiredAt: firedAt, Outcome: ledger.OutcomeSuccess}
	if runErr != nil {
		rec.Outcome = ledger.OutcomeFailure
		rec.Detail = runErr.Error()
	}

	// Step 3 before step 4: a health check between them sees last-execution
	// and next-scheduled values describing the same cycle.
	if s.led != nil {
		if err := s.led.RecordExecution(ctx, rec); err != nil {
			s.log.Error("ledger write failed for execution record", logx.Any("err", err))
		}
	}

	if runErr != nil {
		s.log.Warn("daily action failed",
			logx.Uint64("generation", generation),
			logx.Duration("dur", dur),
			logx.Any("err", runErr),
		)
	} else {
		s.log.Info("daily action completed",
			logx.Uint64("generation", generation),
			logx.Duration("dur", dur),
		)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventFired, Data: FiredEvent{
			TaskID:     s.cfg.TaskID,
			Generation: generation,
			FiredAt:    firedAt,
			Duration:   dur,
			Outcome:    string(rec.Outcome),
			Detail:     rec.Detail,
		}})
	}

	s.mu.Lock()
	_, armErr := s.scheduleNextLocked(s.now())
	s.mu.Unlock()
	if armErr != nil {
		// scheduleNextLocked already logged and published chain.broken.
		return armErr
	}
	return nil
}

// State returns the pending trigger, if one is armed.
func (s *Scheduler) State() (ScheduleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return ScheduleState{}, false
	}
	return *s.state, true
}

// Armed reports whether a trigger is currently pending.
func (s *Scheduler) Armed() bool {
	_, ok := s.State()
	return ok
}

// Generation returns the current generation counter.
func (s *Scheduler) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// TaskID returns the logical task identity.
func (s *Scheduler) TaskID() string { return s.cfg.TaskID }

// Target returns the configured daily fire time.
func (s *Scheduler) Target() clock.TimeOfDay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Target
}

// SetTarget swaps the daily fire time (config reload). It reports whether
// the value changed; the caller re-arms via ScheduleNext when it did.
func (s *Scheduler) SetTarget(at clock.TimeOfDay) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Target == at {
		return false
	}
	s.cfg.Target = at
	return true
}

// SetLocation swaps the schedule calendar (config reload). Same contract
// as SetTarget.
func (s *Scheduler) SetLocation(loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cfg.Location
	if cur == nil {
		cur = time.Local
	}
	if cur.String() == loc.String() {
		return false
	}
	s.cfg.Location = loc
	return true
}
