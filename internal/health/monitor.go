// Package health derives a liveness verdict for the daily chain from the
// execution ledger and the scheduler's armed state.
package health

import (
	"context"
	"time"

	"dailychain/internal/chain"
	"dailychain/internal/ledger"
	logx "dailychain/pkg/logx"
)

// Status is the coarse verdict exposed to operators.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusWarning Status = "warning"
	StatusProblem Status = "problem"
)

// Thresholds are the staleness cutoffs measured from the last recorded
// execution. A daily task should never go a full extra day without firing.
type Thresholds struct {
	Warning time.Duration // default 26h
	Problem time.Duration // default 48h
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Warning <= 0 {
		t.Warning = 26 * time.Hour
	}
	if t.Problem <= 0 {
		t.Problem = 48 * time.Hour
	}
	return t
}

// Chain is the slice of the scheduler the monitor needs.
type Chain interface {
	State() (chain.ScheduleState, bool)
	Reset(now time.Time) (time.Time, error)
}

// Ledger is the read side of the execution ledger.
type Ledger interface {
	LastExecution(ctx context.Context) (ledger.ExecutionRecord, bool, error)
	NextScheduled(ctx context.Context) (time.Time, bool, error)
}

// Report is one point-in-time assessment.
type Report struct {
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`

	Armed      bool       `json:"armed"`
	Generation uint64     `json:"generation,omitempty"`
	Target     *time.Time `json:"target,omitempty"`

	LastFiredAt   *time.Time     `json:"last_fired_at,omitempty"`
	LastOutcome   ledger.Outcome `json:"last_outcome,omitempty"`
	LastDetail    string         `json:"last_detail,omitempty"`
	SinceLast     time.Duration  `json:"since_last,omitempty"`
	NextScheduled *time.Time     `json:"next_scheduled,omitempty"`
}

type Monitor struct {
	chain Chain
	led   Ledger // may be nil (ledger disabled)
	thr   Thresholds
	log   logx.Logger

	now func() time.Time
}

func NewMonitor(c Chain, led Ledger, thr Thresholds, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		chain: c,
		led:   led,
		thr:   thr.withDefaults(),
		log:   log,
		now:   time.Now,
	}
}

// Status returns just the verdict. Shorthand for Describe(ctx).Status.
func (m *Monitor) Status(ctx context.Context) Status {
	return m.Describe(ctx).Status
}

// Describe assesses the chain right now.
//
// Verdict rules, first match wins:
//   - no pending trigger             -> problem (the chain is broken)
//   - no execution record at all     -> problem (never fired, or ledger lost)
//   - last execution older than 48h  -> problem
//   - last execution older than 26h  -> warning
//   - otherwise                      -> healthy
//
// An armed trigger with a recent record is healthy even if the last outcome
// was a failure: failures that keep chaining are the collector's problem,
// not the scheduler's.
func (m *Monitor) Describe(ctx context.Context) Report {
	now := m.now()
	rep := Report{Status: StatusHealthy, CheckedAt: now}

	if st, ok := m.chain.State(); ok {
		rep.Armed = true
		rep.Generation = st.Generation
		t := st.Target
		rep.Target = &t
	}

	if m.led != nil {
		if next, ok, err := m.led.NextScheduled(ctx); err != nil {
			m.log.Error("health probe: ledger read failed", logx.Any("err", err))
		} else if ok {
			rep.NextScheduled = &next
		}
		rec, ok, err := m.led.LastExecution(ctx)
		if err != nil {
			m.log.Error("health probe: ledger read failed", logx.Any("err", err))
		} else if ok {
			t := rec.FiredAt
			rep.LastFiredAt = &t
			rep.LastOutcome = rec.Outcome
			rep.LastDetail = rec.Detail
			rep.SinceLast = now.Sub(rec.FiredAt)
		}
	}

	switch {
	case !rep.Armed:
		rep.Status = StatusProblem
		rep.Reason = "no trigger armed; daily chain is not running"
	case rep.LastFiredAt == nil:
		rep.Status = StatusProblem
		rep.Reason = "no execution on record"
	case rep.SinceLast >= m.thr.Problem:
		rep.Status = StatusProblem
		rep.Reason = "last execution is over " + m.thr.Problem.String() + " old"
	case rep.SinceLast >= m.thr.Warning:
		rep.Status = StatusWarning
		rep.Reason = "last execution is over " + m.thr.Warning.String() + " old"
	}
	return rep
}

// Reset re-arms the chain with a fresh generation. This is the manual
// recovery path for a problem verdict.
func (m *Monitor) Reset(ctx context.Context) (time.Time, error) {
	target, err := m.chain.Reset(m.now())
	if err != nil {
		return time.Time{}, err
	}
	m.log.Info("health reset performed", logx.Time("target", target))
	return target, nil
}
