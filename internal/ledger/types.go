package ledger

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("ledger disabled")

// Config configures the ledger backend.
//
// Driver values:
//   - "file": dependency-free file backend (json snapshot + jsonl history)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the ledger is disabled (useful for tests
// and dry runs; the chain still works, it just forgets on restart).
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// HistorySize bounds the append-only execution history.
	// 0 applies a default; <0 disables history retention pruning.
	HistorySize int
}

// Outcome is the recorded result of one daily execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ExecutionRecord is the durable record of a single firing.
// Immutable once written.
type ExecutionRecord struct {
	FiredAt time.Time `json:"fired_at"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}
