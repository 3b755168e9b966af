package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "dailychain/pkg/logx"
)

// Store is the durable execution ledger.
//
// The single-slot last-execution record and the next-scheduled instant are
// the contract the chain relies on; History is operator sugar on top.
type Store interface {
	// RecordExecution overwrites the last-execution slot and appends to history.
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
	LastExecution(ctx context.Context) (ExecutionRecord, bool, error)

	RecordNextScheduled(ctx context.Context, at time.Time) error
	NextScheduled(ctx context.Context) (time.Time, bool, error)

	// History returns up to limit records, newest first.
	History(ctx context.Context, limit int) ([]ExecutionRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if the ledger is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown ledger driver: " + driver)
	}
}
