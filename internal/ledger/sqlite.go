package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "dailychain/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	keyLastExecutionTime    = "last_execution_time"
	keyLastExecutionOutcome = "last_execution_outcome"
	keyLastExecutionDetail  = "last_execution_detail"
	keyNextScheduledTime    = "next_scheduled_time"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	historySize int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	historySize := cfg.HistorySize
	if historySize == 0 {
		historySize = 200
	}
	st := &sqliteStore{db: db, log: log, historySize: historySize}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.FiredAt.IsZero() {
		rec.FiredAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	at := rec.FiredAt.Format(time.RFC3339Nano)
	for _, kv := range [][2]string{
		{keyLastExecutionTime, at},
		{keyLastExecutionOutcome, string(rec.Outcome)},
		{keyLastExecutionDetail, rec.Detail},
	} {
		if err := putKV(ctx, tx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO executions(fired_at, outcome, detail) VALUES(?,?,?)`,
		at, string(rec.Outcome), nullStr(rec.Detail),
	); err != nil {
		return err
	}
	if s.historySize > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM executions WHERE id NOT IN
			 (SELECT id FROM executions ORDER BY id DESC LIMIT ?)`,
			s.historySize,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LastExecution(ctx context.Context) (ExecutionRecord, bool, error) {
	if s == nil || s.db == nil {
		return ExecutionRecord{}, false, ErrDisabled
	}
	raw, ok, err := s.getKV(ctx, keyLastExecutionTime)
	if err != nil || !ok {
		return ExecutionRecord{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return ExecutionRecord{}, false, fmt.Errorf("corrupt %s: %w", keyLastExecutionTime, err)
	}
	outcome, _, err := s.getKV(ctx, keyLastExecutionOutcome)
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	detail, _, err := s.getKV(ctx, keyLastExecutionDetail)
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	return ExecutionRecord{FiredAt: at, Outcome: Outcome(outcome), Detail: detail}, true, nil
}

func (s *sqliteStore) RecordNextScheduled(ctx context.Context, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return putKV(ctx, s.db, keyNextScheduledTime, at.Format(time.RFC3339Nano))
}

func (s *sqliteStore) NextScheduled(ctx context.Context) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	raw, ok, err := s.getKV(ctx, keyNextScheduledTime)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt %s: %w", keyNextScheduledTime, err)
	}
	return at, true, nil
}

func (s *sqliteStore) History(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT fired_at, outcome, COALESCE(detail, '') FROM executions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rawAt, outcome, detail string
		if err := rows.Scan(&rawAt, &outcome, &detail); err != nil {
			return nil, err
		}
		at, err := time.Parse(time.RFC3339Nano, rawAt)
		if err != nil {
			continue
		}
		out = append(out, ExecutionRecord{FiredAt: at, Outcome: Outcome(outcome), Detail: detail})
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putKV(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO ledger(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) getKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ledger WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
