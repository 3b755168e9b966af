package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "dailychain/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "ledger.db"), HistorySize: 5}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%s): %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("expected nil store for driver %q", driver)
		}
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestEmptyLedger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		if _, ok, err := st.LastExecution(ctx); err != nil || ok {
			t.Fatalf("%s: LastExecution on empty ledger = ok=%v err=%v", name, ok, err)
		}
		if _, ok, err := st.NextScheduled(ctx); err != nil || ok {
			t.Fatalf("%s: NextScheduled on empty ledger = ok=%v err=%v", name, ok, err)
		}
	}
}

func TestRecordAndReadBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	firedAt := time.Date(2025, 4, 2, 23, 59, 3, 0, time.UTC)
	next := time.Date(2025, 4, 3, 23, 59, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		if err := st.RecordExecution(ctx, ExecutionRecord{FiredAt: firedAt, Outcome: OutcomeFailure, Detail: "network down"}); err != nil {
			t.Fatalf("%s: RecordExecution: %v", name, err)
		}
		if err := st.RecordNextScheduled(ctx, next); err != nil {
			t.Fatalf("%s: RecordNextScheduled: %v", name, err)
		}

		rec, ok, err := st.LastExecution(ctx)
		if err != nil || !ok {
			t.Fatalf("%s: LastExecution = ok=%v err=%v", name, ok, err)
		}
		if !rec.FiredAt.Equal(firedAt) || rec.Outcome != OutcomeFailure || rec.Detail != "network down" {
			t.Fatalf("%s: unexpected record %+v", name, rec)
		}

		got, ok, err := st.NextScheduled(ctx)
		if err != nil || !ok {
			t.Fatalf("%s: NextScheduled = ok=%v err=%v", name, ok, err)
		}
		if !got.Equal(next) {
			t.Fatalf("%s: NextScheduled = %v, want %v", name, got, next)
		}
	}
}

func TestLastExecutionOverwrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 23, 59, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		for i := 0; i < 3; i++ {
			rec := ExecutionRecord{FiredAt: base.AddDate(0, 0, i), Outcome: OutcomeSuccess}
			if err := st.RecordExecution(ctx, rec); err != nil {
				t.Fatalf("%s: RecordExecution: %v", name, err)
			}
		}
		rec, ok, err := st.LastExecution(ctx)
		if err != nil || !ok {
			t.Fatalf("%s: LastExecution = ok=%v err=%v", name, ok, err)
		}
		if !rec.FiredAt.Equal(base.AddDate(0, 0, 2)) {
			t.Fatalf("%s: last record not the newest: %v", name, rec.FiredAt)
		}

		hist, err := st.History(ctx, 10)
		if err != nil {
			t.Fatalf("%s: History: %v", name, err)
		}
		if len(hist) != 3 {
			t.Fatalf("%s: history length = %d, want 3", name, len(hist))
		}
		if !hist[0].FiredAt.After(hist[1].FiredAt) {
			t.Fatalf("%s: history not newest-first", name)
		}
	}
}

func TestFileStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	firedAt := time.Date(2025, 4, 2, 23, 59, 0, 0, time.UTC)
	if err := st.RecordExecution(ctx, ExecutionRecord{FiredAt: firedAt, Outcome: OutcomeSuccess}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := st.RecordNextScheduled(ctx, firedAt.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("RecordNextScheduled: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	rec, ok, err := st2.LastExecution(ctx)
	if err != nil || !ok {
		t.Fatalf("LastExecution after reopen = ok=%v err=%v", ok, err)
	}
	if !rec.FiredAt.Equal(firedAt) {
		t.Fatalf("unexpected record after reopen: %+v", rec)
	}
	next, ok, err := st2.NextScheduled(ctx)
	if err != nil || !ok {
		t.Fatalf("NextScheduled after reopen = ok=%v err=%v", ok, err)
	}
	if !next.Equal(firedAt.AddDate(0, 0, 1)) {
		t.Fatalf("unexpected next after reopen: %v", next)
	}
}

func TestSQLiteHistoryPruned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "ledger.db"), HistorySize: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	base := time.Date(2025, 4, 1, 23, 59, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		if err := st.RecordExecution(ctx, ExecutionRecord{FiredAt: base.AddDate(0, 0, i), Outcome: OutcomeSuccess}); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}
	hist, err := st.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3 after pruning", len(hist))
	}
	if !hist[0].FiredAt.Equal(base.AddDate(0, 0, 5)) {
		t.Fatalf("newest history record = %v", hist[0].FiredAt)
	}
}

func TestFileHistoryCompacted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "ledger.db"), HistorySize: 3}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Date(2025, 4, 1, 23, 59, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := st.RecordExecution(ctx, ExecutionRecord{FiredAt: base.AddDate(0, 0, i), Outcome: OutcomeSuccess}); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
	}
	hist, err := st.History(ctx, 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3 after compaction", len(hist))
	}
	if !hist[0].FiredAt.Equal(base.AddDate(0, 0, 4)) || !hist[2].FiredAt.Equal(base.AddDate(0, 0, 2)) {
		t.Fatalf("wrong records survived compaction: %v .. %v", hist[0].FiredAt, hist[2].FiredAt)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The bound holds across a restart: the reopened store picks up the
	// compacted count and keeps appending against it.
	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if err := st2.RecordExecution(ctx, ExecutionRecord{FiredAt: base.AddDate(0, 0, 5), Outcome: OutcomeFailure}); err != nil {
		t.Fatalf("RecordExecution after reopen: %v", err)
	}
	hist, err = st2.History(ctx, 100)
	if err != nil {
		t.Fatalf("History after reopen: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length after reopen = %d, want 3", len(hist))
	}
	if !hist[0].FiredAt.Equal(base.AddDate(0, 0, 5)) {
		t.Fatalf("newest record after reopen = %v", hist[0].FiredAt)
	}
}
