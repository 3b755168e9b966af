package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dailychain/internal/clock"
	"dailychain/internal/health"
)

func writeConfig(t *testing.T, dir, collectorURL string) string {
	t.Helper()
	cfg := `{
  "schedule": { "target": "23:59", "timezone": "UTC" },
  "collector": { "url": "` + collectorURL + `" },
  "ledger": { "driver": "file", "path": "` + filepath.Join(dir, "state") + `" },
  "logging": { "level": "error", "console": false, "file": { "enabled": false, "path": "" } },
  "health": { "watchdog_spec": "@every 1h" },
  "diag": { "enabled": true, "address": "127.0.0.1:0" }
}`
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestStartArmsAndStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	dir := t.TempDir()
	a, err := New(writeConfig(t, dir, srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !a.sched.Armed() {
		t.Fatal("no trigger armed after start")
	}
	st, _ := a.sched.State()
	if got := st.Target.Sub(time.Now()); got <= 0 || got >= 24*time.Hour {
		t.Fatalf("armed target %v is not within the next day", st.Target)
	}
	if a.diag.Addr() == "" {
		t.Fatal("diag server not listening")
	}

	// Never fired: the monitor must call that out.
	if s := a.mon.Status(ctx); s != health.StatusProblem {
		t.Fatalf("fresh start health = %q, want problem", s)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestApplyConfigRearmsOnTargetChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, srv.URL)
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop(context.Background())

	genBefore := a.sched.Generation()

	cfg := a.cfgm.Get()
	updated := *cfg
	updated.Schedule.Target = "06:30"
	a.applyConfig(ctx, &updated)

	if got := a.sched.Target(); (got != clock.TimeOfDay{Hour: 6, Minute: 30}) {
		t.Fatalf("target after reload = %v", got)
	}
	if a.sched.Generation() == genBefore {
		t.Fatal("target change did not re-arm")
	}

	// Re-applying the identical config must not burn another generation.
	genAfter := a.sched.Generation()
	a.applyConfig(ctx, &updated)
	if a.sched.Generation() != genAfter {
		t.Fatal("no-op reload re-armed the chain")
	}
}

func TestStartupRecoveryReadsLedger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeConfig(t, dir, srv.URL)

	// First process life: arm once, then stop.
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st1, _ := a.sched.State()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Second life: the ledger still names the old target and the new
	// process re-arms on its own.
	b, err := New(path)
	if err != nil {
		t.Fatalf("New (second): %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start (second): %v", err)
	}
	defer b.Stop(ctx)

	if !b.sched.Armed() {
		t.Fatal("second process did not re-arm")
	}
	next, ok, err := b.led.NextScheduled(ctx)
	if err != nil || !ok {
		t.Fatalf("ledger next after restart: ok=%v err=%v", ok, err)
	}
	if !next.Equal(st1.Target) && !next.After(st1.Target.Add(-time.Minute)) {
		t.Fatalf("ledger next %v does not follow prior target %v", next, st1.Target)
	}
}
