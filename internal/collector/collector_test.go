package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dailychain/internal/ledger"
	"dailychain/internal/substrate"
	logx "dailychain/pkg/logx"
)

type stubHistory struct {
	recs []ledger.ExecutionRecord
	err  error
}

func (s *stubHistory) History(ctx context.Context, limit int) ([]ledger.ExecutionRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit > len(s.recs) {
		limit = len(s.recs)
	}
	return s.recs[:limit], nil
}

func TestRunDelivers(t *testing.T) {
	t.Parallel()
	var got Report
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hist := &stubHistory{recs: []ledger.ExecutionRecord{
		{FiredAt: time.Now().Add(-24 * time.Hour), Outcome: ledger.OutcomeSuccess},
	}}
	rep := New(Config{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	}, hist, logx.Nop())
	rep.now = func() time.Time { return time.Date(2025, 5, 20, 23, 59, 2, 0, time.UTC) }

	if err := rep.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Date != "2025-05-20" {
		t.Fatalf("date = %q", got.Date)
	}
	if len(got.Recent) != 1 || got.Recent[0].Outcome != ledger.OutcomeSuccess {
		t.Fatalf("recent = %+v", got.Recent)
	}
	if auth != "Bearer token" {
		t.Fatalf("authorization = %q", auth)
	}
}

func TestRunServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusBadGateway)
	}))
	defer srv.Close()

	rep := New(Config{URL: srv.URL}, nil, logx.Nop())
	err := rep.Run(context.Background())
	if err == nil {
		t.Fatal("5xx accepted")
	}
	if substrate.IsNoRetry(err) {
		t.Fatalf("5xx marked permanent: %v", err)
	}
}

func TestRunClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	rep := New(Config{URL: srv.URL}, nil, logx.Nop())
	err := rep.Run(context.Background())
	if err == nil {
		t.Fatal("4xx accepted")
	}
	if !substrate.IsNoRetry(err) {
		t.Fatalf("4xx not marked permanent: %v", err)
	}
}

func TestRunHistoryFailureStillDelivers(t *testing.T) {
	t.Parallel()
	delivered := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered = true
	}))
	defer srv.Close()

	rep := New(Config{URL: srv.URL}, &stubHistory{err: errors.New("db locked")}, logx.Nop())
	if err := rep.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !delivered {
		t.Fatal("report not delivered when history read failed")
	}
}

func TestRunTransportError(t *testing.T) {
	t.Parallel()
	rep := New(Config{URL: "http://127.0.0.1:1/daily", RequestTimeout: time.Second}, nil, logx.Nop())
	err := rep.Run(context.Background())
	if err == nil {
		t.Fatal("unreachable endpoint accepted")
	}
	if substrate.IsNoRetry(err) {
		t.Fatalf("transport error marked permanent: %v", err)
	}
}
