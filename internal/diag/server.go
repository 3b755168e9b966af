// Package diag serves the local operator endpoints: health reports, the
// manual reset, execution history and optional pprof. Loopback only by
// default; there is no auth.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"time"

	"dailychain/internal/health"
	"dailychain/internal/ledger"
	logx "dailychain/pkg/logx"

	"golang.org/x/time/rate"
)

type Config struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Pprof   bool   `json:"pprof"`
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "127.0.0.1:7611"
	}
	return c
}

// HistorySource is the slice of the ledger the /history endpoint reads.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]ledger.ExecutionRecord, error)
}

// Server manages lifecycle for the diagnostics HTTP listener.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	mon  *health.Monitor
	hist HistorySource // may be nil (ledger disabled)
	srv  *http.Server
	ln   net.Listener
	addr string

	// applied is the config the running listener was built from; any
	// change (address, pprof) restarts the listener on the next Apply.
	applied Config

	// Resets re-arm the chain; a stuck curl loop should not turn into a
	// generation storm.
	resetLimit *rate.Limiter
}

func New(mon *health.Monitor, hist HistorySource, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		log:        log,
		mon:        mon,
		hist:       hist,
		resetLimit: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

// Apply starts or stops the server according to cfg. Safe to call again on
// config reload; an address or pprof change restarts the listener.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && cfg == s.applied {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/history", s.handleHistory)
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		s.log.Warn("diag listen failed", logx.String("addr", cfg.Address), logx.Any("err", err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()
	s.applied = cfg

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("diag server error", logx.Any("err", err))
		}
	}()
	s.log.Info("diag server listening", logx.String("addr", s.addr), logx.Bool("pprof", cfg.Pprof))
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	ln := s.ln
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""
	s.applied = Config{}

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("diag shutdown error", logx.String("addr", addr), logx.Any("err", err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("diag server stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.mon.Describe(r.Context()))
}

// handleHealthz is the probe endpoint: 200 unless the chain has a problem.
// A warning still returns 200 so a merely-late collector does not flap
// process supervisors; /status carries the distinction.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rep := s.mon.Describe(r.Context())
	code := http.StatusOK
	if rep.Status == health.StatusProblem {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(rep.Status)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.resetLimit.Allow() {
		http.Error(w, "too many resets", http.StatusTooManyRequests)
		return
	}
	target, err := s.mon.Reset(r.Context())
	if err != nil {
		s.log.Error("manual reset failed", logx.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	s.log.Warn("manual reset via diag endpoint", logx.Time("target", target), logx.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "next_target": target})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.hist == nil {
		writeJSON(w, http.StatusOK, []ledger.ExecutionRecord{})
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.hist.History(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []ledger.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
