// Package collector delivers the end-of-day report. It is the action the
// daily trigger runs; the scheduler only cares that Run returns an error
// or nil.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"dailychain/internal/ledger"
	"dailychain/internal/substrate"
	logx "dailychain/pkg/logx"
)

type Config struct {
	URL            string
	RequestTimeout time.Duration // per HTTP request, default 1m
	Headers        map[string]string
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Minute
	}
	return c
}

// Report is the payload POSTed once per day.
type Report struct {
	Date        string                   `json:"date"` // local calendar day, YYYY-MM-DD
	GeneratedAt time.Time                `json:"generated_at"`
	Host        string                   `json:"host,omitempty"`
	Recent      []ledger.ExecutionRecord `json:"recent,omitempty"`
}

// HistorySource supplies recent outcomes for the report body. May be nil.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]ledger.ExecutionRecord, error)
}

type Reporter struct {
	cfg    Config
	client *http.Client
	hist   HistorySource
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, hist HistorySource, log logx.Logger) *Reporter {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		hist:   hist,
		log:    log,
		now:    time.Now,
	}
}

// Run builds and delivers one report. Implements the chain action.
//
// 4xx responses are marked permanent (substrate.NoRetry): the payload or
// credentials are wrong and retrying the same request cannot help. 5xx
// and transport errors stay transient.
func (r *Reporter) Run(ctx context.Context) error {
	now := r.now()
	rep := Report{
		Date:        now.Format("2006-01-02"),
		GeneratedAt: now.UTC(),
	}
	if host, err := os.Hostname(); err == nil {
		rep.Host = host
	}
	if r.hist != nil {
		recent, err := r.hist.History(ctx, 7)
		if err != nil {
			// Report still goes out; it is just thinner.
			r.log.Warn("history unavailable for report", logx.Any("err", err))
		} else {
			rep.Recent = recent
		}
	}

	body, err := json.Marshal(rep)
	if err != nil {
		return substrate.NoRetry(fmt.Errorf("encode report: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return substrate.NoRetry(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.cfg.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver report: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		r.log.Info("report delivered",
			logx.String("date", rep.Date),
			logx.Int("status", resp.StatusCode),
			logx.Duration("dur", time.Since(start)),
		)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return substrate.NoRetry(fmt.Errorf("deliver report: endpoint rejected with %s", resp.Status))
	default:
		return fmt.Errorf("deliver report: endpoint returned %s", resp.Status)
	}
}
