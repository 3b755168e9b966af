package config

import (
	"fmt"
	"strings"
	"time"

	"dailychain/internal/clock"
)

type Config struct {
	Schedule  ScheduleConfig  `json:"schedule"`
	Collector CollectorConfig `json:"collector"`
	Ledger    LedgerConfig    `json:"ledger"`
	Health    HealthConfig    `json:"health,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Diag      DiagConfig      `json:"diag,omitempty"`
}

// ScheduleConfig controls the daily trigger.
type ScheduleConfig struct {
	// Target is the daily fire time as "HH:MM". Default "23:59".
	Target string `json:"target"`

	// Timezone the target is evaluated in (IANA name). Empty means the
	// system local zone.
	Timezone string `json:"timezone,omitempty"`

	// TaskID overrides the logical trigger identity. Rarely needed.
	TaskID string `json:"task_id,omitempty"`
}

// CollectorConfig controls the daily report delivery.
//
// All durations are Go duration strings (e.g. "30s", "15m").
type CollectorConfig struct {
	// URL the daily report is POSTed to.
	URL string `json:"url"`

	// Timeout bounds one whole delivery attempt cycle, retries included.
	// "0s" disables. Default "2h".
	Timeout string `json:"timeout,omitempty"`

	// RequestTimeout bounds a single HTTP request. Default "1m".
	RequestTimeout string `json:"request_timeout,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	// Retry of transient delivery failures within one firing.
	RetryMax      int    `json:"retry_max,omitempty"`       // default 2
	RetryBase     string `json:"retry_base,omitempty"`      // default "15m"
	RetryMaxDelay string `json:"retry_max_delay,omitempty"` // default "30m"
}

// LedgerConfig controls the execution ledger backend.
type LedgerConfig struct {
	// Driver: "file", "sqlite", or "none"/empty to disable.
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite, Go duration string
	HistorySize int    `json:"history_size,omitempty"`
}

// HealthConfig controls the liveness monitor and its watchdog sweep.
type HealthConfig struct {
	WarnAfter    string `json:"warn_after,omitempty"`    // default "26h"
	ProblemAfter string `json:"problem_after,omitempty"` // default "48h"

	// WatchdogSpec is a cron spec for the periodic sweep. Default "@every 1h".
	WatchdogSpec string `json:"watchdog_spec,omitempty"`
	AutoReset    bool   `json:"auto_reset,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DiagConfig controls the local operator HTTP endpoints.
type DiagConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"` // default "127.0.0.1:7611"
	Pprof   bool   `json:"pprof,omitempty"`
}

// Validate rejects configs that would only fail later at arm or fire
// time: bad target syntax, unknown timezones, malformed durations.
func (c *Config) Validate() error {
	target := strings.TrimSpace(c.Schedule.Target)
	if target != "" {
		if _, err := clock.ParseTimeOfDay(target); err != nil {
			return fmt.Errorf("schedule.target: %w", err)
		}
	}
	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.timezone: %w", err)
		}
	}
	if strings.TrimSpace(c.Collector.URL) == "" {
		return fmt.Errorf("collector.url: required")
	}
	for path, raw := range map[string]string{
		"collector.timeout":         c.Collector.Timeout,
		"collector.request_timeout": c.Collector.RequestTimeout,
		"collector.retry_base":      c.Collector.RetryBase,
		"collector.retry_max_delay": c.Collector.RetryMaxDelay,
		"ledger.busy_timeout":       c.Ledger.BusyTimeout,
		"health.warn_after":         c.Health.WarnAfter,
		"health.problem_after":      c.Health.ProblemAfter,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	switch d := strings.TrimSpace(strings.ToLower(c.Ledger.Driver)); d {
	case "", "none", "file", "sqlite":
	default:
		return fmt.Errorf("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}
	return nil
}

// ParseDurationField parses a Go duration string from the config. Empty
// means zero (the caller applies its own default); negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for an empty or zero field.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// Target returns the parsed daily fire time, defaulting to 23:59.
func (c *Config) Target() (clock.TimeOfDay, error) {
	s := strings.TrimSpace(c.Schedule.Target)
	if s == "" {
		return clock.TimeOfDay{Hour: 23, Minute: 59}, nil
	}
	return clock.ParseTimeOfDay(s)
}

// Location returns the configured schedule calendar, defaulting to Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Schedule.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
