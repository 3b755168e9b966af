package substrate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	logx "dailychain/pkg/logx"
)

// RetryPolicy is the substrate-owned retry behavior for the action run at
// fire time. The chain itself never retries; it records whatever outcome
// survives this policy and moves on to the next day.
type RetryPolicy struct {
	Max      int           // additional attempts after the first (default 2)
	Base     time.Duration // first backoff delay (default 15m)
	MaxDelay time.Duration // backoff cap (default 30m)
	Jitter   float64       // 0.2 = 20%
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max <= 0 {
		p.Max = 2
	}
	if p.Base <= 0 {
		p.Base = 15 * time.Minute
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Minute
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Wrap returns a run function that applies the policy: transient failures
// back off exponentially (with jitter) between Base and MaxDelay before the
// next attempt; NoRetry-wrapped failures stop immediately.
func (p RetryPolicy) Wrap(log logx.Logger, run func(ctx context.Context) error) func(ctx context.Context) error {
	p = p.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context) error {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		var err error
		maxAttempts := 1 + p.Max
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err = run(ctx)
			if err == nil {
				return nil
			}
			var nr noRetryError
			if errors.As(err, &nr) {
				return nr.err
			}
			if attempt >= maxAttempts {
				break
			}

			delay := p.backoff(attempt, rng)
			log.Debug("action retry scheduled",
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay),
				logx.Any("err", err),
			)
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err()
			case <-tmr.C:
			}
		}
		return err
	}
}

func (p RetryPolicy) backoff(retry int, rng *rand.Rand) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// NoRetry marks an error as permanent so the policy fails fast instead of
// burning the backoff window (e.g. invalid credentials).
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
