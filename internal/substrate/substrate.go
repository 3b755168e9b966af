// Package substrate defines the one-shot trigger port the chain arms its
// daily firing on, plus an in-process timer implementation of it.
//
// The port is deliberately narrow so a platform-durable job runner (one
// that persists timers across process death and applies network/battery
// constraints) can be swapped in behind it without touching the chain.
package substrate

import (
	"context"
	"time"
)

// FireFunc is invoked when an armed trigger elapses. The generation is the
// value the trigger was armed with; the executor uses it to reject stale
// deliveries.
type FireFunc func(ctx context.Context, generation uint64)

// Handle refers to one armed trigger.
//
// Cancel reports whether the trigger was still pending. Cancelling an
// already-fired or already-cancelled trigger is a no-op.
type Handle interface {
	Cancel() bool
}

// Substrate arms one-shot triggers keyed by logical task id.
//
// Submit replaces any pending trigger for the same task id (upsert), so at
// most one trigger per task is ever armed. Cancel(taskID) cancels the
// pending trigger for the task, if any.
type Substrate interface {
	Submit(taskID string, delay time.Duration, generation uint64, fire FireFunc) (Handle, error)
	Cancel(taskID string) bool
}
