package substrate

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	logx "dailychain/pkg/logx"
)

var ErrStopped = errors.New("substrate stopped")

// Timers is the in-process substrate: one time.AfterFunc per logical task,
// with a per-task version counter so callbacks from a replaced timer are
// ignored even when Timer.Stop loses the race with an in-flight firing.
//
// Durability across process death comes from the ledger, not from here:
// the app re-arms from persisted state at startup.
type Timers struct {
	mu  sync.Mutex
	log logx.Logger

	ctx     context.Context
	timers  map[string]*time.Timer
	vers    map[string]uint64
	stopped bool
}

func NewTimers(log logx.Logger) *Timers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Timers{
		log:    log,
		ctx:    context.Background(),
		timers: map[string]*time.Timer{},
		vers:   map[string]uint64{},
	}
}

// Start installs the context passed to fire callbacks.
func (t *Timers) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.ctx = ctx
	t.stopped = false
	t.mu.Unlock()
}

// Stop cancels all pending triggers. Further Submits are rejected.
func (t *Timers) Stop(ctx context.Context) {
	_ = ctx
	t.mu.Lock()
	for id, tmr := range t.timers {
		_ = tmr.Stop()
		delete(t.timers, id)
	}
	t.stopped = true
	t.mu.Unlock()
	t.log.Debug("timer substrate stopped")
}

func (t *Timers) Submit(taskID string, delay time.Duration, generation uint64, fire FireFunc) (Handle, error) {
	if fire == nil {
		return nil, errors.New("fire callback required")
	}
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil, ErrStopped
	}
	// Upsert: stop any pending trigger for this task.
	if prev, ok := t.timers[taskID]; ok {
		_ = prev.Stop()
		delete(t.timers, taskID)
	}
	ver := t.vers[taskID] + 1
	t.vers[taskID] = ver

	ctx := t.ctx
	tmr := time.AfterFunc(delay, func() {
		// A replaced or cancelled trigger must not fire.
		t.mu.Lock()
		if t.vers[taskID] != ver || t.stopped {
			t.mu.Unlock()
			return
		}
		delete(t.timers, taskID)
		t.mu.Unlock()

		// Guard against executor panics so one bad firing can't kill the
		// timer goroutine pool.
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("trigger callback panicked",
					logx.String("task", taskID),
					logx.Uint64("generation", generation),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		fire(ctx, generation)
	})
	t.timers[taskID] = tmr
	t.mu.Unlock()

	t.log.Debug("trigger armed",
		logx.String("task", taskID),
		logx.Uint64("generation", generation),
		logx.Duration("delay", delay),
	)
	return &timerHandle{t: t, taskID: taskID, ver: ver}, nil
}

func (t *Timers) Cancel(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(taskID, t.vers[taskID])
}

func (t *Timers) cancelLocked(taskID string, ver uint64) bool {
	if t.vers[taskID] != ver {
		return false
	}
	tmr, ok := t.timers[taskID]
	if !ok {
		return false
	}
	_ = tmr.Stop()
	delete(t.timers, taskID)
	// Bump the version so a firing that already escaped Timer.Stop is dropped.
	t.vers[taskID] = ver + 1
	return true
}

// Pending reports whether a trigger is armed for the task.
func (t *Timers) Pending(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[taskID]
	return ok
}

type timerHandle struct {
	t      *Timers
	taskID string
	ver    uint64
}

func (h *timerHandle) Cancel() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.t.cancelLocked(h.taskID, h.ver)
}
