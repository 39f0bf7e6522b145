package throttle

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically drops idle throttle windows.
type Timer struct {
	guard    *Guard
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new idle-window sweeper.
func NewTimer(guard *Guard, logger *slog.Logger) *Timer {
	return &Timer{
		guard:    guard,
		interval: 5 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if removed := t.guard.Sweep(); removed > 0 {
				t.logger.Debug("swept idle throttle windows", "removed", removed)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
