package csrf

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically drops expired consumed-nonce bookkeeping so the
// replay map cannot grow unbounded.
type Timer struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new nonce sweeper.
func NewTimer(manager *Manager, logger *slog.Logger) *Timer {
	return &Timer{
		manager:  manager,
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
			if removed := t.manager.Sweep(); removed > 0 {
				t.logger.Debug("swept consumed anti-forgery nonces", "removed", removed)
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
