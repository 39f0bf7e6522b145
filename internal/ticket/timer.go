package ticket

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically removes expired tickets from the store.
type Timer struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new ticket expiry sweeper.
func NewTimer(store Store, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		interval: time.Minute,
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
			t.sweep(ctx)
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

func (t *Timer) sweep(ctx context.Context) {
	removed, err := t.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		t.logger.Error("ticket sweep failed", "error", err)
		return
	}
	if removed > 0 {
		t.logger.Debug("swept expired confirmation tickets", "removed", removed)
	}
}
