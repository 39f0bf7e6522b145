// Package throttle bounds how many actions one admin may execute per
// window.
//
// This is the action-level guard, separate from the ambient per-IP rate
// limiting on the HTTP surface. Windows are fixed: the first admitted
// action opens a window, and once the per-window limit is reached further
// attempts are rejected with a retry hint until the window rolls over.
// Rejected attempts never consume a slot.
package throttle

import (
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/botadmin/internal/syncutil"
)

// Guard is a per-identity fixed-window admission counter. Safe for
// concurrent use; unrelated identities never contend on the same lock
// beyond shard collisions.
type Guard struct {
	limit  int
	window time.Duration

	locks syncutil.ShardedMutex

	mu      sync.RWMutex
	windows map[int64]*entry
}

type entry struct {
	start time.Time
	count int
}

// NewGuard creates a guard admitting limit actions per window for each
// identity. A non-positive limit disables throttling.
func NewGuard(limit int, window time.Duration) *Guard {
	if window <= 0 {
		window = time.Minute
	}
	return &Guard{
		limit:   limit,
		window:  window,
		windows: make(map[int64]*entry),
	}
}

// Admit reports whether the identity may execute another action now. When
// the answer is no, retryAfter is how long until the window rolls over.
// Admission consumes one slot; rejection consumes none.
func (g *Guard) Admit(adminID int64) (ok bool, retryAfter time.Duration) {
	if g.limit <= 0 {
		return true, 0
	}

	unlock := g.locks.Lock(strconv.FormatInt(adminID, 10))
	defer unlock()

	e := g.entryFor(adminID)
	now := time.Now()
	if now.Sub(e.start) >= g.window {
		e.start = now
		e.count = 0
	}
	if e.count >= g.limit {
		return false, e.start.Add(g.window).Sub(now)
	}
	e.count++
	return true, 0
}

func (g *Guard) entryFor(adminID int64) *entry {
	g.mu.RLock()
	e, ok := g.windows[adminID]
	g.mu.RUnlock()
	if ok {
		return e
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.windows[adminID]; ok {
		return e
	}
	e = &entry{}
	g.windows[adminID] = e
	return e
}

// Sweep drops windows that have been idle for at least two window lengths.
// Returns how many were removed.
func (g *Guard) Sweep() int {
	g.mu.RLock()
	ids := make([]int64, 0, len(g.windows))
	for id := range g.windows {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	cutoff := 2 * g.window
	removed := 0
	for _, id := range ids {
		unlock := g.locks.Lock(strconv.FormatInt(id, 10))
		g.mu.Lock()
		if e, ok := g.windows[id]; ok && time.Since(e.start) >= cutoff {
			delete(g.windows, id)
			removed++
		}
		g.mu.Unlock()
		unlock()
	}
	return removed
}
