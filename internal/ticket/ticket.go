// Package ticket manages single-use confirmation tickets.
//
// When the policy engine flags an action as risky, the orchestrator issues
// a ticket bound to the exact request (admin, kind, target, parameters)
// and hands it back to the caller. Execution only proceeds when the caller
// resubmits with the ticket, and consumption is atomic: of two racing
// submissions carrying the same ticket, exactly one wins.
package ticket

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/botadmin/internal/idgen"
	"github.com/mbd888/botadmin/internal/rbac"
)

var (
	ErrNotFound = errors.New("confirmation ticket not found")
	ErrExpired  = errors.New("confirmation ticket expired")
	ErrMismatch = errors.New("confirmation ticket does not match this request")
)

// Ticket binds one pending action request to a short-lived token.
type Ticket struct {
	ID          string          `json:"id"`
	AdminID     int64           `json:"admin_id"`
	Kind        rbac.ActionKind `json:"kind"`
	Fingerprint string          `json:"-"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the ticket is past its window at the given time.
func (t *Ticket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Fingerprint derives the request identity a ticket is bound to. Parameter
// maps serialize with sorted keys, so semantically equal requests always
// produce the same digest.
func Fingerprint(adminID int64, kind rbac.ActionKind, target string, params map[string]any) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		canonical = []byte("{}")
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00", adminID, kind, target)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Store persists tickets. Consume must be atomic compare-and-delete.
type Store interface {
	Create(ctx context.Context, t *Ticket) error
	// Consume removes and returns the ticket iff it exists, is not
	// expired, and its fingerprint matches. A mismatched fingerprint
	// leaves the ticket in place.
	Consume(ctx context.Context, id, fingerprint string) (*Ticket, error)
	// DeleteExpired removes tickets whose window closed before the
	// given time, returning how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Service issues and consumes tickets against a store.
type Service struct {
	store Store
	ttl   time.Duration
}

// NewService creates a ticket service. ttl bounds how long an issued
// ticket stays consumable.
func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{store: store, ttl: ttl}
}

// Issue creates a ticket bound to the given request.
func (s *Service) Issue(ctx context.Context, adminID int64, kind rbac.ActionKind, target, reason string, params map[string]any) (*Ticket, error) {
	now := time.Now().UTC()
	t := &Ticket{
		ID:          idgen.WithPrefix("cft_"),
		AdminID:     adminID,
		Kind:        kind,
		Fingerprint: Fingerprint(adminID, kind, target, params),
		Reason:      reason,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return t, nil
}

// Consume validates and atomically spends the ticket for the given request.
func (s *Service) Consume(ctx context.Context, id string, adminID int64, kind rbac.ActionKind, target string, params map[string]any) error {
	_, err := s.store.Consume(ctx, id, Fingerprint(adminID, kind, target, params))
	return err
}
