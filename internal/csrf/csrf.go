// Package csrf implements HMAC-signed, single-use replay tokens.
//
// A token is base64url(timestamp ‖ nonce ‖ signature) where the signature
// is HMAC-SHA256 over the timestamp, the nonce, and the session ID the
// token was issued for. Binding the session ID into the MAC means a token
// leaked from one operator's browser is useless in another's session.
// Each token is consumed atomically on first successful validation, so a
// replayed token is rejected even inside its lifetime.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrMissing   = errors.New("csrf token required")
	ErrMalformed = errors.New("malformed csrf token")
	ErrMismatch  = errors.New("csrf token signature mismatch")
	ErrExpired   = errors.New("csrf token expired")
	ErrReplayed  = errors.New("csrf token already used")
)

const (
	tsLen    = 8
	nonceLen = 16
	sigLen   = sha256.Size
	tokenLen = tsLen + nonceLen + sigLen
)

// Manager issues and validates replay tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration

	mu       sync.Mutex
	consumed map[string]time.Time // nonce hex -> token expiry
}

// NewManager creates a token manager. ttl bounds the token lifetime.
func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{
		secret:   []byte(secret),
		ttl:      ttl,
		consumed: make(map[string]time.Time),
	}
}

// Issue generates a fresh token bound to the given session ID.
func (m *Manager) Issue(sessionID string) string {
	payload := make([]byte, tsLen+nonceLen)
	binary.BigEndian.PutUint64(payload[:tsLen], uint64(time.Now().Unix()))
	if _, err := rand.Read(payload[tsLen:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	token := append(payload, m.sign(payload, sessionID)...)
	return base64.URLEncoding.EncodeToString(token)
}

// Validate checks the token's format, signature, and age, then consumes
// its nonce. Exactly one of two concurrent validations of the same token
// succeeds; the loser gets ErrReplayed.
func (m *Manager) Validate(token, sessionID string) error {
	if token == "" {
		return ErrMissing
	}

	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenLen {
		return ErrMalformed
	}

	payload := raw[:tsLen+nonceLen]
	sig := raw[tsLen+nonceLen:]
	want := m.sign(payload, sessionID)
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return ErrMismatch
	}

	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(payload[:tsLen])), 0)
	expiresAt := issuedAt.Add(m.ttl)
	if time.Now().After(expiresAt) {
		return ErrExpired
	}

	return m.consume(string(payload[tsLen:]), expiresAt)
}

// consume marks the nonce used. Returns ErrReplayed if it already was.
func (m *Manager) consume(nonce string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.consumed[nonce]; used {
		return ErrReplayed
	}
	m.consumed[nonce] = expiresAt
	return nil
}

// Sweep drops consumed-nonce bookkeeping for tokens that have expired
// anyway. Returns the number of entries removed.
func (m *Manager) Sweep() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for nonce, expiresAt := range m.consumed {
		if now.After(expiresAt) {
			delete(m.consumed, nonce)
			removed++
		}
	}
	return removed
}

func (m *Manager) sign(payload []byte, sessionID string) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	h.Write([]byte(sessionID))
	return h.Sum(nil)
}
