// Package audit keeps the append-only trail of action outcomes.
//
// Every terminal outcome of an action request (success, rejection, or
// failure) produces exactly one record. Records are written synchronously
// on the request path before the outcome is reported to the caller, and
// are never updated or deleted afterwards.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/mbd888/botadmin/internal/idgen"
	"github.com/mbd888/botadmin/internal/rbac"
)

// Outcome is the terminal result of an action request.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

// Record is one immutable audit entry.
type Record struct {
	ID        string          `json:"id"`
	Time      time.Time       `json:"time"`
	AdminID   int64           `json:"admin_id"`
	Action    rbac.ActionKind `json:"action"`
	Target    string          `json:"target,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Outcome   Outcome         `json:"outcome"`
	ResultRef string          `json:"result_ref,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	IP        string          `json:"ip,omitempty"`
}

// NewRecord creates a record with a fresh id and timestamp. Params are
// redacted before storage.
func NewRecord(adminID int64, action rbac.ActionKind, target string, params map[string]any) *Record {
	return &Record{
		ID:      idgen.WithPrefix("act_"),
		Time:    time.Now().UTC(),
		AdminID: adminID,
		Action:  action,
		Target:  target,
		Params:  RedactParams(params),
	}
}

// Query filters an audit listing. Zero fields match everything.
type Query struct {
	AdminID int64
	Action  rbac.ActionKind
	Outcome Outcome
	Limit   int
	Cursor  string
}

// Logger records and lists audit entries. Record must persist before
// returning: a nil error is the caller's license to report the outcome.
type Logger interface {
	Record(ctx context.Context, r *Record) error
	// Query returns records newest first plus an opaque cursor for the
	// next page ("" when exhausted).
	Query(ctx context.Context, q Query) ([]*Record, string, error)
}

// Keys whose values never reach storage.
var sensitiveKeys = []string{"token", "password", "secret", "api_key", "session"}

const maxStoredString = 256

// RedactParams serializes parameters for storage, masking credential-like
// keys and truncating oversized strings.
func RedactParams(params map[string]any) json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	clean := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			clean[k] = "[redacted]"
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxStoredString {
			clean[k] = s[:maxStoredString] + "…"
			continue
		}
		clean[k] = v
	}
	raw, err := json.Marshal(clean)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
