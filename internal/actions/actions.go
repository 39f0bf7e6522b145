// Package actions orchestrates the execution of admin-triggered remote
// actions.
//
// An action request passes through permission, replay, risk, and throttle
// checks before anything is sent to the remote bot, and every terminal
// outcome lands in the audit trail before the caller hears about it. The
// orchestrator in this package is the only component allowed to call the
// remote client.
package actions

import (
	"fmt"
	"time"

	"github.com/mbd888/botadmin/internal/botapi"
	"github.com/mbd888/botadmin/internal/rbac"
	"github.com/mbd888/botadmin/internal/ticket"
)

// Status of a processed action request.
type Status string

const (
	StatusDone                 Status = "done"
	StatusConfirmationRequired Status = "confirmation_required"
	StatusRejected             Status = "rejected"
	StatusFailed               Status = "failed"
)

// ErrorKind classifies why a request was rejected or failed.
type ErrorKind string

const (
	ErrorInvalidRequest    ErrorKind = "invalid_request"
	ErrorForbidden         ErrorKind = "forbidden"
	ErrorPolicyDenied      ErrorKind = "policy_denied"
	ErrorRateLimited       ErrorKind = "rate_limited"
	ErrorRemoteUnreachable ErrorKind = "remote_unreachable"
	ErrorRemoteRejected    ErrorKind = "remote_rejected"
	ErrorAuditWriteFailed  ErrorKind = "audit_write_failed"
	ErrorInternal          ErrorKind = "internal"
)

// Request is one attempted operation as submitted by an operator.
type Request struct {
	Kind   rbac.ActionKind `json:"kind"`
	Target string          `json:"target,omitempty"`
	Params map[string]any  `json:"params,omitempty"`

	// TicketID plus Confirm resubmit a previously flagged request.
	TicketID string `json:"ticket_id,omitempty"`
	Confirm  bool   `json:"confirm,omitempty"`
}

// Outcome is the terminal (or suspended) result of processing a request.
type Outcome struct {
	Status     Status
	Result     botapi.Result
	Ticket     *ticket.Ticket
	ErrorKind  ErrorKind
	Reason     string
	RetryAfter time.Duration
	AuditID    string
}

// Sync modes accepted by the sync_remote action.
const (
	SyncModeToPanel       = "to-panel"
	SyncModeFromPanelAll  = "from-panel-all"
	SyncModeFromPanelUpd  = "from-panel-update"
	SyncModeSubscriptions = "sync-statuses"
)

var syncModes = map[string]bool{
	SyncModeToPanel:       true,
	SyncModeFromPanelAll:  true,
	SyncModeFromPanelUpd:  true,
	SyncModeSubscriptions: true,
}

// Parameter schema per action kind. Validation rejects unknown keys, so a
// typo'd field never silently reaches the remote API.
var paramSchema = map[rbac.ActionKind]struct {
	required []string
	optional []string
}{
	rbac.ActionExtendSubscription: {
		required: []string{"days"},
		optional: []string{"batch_size"},
	},
	rbac.ActionAdjustBalance: {
		required: []string{"amount_kopeks"},
		optional: []string{"description", "create_transaction", "current_balance_kopeks"},
	},
	rbac.ActionBlockUser:   {},
	rbac.ActionUnblockUser: {},
	rbac.ActionSyncRemote: {
		required: []string{"mode"},
		optional: []string{"batch_size"},
	},
}

// Validate checks the request shape: known kind, target where the kind
// needs one, and parameters matching the kind's schema.
func (r *Request) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown action kind %q", r.Kind)
	}

	schema := paramSchema[r.Kind]
	allowed := make(map[string]bool, len(schema.required)+len(schema.optional))
	for _, k := range schema.required {
		allowed[k] = true
		if _, ok := r.Params[k]; !ok {
			return fmt.Errorf("%s: missing required parameter %q", r.Kind, k)
		}
	}
	for _, k := range schema.optional {
		allowed[k] = true
	}
	for k := range r.Params {
		if !allowed[k] {
			return fmt.Errorf("%s: unknown parameter %q", r.Kind, k)
		}
	}

	switch r.Kind {
	case rbac.ActionExtendSubscription:
		if _, err := r.TargetID(); err != nil {
			return err
		}
		days, err := intParam(r.Params, "days")
		if err != nil {
			return err
		}
		if days < 1 {
			return fmt.Errorf("days must be at least 1, got %d", days)
		}
	case rbac.ActionAdjustBalance:
		if _, err := r.TargetID(); err != nil {
			return err
		}
		amount, err := intParam(r.Params, "amount_kopeks")
		if err != nil {
			return err
		}
		if amount == 0 {
			return fmt.Errorf("amount_kopeks must be non-zero")
		}
		if v, ok := r.Params["description"]; ok {
			if _, isString := v.(string); !isString {
				return fmt.Errorf("description must be a string")
			}
		}
		if v, ok := r.Params["create_transaction"]; ok {
			if _, isBool := v.(bool); !isBool {
				return fmt.Errorf("create_transaction must be a boolean")
			}
		}
	case rbac.ActionBlockUser, rbac.ActionUnblockUser:
		if _, err := r.TargetID(); err != nil {
			return err
		}
	case rbac.ActionSyncRemote:
		mode, _ := r.Params["mode"].(string)
		if !syncModes[mode] {
			return fmt.Errorf("mode must be one of to-panel, from-panel-all, from-panel-update, sync-statuses")
		}
	}

	if _, ok := r.Params["batch_size"]; ok {
		size, err := intParam(r.Params, "batch_size")
		if err != nil {
			return err
		}
		if size < 1 {
			return fmt.Errorf("batch_size must be at least 1, got %d", size)
		}
	}
	return nil
}

// TargetID parses the target as a positive entity id.
func (r *Request) TargetID() (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(r.Target, "%d", &id); err != nil || id < 1 {
		return 0, fmt.Errorf("%s: target must be a positive entity id, got %q", r.Kind, r.Target)
	}
	return id, nil
}

// BatchSize returns the requested batch size, zero when absent.
func (r *Request) BatchSize() int {
	size, err := intParam(r.Params, "batch_size")
	if err != nil {
		return 0
	}
	return int(size)
}

// AmountKopeks returns the signed balance delta for adjust_balance.
func (r *Request) AmountKopeks() int64 {
	amount, _ := intParam(r.Params, "amount_kopeks")
	return amount
}

// CurrentBalanceKopeks returns the caller-supplied balance hint, nil when
// absent.
func (r *Request) CurrentBalanceKopeks() *int64 {
	if _, ok := r.Params["current_balance_kopeks"]; !ok {
		return nil
	}
	v, err := intParam(r.Params, "current_balance_kopeks")
	if err != nil {
		return nil
	}
	return &v
}

// intParam reads a numeric parameter. JSON decoding yields float64, tests
// and internal callers may pass int or int64.
func intParam(params map[string]any, key string) (int64, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
