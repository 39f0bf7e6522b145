// Package policy decides how risky a requested action is.
//
// Classification is table-driven per action kind and yields one of three
// verdicts: allow, require confirmation, or deny. The engine is pure: it
// never touches storage or the network, so the same input always yields
// the same verdict.
package policy

import (
	"fmt"

	"github.com/mbd888/botadmin/internal/rbac"
)

// Verdict is the outcome of classifying an action.
type Verdict string

const (
	Allow               Verdict = "allow"
	RequireConfirmation Verdict = "requires_confirmation"
	Deny                Verdict = "deny"
)

// Decision carries the verdict and a human-readable reason for anything
// other than a plain allow.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Input is the policy-relevant slice of an action request.
type Input struct {
	Kind rbac.ActionKind

	// Adjust-balance only.
	AmountKopeks int64
	// CurrentBalanceKopeks is the target's balance before the adjustment,
	// when the caller knows it. Nil means unknown.
	CurrentBalanceKopeks *int64

	// Extend-subscription and sync only. Zero means single target.
	BatchSize int
}

// Config holds the tunable risk thresholds.
type Config struct {
	// Hard limit: an adjustment may not push a known balance below
	// -BalanceFloorKopeks.
	BalanceFloorKopeks int64
	// Soft limit: adjustments with |amount| at or above this require
	// confirmation.
	BalanceConfirmThresholdKopeks int64
	// When false, block/unblock proceed without confirmation.
	RequireBlockConfirmation bool
	// Batch operations touching more targets than this require
	// confirmation. Zero disables the batch rule.
	BatchConfirmSize int
}

// Engine classifies action requests against the configured thresholds.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Classify returns the risk decision for one action. It assumes the input
// already passed shape validation.
func (e *Engine) Classify(in Input) Decision {
	switch in.Kind {
	case rbac.ActionAdjustBalance:
		return e.classifyBalance(in)
	case rbac.ActionBlockUser, rbac.ActionUnblockUser:
		if e.cfg.RequireBlockConfirmation {
			return Decision{
				Verdict: RequireConfirmation,
				Reason:  "changing a user's access status requires confirmation",
			}
		}
		return Decision{Verdict: Allow}
	case rbac.ActionExtendSubscription, rbac.ActionSyncRemote:
		return e.classifyBatch(in)
	default:
		return Decision{
			Verdict: Deny,
			Reason:  fmt.Sprintf("unknown action kind %q", in.Kind),
		}
	}
}

func (e *Engine) classifyBalance(in Input) Decision {
	if in.CurrentBalanceKopeks != nil {
		resulting := *in.CurrentBalanceKopeks + in.AmountKopeks
		if resulting < -e.cfg.BalanceFloorKopeks {
			return Decision{
				Verdict: Deny,
				Reason: fmt.Sprintf("resulting balance %d kopeks is below the floor of %d",
					resulting, -e.cfg.BalanceFloorKopeks),
			}
		}
	}
	if abs := absKopeks(in.AmountKopeks); e.cfg.BalanceConfirmThresholdKopeks > 0 &&
		abs >= e.cfg.BalanceConfirmThresholdKopeks {
		return Decision{
			Verdict: RequireConfirmation,
			Reason: fmt.Sprintf("adjustment of %d kopeks meets the confirmation threshold of %d",
				abs, e.cfg.BalanceConfirmThresholdKopeks),
		}
	}
	return Decision{Verdict: Allow}
}

func (e *Engine) classifyBatch(in Input) Decision {
	if e.cfg.BatchConfirmSize > 0 && in.BatchSize > e.cfg.BatchConfirmSize {
		return Decision{
			Verdict: RequireConfirmation,
			Reason: fmt.Sprintf("batch of %d targets exceeds the unconfirmed limit of %d",
				in.BatchSize, e.cfg.BatchConfirmSize),
		}
	}
	return Decision{Verdict: Allow}
}

func absKopeks(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
