package actions

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/botadmin/internal/audit"
	"github.com/mbd888/botadmin/internal/botapi"
	"github.com/mbd888/botadmin/internal/csrf"
	"github.com/mbd888/botadmin/internal/identity"
	"github.com/mbd888/botadmin/internal/logging"
	"github.com/mbd888/botadmin/internal/metrics"
	"github.com/mbd888/botadmin/internal/policy"
	"github.com/mbd888/botadmin/internal/rbac"
	"github.com/mbd888/botadmin/internal/throttle"
	"github.com/mbd888/botadmin/internal/ticket"
	"github.com/mbd888/botadmin/internal/traces"
)

// ErrUnconfirmedOutcome signals that the audit write failed after the
// action was dispatched. The caller must not treat the action as done or
// as not-done; the remote side may or may not have applied it.
var ErrUnconfirmedOutcome = errors.New("action outcome could not be recorded; treat as unconfirmed")

var (
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botadmin",
		Subsystem: "actions",
		Name:      "processed_total",
		Help:      "Processed action requests by kind and status.",
	}, []string{"kind", "status"})
	actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "botadmin",
		Subsystem: "actions",
		Name:      "duration_seconds",
		Help:      "End-to-end action processing time by kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(actionsTotal, actionDuration)
}

// Processing states, in request order. They exist for observability: every
// transition is logged at debug with the request id.
type state string

const (
	stateReceived             state = "received"
	stateAuthorized           state = "authorized"
	statePolicyChecked        state = "policy_checked"
	stateAwaitingConfirmation state = "awaiting_confirmation"
	stateThrottled            state = "throttled"
	stateRemoteInvoked        state = "remote_invoked"
	stateAudited              state = "audited"
)

// RemoteClient is the slice of the bot API the orchestrator dispatches to.
type RemoteClient interface {
	ExtendSubscription(ctx context.Context, subscriptionID int64, days int) (botapi.Result, error)
	UpdateBalance(ctx context.Context, userID, amountKopeks int64, description string, createTransaction bool) (botapi.Result, error)
	UpdateUserStatus(ctx context.Context, userID int64, status string) (botapi.Result, error)
	SyncToPanel(ctx context.Context) (botapi.Result, error)
	SyncFromPanel(ctx context.Context, mode string) (botapi.Result, error)
	SyncSubscriptionStatuses(ctx context.Context) (botapi.Result, error)
}

// AuditPublisher receives each written audit record, e.g. for a live feed.
type AuditPublisher interface {
	PublishAudit(r *audit.Record)
}

// Meta is the per-request transport context.
type Meta struct {
	RequestID string
	IP        string
	SessionID string
	CSRFToken string
}

// Orchestrator drives an action request through authorization, replay
// protection, risk policy, throttling, remote dispatch, and auditing.
type Orchestrator struct {
	policy    *policy.Engine
	tickets   *ticket.Service
	guard     *throttle.Guard
	csrf      *csrf.Manager
	client    RemoteClient
	auditor   audit.Logger
	publisher AuditPublisher // optional
}

// NewOrchestrator wires the action pipeline together.
func NewOrchestrator(
	engine *policy.Engine,
	tickets *ticket.Service,
	guard *throttle.Guard,
	csrfManager *csrf.Manager,
	client RemoteClient,
	auditor audit.Logger,
) *Orchestrator {
	return &Orchestrator{
		policy:  engine,
		tickets: tickets,
		guard:   guard,
		csrf:    csrfManager,
		client:  client,
		auditor: auditor,
	}
}

// SetPublisher attaches a live audit feed. Must be called before serving.
func (o *Orchestrator) SetPublisher(p AuditPublisher) {
	o.publisher = p
}

// Execute processes one action request to a terminal outcome (or to the
// awaiting-confirmation suspension). The returned error is non-nil only
// when the outcome itself is unreliable (audit write failure).
func (o *Orchestrator) Execute(ctx context.Context, admin *identity.AdminIdentity, req *Request, meta Meta) (*Outcome, error) {
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "action.execute",
		traces.ActionKind(string(req.Kind)),
		traces.AdminID(admin.ID),
		traces.Target(req.Target),
	)
	defer span.End()

	log := logging.L(ctx).With("kind", req.Kind, "target", req.Target)
	st := stateReceived

	advance := func(to state) {
		log.Debug("action state", "from", st, "to", to)
		st = to
	}

	outcome, err := o.run(ctx, admin, req, meta, advance)
	actionsTotal.WithLabelValues(string(req.Kind), string(outcome.Status)).Inc()
	actionDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(started).Seconds())
	return outcome, err
}

func (o *Orchestrator) run(ctx context.Context, admin *identity.AdminIdentity, req *Request, meta Meta, advance func(state)) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return o.reject(ctx, admin, req, meta, ErrorInvalidRequest, err.Error())
	}

	if !admin.Permissions().Allows(req.Kind) {
		return o.reject(ctx, admin, req, meta, ErrorForbidden,
			"your role does not permit "+string(req.Kind))
	}
	if err := o.csrf.Validate(meta.CSRFToken, meta.SessionID); err != nil {
		return o.reject(ctx, admin, req, meta, ErrorForbidden,
			"replay token rejected: "+err.Error())
	}
	advance(stateAuthorized)

	decision := o.policy.Classify(policy.Input{
		Kind:                 req.Kind,
		AmountKopeks:         req.AmountKopeks(),
		CurrentBalanceKopeks: req.CurrentBalanceKopeks(),
		BatchSize:            req.BatchSize(),
	})
	advance(statePolicyChecked)

	switch decision.Verdict {
	case policy.Deny:
		return o.reject(ctx, admin, req, meta, ErrorPolicyDenied, decision.Reason)
	case policy.RequireConfirmation:
		confirmed, outcome, err := o.resolveConfirmation(ctx, admin, req, meta, decision, advance)
		if !confirmed {
			return outcome, err
		}
	}

	if !admin.FullAccess() {
		if ok, retryAfter := o.guard.Admit(admin.ID); !ok {
			advance(stateThrottled)
			metrics.ThrottleRejectionsTotal.Inc()
			outcome, err := o.reject(ctx, admin, req, meta, ErrorRateLimited,
				"action rate limit reached, retry later")
			outcome.RetryAfter = retryAfter
			return outcome, err
		}
	}

	// Past this point the action must finish even if the caller goes
	// away: the remote call and the audit write run on a context that
	// survives client disconnect.
	detached := context.WithoutCancel(ctx)
	advance(stateRemoteInvoked)

	result, callErr := o.dispatch(detached, req)
	advance(stateAudited)
	if callErr != nil {
		kind, reason := classifyRemoteError(callErr)
		return o.finish(detached, admin, req, meta, &Outcome{
			Status:    StatusFailed,
			ErrorKind: kind,
			Reason:    reason,
		})
	}

	return o.finish(detached, admin, req, meta, &Outcome{
		Status: StatusDone,
		Result: result,
	})
}

// resolveConfirmation handles the requires-confirmation branch. The bool
// reports whether execution may proceed (a ticket was consumed).
func (o *Orchestrator) resolveConfirmation(ctx context.Context, admin *identity.AdminIdentity, req *Request, meta Meta, decision policy.Decision, advance func(state)) (bool, *Outcome, error) {
	if req.Confirm && req.TicketID != "" {
		err := o.tickets.Consume(ctx, req.TicketID, admin.ID, req.Kind, req.Target, req.Params)
		if err == nil {
			return true, nil, nil
		}
		if errors.Is(err, ticket.ErrMismatch) {
			outcome, rejErr := o.reject(ctx, admin, req, meta, ErrorForbidden,
				"confirmation ticket does not match this request")
			return false, outcome, rejErr
		}
		// Expired and missing tickets fall through to a fresh ticket:
		// the caller simply has to confirm again.
	}

	advance(stateAwaitingConfirmation)
	t, err := o.tickets.Issue(ctx, admin.ID, req.Kind, req.Target, decision.Reason, req.Params)
	if err != nil {
		outcome, finErr := o.finish(ctx, admin, req, meta, &Outcome{
			Status:    StatusFailed,
			ErrorKind: ErrorInternal,
			Reason:    "confirmation required but no ticket could be issued",
		})
		return false, outcome, finErr
	}
	metrics.ConfirmationTicketsIssued.WithLabelValues(string(req.Kind)).Inc()
	// Not a terminal outcome: no audit record until the action resolves.
	return false, &Outcome{
		Status: StatusConfirmationRequired,
		Ticket: t,
		Reason: decision.Reason,
	}, nil
}

// dispatch routes the request to the matching remote endpoint.
func (o *Orchestrator) dispatch(ctx context.Context, req *Request) (botapi.Result, error) {
	switch req.Kind {
	case rbac.ActionExtendSubscription:
		id, _ := req.TargetID()
		days, _ := intParam(req.Params, "days")
		return o.client.ExtendSubscription(ctx, id, int(days))
	case rbac.ActionAdjustBalance:
		id, _ := req.TargetID()
		description, _ := req.Params["description"].(string)
		createTransaction := true
		if v, ok := req.Params["create_transaction"].(bool); ok {
			createTransaction = v
		}
		return o.client.UpdateBalance(ctx, id, req.AmountKopeks(), description, createTransaction)
	case rbac.ActionBlockUser:
		id, _ := req.TargetID()
		return o.client.UpdateUserStatus(ctx, id, "blocked")
	case rbac.ActionUnblockUser:
		id, _ := req.TargetID()
		return o.client.UpdateUserStatus(ctx, id, "active")
	case rbac.ActionSyncRemote:
		mode, _ := req.Params["mode"].(string)
		switch mode {
		case SyncModeToPanel:
			return o.client.SyncToPanel(ctx)
		case SyncModeFromPanelAll:
			return o.client.SyncFromPanel(ctx, "all")
		case SyncModeFromPanelUpd:
			return o.client.SyncFromPanel(ctx, "update_only")
		default:
			return o.client.SyncSubscriptionStatuses(ctx)
		}
	}
	return nil, &botapi.Error{Class: botapi.ClassValidation, Message: "undispatchable action"}
}

// reject records and returns a rejection outcome.
func (o *Orchestrator) reject(ctx context.Context, admin *identity.AdminIdentity, req *Request, meta Meta, kind ErrorKind, reason string) (*Outcome, error) {
	return o.finish(ctx, admin, req, meta, &Outcome{
		Status:    StatusRejected,
		ErrorKind: kind,
		Reason:    reason,
	})
}

// finish writes the audit record for a terminal outcome and hands the
// outcome back. An audit write failure overrides the outcome: the caller
// gets the unconfirmed-outcome error instead of a result it cannot trust.
func (o *Orchestrator) finish(ctx context.Context, admin *identity.AdminIdentity, req *Request, meta Meta, outcome *Outcome) (*Outcome, error) {
	record := audit.NewRecord(admin.ID, req.Kind, req.Target, req.Params)
	record.RequestID = meta.RequestID
	record.IP = meta.IP
	record.ErrorKind = string(outcome.ErrorKind)

	switch outcome.Status {
	case StatusDone:
		record.Outcome = audit.OutcomeSucceeded
		record.ResultRef = outcome.Result.Detail("ok")
	case StatusRejected:
		record.Outcome = audit.OutcomeRejected
		record.ResultRef = outcome.Reason
	default:
		record.Outcome = audit.OutcomeFailed
		record.ResultRef = outcome.Reason
	}

	if err := o.auditor.Record(ctx, record); err != nil {
		logging.L(ctx).Error("audit write failed, outcome unconfirmed",
			"kind", req.Kind, "target", req.Target,
			"intended_outcome", record.Outcome, "error", err)
		return &Outcome{
			Status:    StatusFailed,
			ErrorKind: ErrorAuditWriteFailed,
			Reason:    ErrUnconfirmedOutcome.Error(),
		}, ErrUnconfirmedOutcome
	}

	outcome.AuditID = record.ID
	if o.publisher != nil {
		o.publisher.PublishAudit(record)
	}
	return outcome, nil
}

// classifyRemoteError maps a remote client failure onto an outcome kind.
func classifyRemoteError(err error) (ErrorKind, string) {
	var apiErr *botapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Class {
		case botapi.ClassUnreachable, botapi.ClassNotConfigured:
			return ErrorRemoteUnreachable, apiErr.Message
		default:
			return ErrorRemoteRejected, apiErr.Message
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorRemoteUnreachable, err.Error()
	}
	return ErrorRemoteRejected, err.Error()
}
