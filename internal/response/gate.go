package response

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Notifier delivers an approval request to the humans who can resolve
// it. Implementations must not block on user interaction.
type Notifier interface {
	RequestApproval(ctx context.Context, act *Action) error
}

// Runner executes an approved action. Implemented by Executor; the
// indirection keeps the gate free of execution concerns.
type Runner interface {
	Run(ctx context.Context, actionID string) error
}

// GateHooks observe gate decisions for metrics.
type GateHooks struct {
	OnProposed func(actionType ActionType, autoApproved bool)
	OnResolved func(approved bool)
	OnTimeout  func()
}

func (h GateHooks) proposed(t ActionType, auto bool) {
	if h.OnProposed != nil {
		h.OnProposed(t, auto)
	}
}

func (h GateHooks) resolved(approved bool) {
	if h.OnResolved != nil {
		h.OnResolved(approved)
	}
}

func (h GateHooks) timeout() {
	if h.OnTimeout != nil {
		h.OnTimeout()
	}
}

// Gate decides whether a proposed action may run unattended or needs a
// human decision first. Every decision, including rejections, timeouts
// and stale resolutions, lands in the audit ledger.
type Gate struct {
	store     Store
	incidents incident.Store
	ledger    audit.Ledger
	policy    Policy
	notifier  Notifier
	runner    Runner
	logger    log.Logger
	hooks     GateHooks
	timeout   time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer // approval request id -> expiry timer
}

// DefaultApprovalTimeout bounds how long an approval request stays open.
const DefaultApprovalTimeout = 15 * time.Minute

// NewGate wires a Gate. A nil notifier is allowed; approval requests are
// then only visible through the API and the ledger. The runner is set
// later via SetRunner because the executor needs the gate's store too.
func NewGate(store Store, incidents incident.Store, ledger audit.Ledger, policy Policy, notifier Notifier, timeout time.Duration, logger log.Logger, hooks GateHooks) *Gate {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Gate{
		store:     store,
		incidents: incidents,
		ledger:    ledger,
		policy:    policy,
		notifier:  notifier,
		logger:    logger,
		hooks:     hooks,
		timeout:   timeout,
		timers:    make(map[string]*time.Timer),
	}
}

// SetRunner installs the executor used for approved actions.
func (g *Gate) SetRunner(r Runner) { g.runner = r }

// RearmApprovals restores expiry timers for approval requests that were
// open when the process last stopped. Requests already past their
// deadline are expired immediately so the lapse still lands in the
// ledger. Call once at startup, after SetRunner.
func (g *Gate) RearmApprovals(ctx context.Context) error {
	acts, err := g.store.ListActionsByStatus(ctx, StatusApprovalRequired)
	if err != nil {
		return fmt.Errorf("list open approvals: %w", err)
	}
	now := time.Now().UTC()
	for _, act := range acts {
		if act.ApprovalRequestID == "" {
			continue
		}
		id := act.ApprovalRequestID
		remaining := g.timeout - now.Sub(act.RequestedAt)
		if remaining <= 0 {
			g.expire(id)
			continue
		}
		g.mu.Lock()
		g.timers[id] = time.AfterFunc(remaining, func() { g.expire(id) })
		g.mu.Unlock()
		g.logger.Info(ctx, "approval expiry rearmed",
			"approval_request_id", id, "remaining", remaining.String())
	}
	return nil
}

// ProposeRequest describes a new action to authorize.
type ProposeRequest struct {
	IncidentID  string
	Type        ActionType
	Target      Target
	Risk        RiskLevel
	RequestedBy string
	Rationale   string
}

// Propose evaluates the approval policy for a new action and either
// hands it straight to the runner or parks it awaiting a human decision.
func (g *Gate) Propose(ctx context.Context, req ProposeRequest) (*Action, error) {
	if !KnownActionType(req.Type) {
		return nil, fmt.Errorf("unknown action type %q", req.Type)
	}
	inc, ok, err := g.incidents.Get(ctx, req.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident: %w", err)
	}
	if !ok {
		return nil, incident.ErrNotFound
	}
	if inc.Status == incident.StatusClosed {
		return nil, fmt.Errorf("incident %s is closed: %w", inc.ID, incident.ErrIllegalTransition)
	}

	act := &Action{
		ID:            ulid.Make().String(),
		IncidentID:    inc.ID,
		CorrelationID: inc.CorrelationID,
		Type:          req.Type,
		Target:        req.Target,
		Risk:          req.Risk,
		Status:        StatusPending,
		RequestedBy:   req.RequestedBy,
		Rationale:     req.Rationale,
		RequestedAt:   time.Now().UTC(),
	}
	rule, auto := g.policy.Evaluate(act)
	act.PolicyRule = rule
	act.RequiresApproval = !auto

	rec := audit.NewRecord(req.RequestedBy, audit.ActorService, "ActionProposed",
		audit.Target{Type: "response_action", ID: act.ID}, audit.OutcomeSuccess, act.CorrelationID)
	rec.Details = map[string]string{
		"incident_id": act.IncidentID,
		"action_type": string(act.Type),
		"policy_rule": rule,
	}
	if err := g.store.CreateAction(ctx, act, rec); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	g.hooks.proposed(act.Type, auto)

	if auto {
		if err := g.approve(ctx, act.ID, "policy:"+rule, audit.ActorService, "ActionAutoApproved"); err != nil {
			return nil, err
		}
		cur, err := g.reload(ctx, act.ID)
		if err != nil {
			return nil, err
		}
		g.dispatch(ctx, act.ID)
		return cur, nil
	}

	if err := g.requestApproval(ctx, act); err != nil {
		return nil, err
	}
	return g.reload(ctx, act.ID)
}

// reload fetches the stored action after a mutation so callers see the
// committed state rather than the pre-mutation copy.
func (g *Gate) reload(ctx context.Context, actionID string) (*Action, error) {
	cur, ok, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, fmt.Errorf("reload action %s: %w", actionID, err)
	}
	if !ok {
		return nil, fmt.Errorf("reload action %s: %w", actionID, ErrNotFound)
	}
	return cur, nil
}

func (g *Gate) requestApproval(ctx context.Context, act *Action) error {
	approvalID := uuid.NewString()
	err := g.store.UpdateAction(ctx, act.ID, func(a *Action) (audit.Record, error) {
		if !CanAdvance(a.Status, StatusApprovalRequired) {
			return audit.Record{}, fmt.Errorf("%w: %s -> %s", ErrIllegalActionTransition, a.Status, StatusApprovalRequired)
		}
		a.Status = StatusApprovalRequired
		a.ApprovalRequestID = approvalID
		rec := audit.NewRecord("gate", audit.ActorService, "ActionApprovalRequested",
			audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeSuccess, a.CorrelationID)
		rec.Details = map[string]string{
			"approval_request_id": approvalID,
			"policy_rule":         a.PolicyRule,
			"timeout":             g.timeout.String(),
		}
		return rec, nil
	})
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.timers[approvalID] = time.AfterFunc(g.timeout, func() { g.expire(approvalID) })
	g.mu.Unlock()

	if g.notifier != nil {
		cur, ok, gerr := g.store.GetAction(ctx, act.ID)
		if gerr == nil && ok {
			go func() {
				nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if nerr := g.notifier.RequestApproval(nctx, cur); nerr != nil {
					g.logger.Error(nctx, nerr, "approval notification failed", "action_id", cur.ID)
				}
			}()
		}
	}
	return nil
}

// Resolve applies a human decision to an open approval request. A
// resolution arriving after the request expired or was otherwise settled
// is recorded in the ledger but not applied.
func (g *Gate) Resolve(ctx context.Context, approvalRequestID string, approved bool, approver string) (*Action, error) {
	act, ok, err := g.store.GetActionByApproval(ctx, approvalRequestID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if act.Status != StatusApprovalRequired {
		rec := audit.NewRecord(approver, audit.ActorHuman, "StaleApprovalResolution",
			audit.Target{Type: "response_action", ID: act.ID}, audit.OutcomePartial, act.CorrelationID)
		rec.Details = map[string]string{
			"approval_request_id": approvalRequestID,
			"approved":            strconv.FormatBool(approved),
			"action_status":       string(act.Status),
		}
		if _, aerr := g.ledger.Append(ctx, rec); aerr != nil {
			return nil, fmt.Errorf("%w: %v", audit.ErrWriteFailed, aerr)
		}
		return act, nil
	}

	g.stopTimer(approvalRequestID)

	if approved {
		if err := g.approve(ctx, act.ID, approver, audit.ActorHuman, "ActionApproved"); err != nil {
			return nil, err
		}
		g.hooks.resolved(true)
		g.dispatch(ctx, act.ID)
	} else {
		err := g.store.UpdateAction(ctx, act.ID, func(a *Action) (audit.Record, error) {
			if a.Status != StatusApprovalRequired {
				return audit.Record{}, fmt.Errorf("%w: %s -> %s", ErrIllegalActionTransition, a.Status, StatusCancelled)
			}
			a.Status = StatusCancelled
			a.FinishedAt = time.Now().UTC()
			rec := audit.NewRecord(approver, audit.ActorHuman, "ActionRejected",
				audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeSuccess, a.CorrelationID)
			rec.Details = map[string]string{"approval_request_id": approvalRequestID}
			return rec, nil
		})
		if err != nil {
			return nil, err
		}
		g.hooks.resolved(false)
	}
	return g.reload(ctx, act.ID)
}

func (g *Gate) approve(ctx context.Context, actionID, approver string, actorType audit.ActorType, auditAction string) error {
	return g.store.UpdateAction(ctx, actionID, func(a *Action) (audit.Record, error) {
		if !CanAdvance(a.Status, StatusApproved) {
			return audit.Record{}, fmt.Errorf("%w: %s -> %s", ErrIllegalActionTransition, a.Status, StatusApproved)
		}
		a.Status = StatusApproved
		a.ApprovedBy = approver
		a.ApprovedAt = time.Now().UTC()
		rec := audit.NewRecord(approver, actorType, auditAction,
			audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeSuccess, a.CorrelationID)
		rec.Details = map[string]string{"policy_rule": a.PolicyRule}
		return rec, nil
	})
}

// Cancel aborts an action that has not started executing. Once an
// action is Executing it runs to Completed or Failed.
func (g *Gate) Cancel(ctx context.Context, actionID, actor, reason string) error {
	return g.store.UpdateAction(ctx, actionID, func(a *Action) (audit.Record, error) {
		if !CanAdvance(a.Status, StatusCancelled) {
			return audit.Record{}, fmt.Errorf("%w: %s -> %s", ErrIllegalActionTransition, a.Status, StatusCancelled)
		}
		if a.ApprovalRequestID != "" {
			g.stopTimer(a.ApprovalRequestID)
		}
		a.Status = StatusCancelled
		a.FailureReason = reason
		a.FinishedAt = time.Now().UTC()
		rec := audit.NewRecord(actor, audit.ActorHuman, "ActionCancelled",
			audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeSuccess, a.CorrelationID)
		rec.Details = map[string]string{"reason": reason}
		return rec, nil
	})
}

// expire fails an approval request that lapsed without a decision. The
// action never proceeds to execution on timeout.
func (g *Gate) expire(approvalRequestID string) {
	ctx := context.Background()
	g.stopTimer(approvalRequestID)
	act, ok, err := g.store.GetActionByApproval(ctx, approvalRequestID)
	if err != nil || !ok {
		return
	}
	err = g.store.UpdateAction(ctx, act.ID, func(a *Action) (audit.Record, error) {
		if a.Status != StatusApprovalRequired {
			return audit.Record{}, fmt.Errorf("%w: not awaiting approval", ErrIllegalActionTransition)
		}
		a.Status = StatusFailed
		a.FailureReason = "ApprovalTimeout"
		a.FinishedAt = time.Now().UTC()
		rec := audit.NewRecord("gate", audit.ActorService, "ActionApprovalTimedOut",
			audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeFailure, a.CorrelationID)
		rec.Details = map[string]string{"approval_request_id": approvalRequestID}
		return rec, nil
	})
	if err != nil {
		// A decision won the race; nothing to do.
		g.logger.Info(ctx, "approval expiry skipped", "approval_request_id", approvalRequestID, "reason", err)
		return
	}
	g.hooks.timeout()
	g.logger.Warn(ctx, "approval request timed out", "approval_request_id", approvalRequestID)
}

func (g *Gate) stopTimer(approvalRequestID string) {
	g.mu.Lock()
	if t, ok := g.timers[approvalRequestID]; ok {
		t.Stop()
		delete(g.timers, approvalRequestID)
	}
	g.mu.Unlock()
}

// dispatch hands an approved action to the runner without tying its
// lifetime to the caller's request context.
func (g *Gate) dispatch(ctx context.Context, actionID string) {
	if g.runner == nil {
		return
	}
	go func() {
		rctx := context.WithoutCancel(ctx)
		if err := g.runner.Run(rctx, actionID); err != nil {
			g.logger.Error(rctx, err, "action execution failed", "action_id", actionID)
		}
	}()
}
