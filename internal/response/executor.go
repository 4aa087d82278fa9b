package response

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Adapter applies one action type against the environment (EDR, IdP,
// firewall). Execute must be safe to retry: the executor may call it up
// to maxAttempts times for one action.
type Adapter interface {
	Execute(ctx context.Context, act *Action) (Result, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, act *Action) (Result, error)

func (f AdapterFunc) Execute(ctx context.Context, act *Action) (Result, error) {
	return f(ctx, act)
}

// Registry maps action types to their adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ActionType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[ActionType]Adapter)}
}

// Register installs an adapter for an action type, replacing any
// previous registration.
func (r *Registry) Register(t ActionType, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[t] = a
}

func (r *Registry) Get(t ActionType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// ExecutorHooks observe execution outcomes for metrics.
type ExecutorHooks struct {
	OnExecuted func(actionType ActionType, outcome string, latency time.Duration, attempts int)
}

func (h ExecutorHooks) executed(t ActionType, outcome string, latency time.Duration, attempts int) {
	if h.OnExecuted != nil {
		h.OnExecuted(t, outcome, latency, attempts)
	}
}

// Executor runs approved actions through their adapters exactly once.
// The status gate makes Run idempotent: a second Run for the same action
// observes Executing or a terminal status and does nothing.
type Executor struct {
	store         Store
	registry      *Registry
	incidents     *incident.Manager
	incStore      incident.Store
	logger        log.Logger
	hooks         ExecutorHooks
	maxAttempts   uint
	execTimeout   time.Duration
	retryInterval time.Duration
}

const (
	defaultMaxAttempts   = 3
	defaultExecTimeout   = 30 * time.Second
	defaultRetryInterval = 500 * time.Millisecond
)

// NewExecutor wires an Executor. incidents and incStore may be nil when
// containment transitions are not wanted (tests).
func NewExecutor(store Store, registry *Registry, incidents *incident.Manager, incStore incident.Store, logger log.Logger, hooks ExecutorHooks) *Executor {
	return &Executor{
		store:         store,
		registry:      registry,
		incidents:     incidents,
		incStore:      incStore,
		logger:        logger,
		hooks:         hooks,
		maxAttempts:   defaultMaxAttempts,
		execTimeout:   defaultExecTimeout,
		retryInterval: defaultRetryInterval,
	}
}

// SetMaxAttempts overrides the retry budget per action.
func (e *Executor) SetMaxAttempts(n uint) {
	if n > 0 {
		e.maxAttempts = n
	}
}

// SetExecTimeout overrides the per-attempt adapter deadline.
func (e *Executor) SetExecTimeout(d time.Duration) {
	if d > 0 {
		e.execTimeout = d
	}
}

// SetRetryInterval overrides the initial backoff between attempts.
func (e *Executor) SetRetryInterval(d time.Duration) {
	if d > 0 {
		e.retryInterval = d
	}
}

// Run moves an Approved action through Executing to a terminal status.
// Only the caller that wins the Approved→Executing transition invokes
// the adapter; every other caller returns nil without side effects.
func (e *Executor) Run(ctx context.Context, actionID string) error {
	var act *Action
	err := e.store.UpdateAction(ctx, actionID, func(a *Action) (audit.Record, error) {
		cp := *a
		act = &cp
		if a.Status != StatusApproved {
			// Already executing, finished, or never approved.
			return audit.Record{}, errAlreadyClaimed
		}
		a.Status = StatusExecuting
		a.ExecutingAt = time.Now().UTC()
		act.Status = StatusExecuting
		rec := audit.NewRecord("executor", audit.ActorService, "ActionExecutionStarted",
			audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeSuccess, a.CorrelationID)
		rec.Details = map[string]string{"action_type": string(a.Type)}
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyClaimed) {
			if act.Status == StatusExecuting || act.Status.Terminal() {
				return nil // another caller owns or owned this action
			}
			return fmt.Errorf("action %s not approved (status %s)", actionID, act.Status)
		}
		return err
	}

	adapter, ok := e.registry.Get(act.Type)
	if !ok {
		return e.fail(ctx, act.ID, 0, fmt.Sprintf("no adapter for %s", act.Type))
	}

	start := time.Now()
	attempts := 0
	op := func() (Result, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, e.execTimeout)
		defer cancel()
		res, aerr := adapter.Execute(actx, act)
		if aerr != nil {
			e.logger.Warn(ctx, "action attempt failed",
				"action_id", act.ID, "attempt", attempts, "err", aerr.Error())
		}
		return res, aerr
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInterval
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(e.maxAttempts))
	latency := time.Since(start)

	if err != nil {
		e.hooks.executed(act.Type, "failure", latency, attempts)
		return e.fail(ctx, act.ID, attempts, err.Error())
	}

	err = e.store.UpdateAction(ctx, act.ID, func(a *Action) (audit.Record, error) {
		if a.Status != StatusExecuting {
			// Terminal statuses are never overwritten.
			return audit.Record{}, errNotExecuting
		}
		a.Status = StatusCompleted
		a.Attempts = attempts
		a.Result = &res
		a.FinishedAt = time.Now().UTC()
		rec := audit.NewRecord("executor", audit.ActorService, "ActionCompleted",
			audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeSuccess, a.CorrelationID)
		rec.Details = map[string]string{
			"action_type": string(a.Type),
			"attempts":    strconv.Itoa(attempts),
			"message":     res.Message,
		}
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, errNotExecuting) {
			e.logger.Warn(ctx, "action left Executing before completion was recorded",
				"action_id", act.ID)
			return nil
		}
		return err
	}
	e.hooks.executed(act.Type, "success", latency, attempts)

	if act.Type.IsContainment() {
		e.contain(ctx, act)
	}
	return nil
}

var (
	errAlreadyClaimed = errors.New("action already claimed")
	errNotExecuting   = errors.New("action no longer executing")
)

func (e *Executor) fail(ctx context.Context, actionID string, attempts int, reason string) error {
	err := e.store.UpdateAction(ctx, actionID, func(a *Action) (audit.Record, error) {
		if a.Status != StatusExecuting {
			return audit.Record{}, errNotExecuting
		}
		a.Status = StatusFailed
		a.Attempts = attempts
		a.FailureReason = reason
		a.FinishedAt = time.Now().UTC()
		rec := audit.NewRecord("executor", audit.ActorService, "ActionExecutionFailed",
			audit.Target{Type: "response_action", ID: a.ID}, audit.OutcomeFailure, a.CorrelationID)
		rec.Details = map[string]string{
			"action_type": string(a.Type),
			"attempts":    strconv.Itoa(attempts),
			"reason":      reason,
		}
		return rec, nil
	})
	if errors.Is(err, errNotExecuting) {
		return nil
	}
	return err
}

// contain moves the owning incident to Contained after a successful
// containment action, but only when it is currently under investigation.
func (e *Executor) contain(ctx context.Context, act *Action) {
	if e.incidents == nil || e.incStore == nil {
		return
	}
	inc, ok, err := e.incStore.Get(ctx, act.IncidentID)
	if err != nil || !ok || inc.Status != incident.StatusInvestigating {
		// Already contained, resolved, or gone. Nothing to advance.
		return
	}
	err = e.incidents.Transition(ctx, act.IncidentID, incident.StatusContained, incident.TransitionRequest{
		Actor:     "executor",
		ActorType: audit.ActorService,
		Comment:   fmt.Sprintf("containment action %s (%s) completed", act.ID, act.Type),
	})
	if err != nil {
		// Lost a race with another transition. The rejection is in the
		// ledger either way.
		e.logger.Info(ctx, "containment transition skipped",
			"incident_id", act.IncidentID, "action_id", act.ID, "reason", err.Error())
	}
}
