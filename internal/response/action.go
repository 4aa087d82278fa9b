// Package response implements the response-action side of the core: the
// ResponseAction model, the risk-based authorization gate that decides
// auto-approval versus human sign-off, and the executor that applies
// approved actions exactly once through pluggable adapters.
package response

import (
	"context"
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
)

var (
	// ErrNotFound is returned by stores when no action matches the id.
	ErrNotFound = errors.New("response action not found")

	// ErrIllegalActionTransition guards the forward-only status order.
	ErrIllegalActionTransition = errors.New("illegal action status transition")

	// ErrApprovalTimeout is the failure reason for approval requests that
	// lapsed without a decision. Fail closed: the action never executes.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrExecutionFailed marks adapter failures that exhausted retries.
	ErrExecutionFailed = errors.New("action execution failed")
)

// ActionType is the closed set of supported containment steps.
type ActionType string

const (
	ActionIsolateEndpoint  ActionType = "IsolateEndpoint"
	ActionDisableAccount   ActionType = "DisableAccount"
	ActionBlockIndicator   ActionType = "BlockIndicator"
	ActionQuarantineFile   ActionType = "QuarantineFile"
	ActionTerminateProcess ActionType = "TerminateProcess"
	ActionResetCredential  ActionType = "ResetCredential"
)

// KnownActionType reports whether t is in the closed action set.
func KnownActionType(t ActionType) bool {
	switch t {
	case ActionIsolateEndpoint, ActionDisableAccount, ActionBlockIndicator,
		ActionQuarantineFile, ActionTerminateProcess, ActionResetCredential:
		return true
	}
	return false
}

// containmentTypes are the action types whose completion drives the
// owning incident from Investigating to Contained.
var containmentTypes = map[ActionType]bool{
	ActionIsolateEndpoint:  true,
	ActionBlockIndicator:   true,
	ActionQuarantineFile:   true,
	ActionTerminateProcess: true,
}

// IsContainment reports whether completing this action type contains the
// incident.
func (t ActionType) IsContainment() bool { return containmentTypes[t] }

// Status is the response-action lifecycle state.
type Status string

const (
	StatusPending          Status = "Pending"
	StatusApprovalRequired Status = "ApprovalRequired"
	StatusApproved         Status = "Approved"
	StatusExecuting        Status = "Executing"
	StatusCompleted        Status = "Completed"
	StatusFailed           Status = "Failed"
	StatusCancelled        Status = "Cancelled"
)

var statusOrder = map[Status]int{
	StatusPending:          0,
	StatusApprovalRequired: 1,
	StatusApproved:         2,
	StatusExecuting:        3,
	StatusCompleted:        4,
	StatusFailed:           4,
	StatusCancelled:        4,
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanAdvance reports whether from→to respects the forward-only order.
// Cancelled is reachable from any state before execution starts; an
// Executing action cannot be cancelled, it runs to Completed or Failed.
// Failed may be entered from ApprovalRequired (timeout) or Executing
// (adapter failure).
func CanAdvance(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return from != StatusExecuting
	}
	if to == StatusFailed {
		return from == StatusApprovalRequired || from == StatusExecuting
	}
	return statusOrder[to] == statusOrder[from]+1 ||
		(from == StatusPending && to == StatusApproved) // auto-approval skips ApprovalRequired
}

// RiskLevel grades the blast radius of a proposed action.
type RiskLevel string

const (
	RiskCritical RiskLevel = "Critical"
	RiskHigh     RiskLevel = "High"
	RiskMedium   RiskLevel = "Medium"
	RiskLow      RiskLevel = "Low"
)

// KnownRiskLevel reports whether l is one of the four risk grades.
func KnownRiskLevel(l RiskLevel) bool {
	switch l {
	case RiskCritical, RiskHigh, RiskMedium, RiskLow:
		return true
	}
	return false
}

// Target is the entity a response action operates on. Attributes carry
// the policy-relevant facts (criticality, account class, indicator scope).
type Target struct {
	EntityType alert.EntityType  `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Result captures the adapter outcome of an executed action.
type Result struct {
	Code              int      `json:"code"`
	Message           string   `json:"message"`
	AffectedResources []string `json:"affected_resources,omitempty"`
}

// Action is a proposed or executed containment step against a target
// entity. Status only advances forward through the listed order, except
// Cancelled which is reachable from any non-terminal state.
type Action struct {
	ID                string     `json:"id"`
	IncidentID        string     `json:"incident_id"`
	CorrelationID     string     `json:"correlation_id"`
	Type              ActionType `json:"type"`
	Target            Target     `json:"target"`
	Risk              RiskLevel  `json:"risk"`
	RequiresApproval  bool       `json:"requires_approval"`
	PolicyRule        string     `json:"policy_rule,omitempty"`
	Status            Status     `json:"status"`
	RequestedBy       string     `json:"requested_by"`
	Rationale         string     `json:"rationale,omitempty"`
	ApprovalRequestID string     `json:"approval_request_id,omitempty"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	Attempts          int        `json:"attempts,omitempty"`
	RequestedAt       time.Time  `json:"requested_at"`
	ApprovedAt        time.Time  `json:"approved_at,omitempty"`
	ExecutingAt       time.Time  `json:"executing_at,omitempty"`
	FinishedAt        time.Time  `json:"finished_at,omitempty"`
	Result            *Result    `json:"result,omitempty"`
}

// Clone returns a deep copy safe to mutate independently.
func (a *Action) Clone() *Action {
	cp := *a
	cp.Target.Attributes = nil
	if a.Target.Attributes != nil {
		cp.Target.Attributes = make(map[string]string, len(a.Target.Attributes))
		for k, v := range a.Target.Attributes {
			cp.Target.Attributes[k] = v
		}
	}
	if a.Result != nil {
		r := *a.Result
		r.AffectedResources = append([]string(nil), a.Result.AffectedResources...)
		cp.Result = &r
	}
	return &cp
}

// UpdateFn mutates an action under the store's per-key serialization and
// returns the audit record to commit with the mutation.
type UpdateFn func(*Action) (audit.Record, error)

// Store is the persistence interface for response actions. Create and
// Update are atomic with the audit append, matching the incident store
// contract.
type Store interface {
	CreateAction(ctx context.Context, act *Action, rec audit.Record) error
	GetAction(ctx context.Context, id string) (*Action, bool, error)
	GetActionByApproval(ctx context.Context, approvalRequestID string) (*Action, bool, error)
	UpdateAction(ctx context.Context, id string, fn UpdateFn) error
	ListActionsByIncident(ctx context.Context, incidentID string) ([]*Action, error)
	ListActionsByStatus(ctx context.Context, status Status) ([]*Action, error)
}
