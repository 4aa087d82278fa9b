package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/audit"
)

// Hooks receives lifecycle events for metrics instrumentation. Any field
// may be nil.
type Hooks struct {
	OnTransition func(from, to Status, outcome audit.Outcome)
}

// TransitionRequest carries the actor context for a status change.
type TransitionRequest struct {
	Actor          string
	ActorType      audit.ActorType
	Comment        string
	Classification Classification
	Reason         string
}

// Manager owns incident status changes. It is the only writer of
// Incident.Status, which keeps the legality check authoritative.
type Manager struct {
	store  Store
	ledger audit.Ledger
	logger log.Logger
	hooks  Hooks
}

// NewManager creates a lifecycle manager.
func NewManager(store Store, ledger audit.Ledger, logger log.Logger, hooks Hooks) *Manager {
	return &Manager{
		store:  store,
		ledger: ledger,
		logger: logger,
		hooks:  hooks,
	}
}

// Transition moves the incident to the requested status. An illegal
// request fails with ErrIllegalTransition, leaves the incident unchanged,
// and is still recorded in the ledger with a Failure outcome.
func (m *Manager) Transition(ctx context.Context, id string, to Status, req TransitionRequest) error {
	actorType := req.ActorType
	if actorType == "" {
		actorType = audit.ActorService
	}

	var from Status
	var correlationID string

	err := m.store.Update(ctx, id, func(inc *Incident) (audit.Record, error) {
		from = inc.Status
		correlationID = inc.CorrelationID

		if !CanTransition(inc.Status, to) {
			return audit.Record{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, inc.Status, to)
		}

		inc.Status = to
		if to == StatusClosed {
			inc.ClosedAt = time.Now().UTC()
			if inc.Classification == "" {
				inc.Classification = ClassUndetermined
			}
		}
		if req.Classification != "" {
			inc.Classification = req.Classification
			inc.ClassificationReason = req.Reason
		}
		if req.Comment != "" {
			inc.Comments = append(inc.Comments, Comment{
				Author:  req.Actor,
				Message: req.Comment,
				At:      time.Now().UTC(),
			})
		}

		rec := audit.NewRecord(req.Actor, actorType, "IncidentTransitioned",
			audit.Target{Type: "incident", ID: inc.ID}, audit.OutcomeSuccess, inc.CorrelationID)
		rec.Details = map[string]string{"from": string(from), "to": string(to)}
		return rec, nil
	})

	if errors.Is(err, ErrIllegalTransition) {
		// Rejected transitions are audit-relevant even though no state
		// changed. The ledger append is safe outside the incident lock.
		rec := audit.NewRecord(req.Actor, actorType, "IncidentTransitionRejected",
			audit.Target{Type: "incident", ID: id}, audit.OutcomeFailure, correlationID)
		rec.Details = map[string]string{"from": string(from), "to": string(to)}
		rec.Error = err.Error()
		if _, aerr := m.ledger.Append(ctx, rec); aerr != nil {
			m.logger.Error(ctx, aerr, "audit append for rejected transition", "incident_id", id)
		}
		if m.hooks.OnTransition != nil {
			m.hooks.OnTransition(from, to, audit.OutcomeFailure)
		}
		m.logger.Warn(ctx, "illegal incident transition rejected",
			"incident_id", id, "from", from, "to", to, "actor", req.Actor)
		return err
	}
	if err != nil {
		return fmt.Errorf("transition incident %s: %w", id, err)
	}

	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(from, to, audit.OutcomeSuccess)
	}
	m.logger.Info(ctx, "incident transitioned",
		"incident_id", id, "from", from, "to", to, "actor", req.Actor)
	return nil
}

// AssignOwner sets or replaces the incident owner.
func (m *Manager) AssignOwner(ctx context.Context, id, owner, actor string) error {
	err := m.store.Update(ctx, id, func(inc *Incident) (audit.Record, error) {
		prev := inc.Owner
		inc.Owner = owner
		rec := audit.NewRecord(actor, audit.ActorHuman, "IncidentOwnerAssigned",
			audit.Target{Type: "incident", ID: inc.ID}, audit.OutcomeSuccess, inc.CorrelationID)
		rec.Details = map[string]string{"owner": owner, "previous_owner": prev}
		return rec, nil
	})
	if err != nil {
		return fmt.Errorf("assign owner on incident %s: %w", id, err)
	}
	return nil
}

// AddComment appends to the incident's comment trail without touching
// status. The append is audited like any other incident mutation.
func (m *Manager) AddComment(ctx context.Context, id, author, message string) error {
	err := m.store.Update(ctx, id, func(inc *Incident) (audit.Record, error) {
		inc.Comments = append(inc.Comments, Comment{
			Author:  author,
			Message: message,
			At:      time.Now().UTC(),
		})
		rec := audit.NewRecord(author, audit.ActorHuman, "IncidentCommented",
			audit.Target{Type: "incident", ID: inc.ID}, audit.OutcomeSuccess, inc.CorrelationID)
		return rec, nil
	})
	if err != nil {
		return fmt.Errorf("comment incident %s: %w", id, err)
	}
	return nil
}
