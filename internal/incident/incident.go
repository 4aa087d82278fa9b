// Package incident defines the Incident aggregate and its lifecycle state
// machine. All status changes go through the Manager, which enforces the
// legal-transition graph and records every attempt in the audit ledger.
package incident

import (
	"errors"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
)

// ErrIllegalTransition is returned when a requested status change is not
// an edge of the lifecycle graph. The incident state is left unchanged.
var ErrIllegalTransition = errors.New("illegal incident transition")

// ErrNotFound is returned by stores when no incident matches the id.
var ErrNotFound = errors.New("incident not found")

// Status is an incident lifecycle state.
type Status string

const (
	StatusNew           Status = "New"
	StatusInvestigating Status = "Investigating"
	StatusContained     Status = "Contained"
	StatusResolved      Status = "Resolved"
	StatusClosed        Status = "Closed"
)

// legalTransitions is the lifecycle graph. Closed is terminal.
var legalTransitions = map[Status][]Status{
	StatusNew:           {StatusInvestigating, StatusClosed},
	StatusInvestigating: {StatusContained, StatusResolved, StatusClosed},
	StatusContained:     {StatusResolved, StatusInvestigating},
	StatusResolved:      {StatusClosed, StatusInvestigating},
	StatusClosed:        {},
}

// CanTransition reports whether from→to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Classification is the analyst verdict recorded when an incident closes.
type Classification string

const (
	ClassTruePositive   Classification = "TruePositive"
	ClassFalsePositive  Classification = "FalsePositive"
	ClassBenignPositive Classification = "BenignPositive"
	ClassUndetermined   Classification = "Undetermined"
)

// Comment is one entry in an incident's append-only comment trail.
type Comment struct {
	Author  string    `json:"author"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Incident is the mutable aggregate of one or more correlated alerts.
//
// Invariants: AlertIDs is append-only and non-empty once created;
// LastActivityAt never decreases; Entities is the union of the entities
// of every attached alert.
type Incident struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Severity             alert.Severity `json:"severity"`
	Status               Status         `json:"status"`
	Classification       Classification `json:"classification"`
	ClassificationReason string         `json:"classification_reason,omitempty"`
	Owner                string         `json:"owner,omitempty"`
	CorrelationID        string         `json:"correlation_id"`
	CreatedAt            time.Time      `json:"created_at"`
	FirstActivityAt      time.Time      `json:"first_activity_at"`
	LastActivityAt       time.Time      `json:"last_activity_at"`
	ClosedAt             time.Time      `json:"closed_at,omitempty"`
	AlertIDs             []string       `json:"alert_ids"`
	Entities             []alert.Entity `json:"entities"`
	Techniques           []string       `json:"techniques,omitempty"`
	Comments             []Comment      `json:"comments,omitempty"`
	HighestRiskScore     int            `json:"highest_risk_score"`
}

// EntityKeys returns the identity keys of the incident's entity union.
func (inc *Incident) EntityKeys() []string {
	probe := alert.Alert{Entities: inc.Entities}
	return probe.EntityKeys()
}

// Attach appends an alert to the incident, unioning entities and
// techniques, raising severity to the maximum seen, and advancing the
// activity window. LastActivityAt only moves forward.
func (inc *Incident) Attach(al *alert.Alert) {
	inc.AlertIDs = append(inc.AlertIDs, al.ID)

	have := make(map[string]struct{}, len(inc.Entities))
	for _, e := range inc.Entities {
		if k := e.Key(); k != "" {
			have[k] = struct{}{}
		}
	}
	for _, e := range al.Entities {
		k := e.Key()
		if k == "" {
			continue
		}
		if _, ok := have[k]; ok {
			continue
		}
		have[k] = struct{}{}
		inc.Entities = append(inc.Entities, e)
	}

	seen := make(map[string]struct{}, len(inc.Techniques))
	for _, tq := range inc.Techniques {
		seen[tq] = struct{}{}
	}
	for _, tq := range al.Techniques {
		if _, ok := seen[tq]; !ok {
			seen[tq] = struct{}{}
			inc.Techniques = append(inc.Techniques, tq)
		}
	}

	if al.Severity.Rank() > inc.Severity.Rank() {
		inc.Severity = al.Severity
	}
	if inc.FirstActivityAt.IsZero() || al.StartsAt.Before(inc.FirstActivityAt) {
		inc.FirstActivityAt = al.StartsAt
	}
	if al.EndsAt.After(inc.LastActivityAt) {
		inc.LastActivityAt = al.EndsAt
	}
}

// Clone returns a deep copy safe to mutate independently.
func (inc *Incident) Clone() *Incident {
	cp := *inc
	cp.AlertIDs = append([]string(nil), inc.AlertIDs...)
	cp.Techniques = append([]string(nil), inc.Techniques...)
	cp.Comments = append([]Comment(nil), inc.Comments...)
	cp.Entities = make([]alert.Entity, len(inc.Entities))
	for i, e := range inc.Entities {
		cp.Entities[i] = e.Clone()
	}
	return &cp
}

// ObserveRisk records a triage risk score, keeping the highest seen.
func (inc *Incident) ObserveRisk(score int) {
	if score > inc.HighestRiskScore {
		inc.HighestRiskScore = score
	}
}
