package triage

import (
	"context"
	"time"
)

// Priority buckets a risk score for analyst queues and the approval gate.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// Priority thresholds. PriorityForScore must stay a pure function of the
// score so triage outcomes are replayable.
const (
	criticalThreshold = 85
	highThreshold     = 60
	mediumThreshold   = 30
)

// PriorityForScore maps a 0-100 risk score onto a priority bucket.
func PriorityForScore(score int) Priority {
	switch {
	case score >= criticalThreshold:
		return PriorityCritical
	case score >= highThreshold:
		return PriorityHigh
	case score >= mediumThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Decision is the classifier's disposition for one alert.
type Decision string

const (
	DecisionEscalate      Decision = "EscalateToIncident"
	DecisionCorrelate     Decision = "CorrelateWithExisting"
	DecisionFalsePositive Decision = "MarkFalsePositive"
	DecisionHumanReview   Decision = "RequireHumanReview"
)

// Result is the triage outcome for one alert, produced once and immutable
// after creation.
type Result struct {
	ID          string        `json:"id"`
	AlertID     string        `json:"alert_id"`
	RiskScore   int           `json:"risk_score"`
	Priority    Priority      `json:"priority"`
	Decision    Decision      `json:"decision"`
	Explanation string        `json:"explanation"`
	Fallback    bool          `json:"fallback,omitempty"`
	Latency     time.Duration `json:"latency_ns"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Store is the persistence interface for triage results.
type Store interface {
	PutResult(ctx context.Context, r *Result) error
	GetResultByAlert(ctx context.Context, alertID string) (*Result, bool, error)
}
