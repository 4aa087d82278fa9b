package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alert"
)

// ErrUnavailable marks classifier calls that failed or timed out. It is
// recovered locally via the fallback result and never propagates to the
// ingestion path.
var ErrUnavailable = errors.New("classifier unavailable")

// Fallback values used when the classifier cannot be reached. Score 50
// lands in the Medium bucket so a human reviews it either way.
const fallbackRiskScore = 50

// IncidentContext is the correlation state handed to the classifier
// alongside the alert.
type IncidentContext struct {
	IncidentID       string   `json:"incident_id"`
	Status           string   `json:"status"`
	AttachedAlerts   int      `json:"attached_alerts"`
	HighestRiskScore int      `json:"highest_risk_score"`
	Techniques       []string `json:"techniques,omitempty"`
}

// Classification is the raw classifier verdict before the adapter
// normalizes it into a Result.
type Classification struct {
	RiskScore   int      `json:"risk_score"`
	Decision    Decision `json:"decision"`
	Explanation string   `json:"explanation"`
}

// Classifier is the external risk-classification capability. Implementations
// are expected to block until the verdict is ready or ctx expires.
type Classifier interface {
	Classify(ctx context.Context, al *alert.Alert, incCtx IncidentContext) (*Classification, error)
}

// Hooks receives classifier telemetry for metrics instrumentation.
type Hooks struct {
	OnClassify func(latency time.Duration, fallback bool)
}

// Adapter wraps a Classifier with a bounded timeout and the fail-safe
// fallback. It never returns an error: a classifier outage degrades to a
// RequireHumanReview result instead of dropping the alert.
type Adapter struct {
	classifier Classifier
	timeout    time.Duration
	logger     log.Logger
	hooks      Hooks
}

// NewAdapter creates a classifier adapter with the given call timeout.
func NewAdapter(classifier Classifier, timeout time.Duration, logger log.Logger, hooks Hooks) *Adapter {
	return &Adapter{
		classifier: classifier,
		timeout:    timeout,
		logger:     logger,
		hooks:      hooks,
	}
}

// Classify produces the Result for one alert. The call must not be made
// while holding any incident lock: it can block for the full timeout.
func (a *Adapter) Classify(ctx context.Context, al *alert.Alert, incCtx IncidentContext) *Result {
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cls, err := a.classifier.Classify(cctx, al, incCtx)
	latency := time.Since(start)

	r := &Result{
		ID:        ulid.Make().String(),
		AlertID:   al.ID,
		Latency:   latency,
		CreatedAt: time.Now().UTC(),
	}

	switch {
	case err != nil:
		a.logger.Warn(ctx, "classifier call failed, using fallback",
			"alert_id", al.ID, "error", err.Error(), "latency", latency)
		r.RiskScore = fallbackRiskScore
		r.Decision = DecisionHumanReview
		r.Explanation = fmt.Sprintf("classifier unavailable (%v); defaulted to human review", err)
		r.Fallback = true
	case cls.RiskScore < 0 || cls.RiskScore > 100:
		a.logger.Warn(ctx, "classifier returned out-of-range score, using fallback",
			"alert_id", al.ID, "score", cls.RiskScore)
		r.RiskScore = fallbackRiskScore
		r.Decision = DecisionHumanReview
		r.Explanation = fmt.Sprintf("classifier returned invalid risk score %d; defaulted to human review", cls.RiskScore)
		r.Fallback = true
	default:
		r.RiskScore = cls.RiskScore
		r.Decision = cls.Decision
		r.Explanation = cls.Explanation
	}

	r.Priority = PriorityForScore(r.RiskScore)

	if a.hooks.OnClassify != nil {
		a.hooks.OnClassify(latency, r.Fallback)
	}
	return r
}
