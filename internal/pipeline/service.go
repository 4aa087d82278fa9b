// Package pipeline wires alert ingress to correlation, classification
// and incident escalation: one Submit call normalizes the alert, routes
// it into an incident synchronously, and hands classification off to a
// background worker so ingestion latency stays bounded.
package pipeline

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/correlate"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/triage"
)

// dedupSize bounds the recently-seen alert cache. Old entries age out,
// which is fine: the correlator makes replays converge on the same
// incident anyway, dedup just avoids re-running classification.
const dedupSize = 4096

// SubmitResult is the outcome of submitting one alert.
type SubmitResult struct {
	AlertID    string
	IncidentID string
	Created    bool
	Skipped    bool
	Reason     string
}

// Service is the business boundary for alert ingestion.
type Service struct {
	store      incident.Store
	results    triage.Store
	correlator *correlate.Engine
	classifier *triage.Adapter
	manager    *incident.Manager
	seen       *lru.Cache[string, struct{}]
	logger     log.Logger
	metrics    *Metrics
}

// NewService creates an ingestion service. metrics may be nil.
func NewService(store incident.Store, results triage.Store, correlator *correlate.Engine, classifier *triage.Adapter, manager *incident.Manager, logger log.Logger, metrics *Metrics) (*Service, error) {
	seen, err := lru.New[string, struct{}](dedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Service{
		store:      store,
		results:    results,
		correlator: correlator,
		classifier: classifier,
		manager:    manager,
		seen:       seen,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Submit normalizes and routes one raw alert. Malformed envelopes fail
// with alert.ErrMalformed; duplicates of recently processed alerts are
// skipped. Correlation happens synchronously, classification does not.
func (s *Service) Submit(ctx context.Context, env alert.Envelope) (*SubmitResult, error) {
	al, err := alert.Normalize(&env)
	if err != nil {
		s.count("malformed")
		return nil, err
	}

	key := al.Source + "/" + al.ID
	if _, dup := s.seen.Get(key); dup {
		s.count("duplicate")
		s.logger.Info(ctx, "duplicate alert skipped", "alert_id", al.ID, "source", al.Source)
		return &SubmitResult{AlertID: al.ID, Skipped: true, Reason: "duplicate"}, nil
	}

	if err := s.store.PutAlert(ctx, al); err != nil {
		s.count("error")
		return nil, fmt.Errorf("store alert: %w", err)
	}

	inc, created, err := s.correlator.Correlate(ctx, al)
	if err != nil {
		s.count("error")
		return nil, fmt.Errorf("correlate alert %s: %w", al.ID, err)
	}
	s.seen.Add(key, struct{}{})
	s.count("accepted")

	// Classification runs detached from the request so a slow or dead
	// classifier never backs up ingestion.
	go s.runClassify(context.WithoutCancel(ctx), al, inc.ID)

	return &SubmitResult{AlertID: al.ID, IncidentID: inc.ID, Created: created}, nil
}

func (s *Service) runClassify(ctx context.Context, al *alert.Alert, incidentID string) {
	L := s.logger.With("alert_id", al.ID, "incident_id", incidentID)

	inc, ok, err := s.store.Get(ctx, incidentID)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch incident for classification")
		return
	}

	res := s.classifier.Classify(ctx, al, triage.IncidentContext{
		IncidentID:       inc.ID,
		Status:           string(inc.Status),
		AttachedAlerts:   len(inc.AlertIDs),
		HighestRiskScore: inc.HighestRiskScore,
		Techniques:       inc.Techniques,
	})

	if err := s.results.PutResult(ctx, res); err != nil {
		L.Error(ctx, err, "failed to store triage result")
		return
	}

	err = s.store.Update(ctx, incidentID, func(cur *incident.Incident) (audit.Record, error) {
		cur.ObserveRisk(res.RiskScore)
		rec := audit.NewRecord("classifier", audit.ActorService, "AlertClassified",
			audit.Target{Type: "incident", ID: cur.ID}, audit.OutcomeSuccess, cur.CorrelationID)
		rec.Details = map[string]string{
			"alert_id":   al.ID,
			"risk_score": fmt.Sprintf("%d", res.RiskScore),
			"decision":   string(res.Decision),
			"fallback":   fmt.Sprintf("%t", res.Fallback),
		}
		return rec, nil
	})
	if err != nil {
		L.Error(ctx, err, "failed to record classification on incident")
		return
	}

	if res.Decision == triage.DecisionEscalate && inc.Status == incident.StatusNew {
		err := s.manager.Transition(ctx, incidentID, incident.StatusInvestigating, incident.TransitionRequest{
			Actor:   "classifier",
			Comment: fmt.Sprintf("escalated by classifier: %s", res.Explanation),
		})
		if err != nil {
			// Lost a race with a human transition; the ledger shows both.
			L.Warn(ctx, "escalation transition rejected", "reason", err.Error())
		}
	}

	L.Info(ctx, "alert classified",
		"risk_score", res.RiskScore,
		"priority", string(res.Priority),
		"decision", string(res.Decision),
		"fallback", res.Fallback,
		"latency", res.Latency)
}

// Result returns the triage result for an alert, if classification has
// finished.
func (s *Service) Result(ctx context.Context, alertID string) (*triage.Result, bool, error) {
	return s.results.GetResultByAlert(ctx, alertID)
}

func (s *Service) count(outcome string) {
	if s.metrics != nil {
		s.metrics.AlertsTotal.WithLabelValues(outcome).Inc()
	}
}
