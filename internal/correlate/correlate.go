// Package correlate groups normalized alerts into incidents by entity
// overlap within a sliding activity window. All decisions for alerts
// sharing an entity are serialized, so concurrent ingestion of related
// alerts converges on one incident instead of racing duplicates into
// existence.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
)

// DefaultWindow bounds how far back an open incident's activity may lie
// for a new alert to join it.
const DefaultWindow = 30 * time.Minute

// ErrNoEntities rejects alerts that cannot participate in correlation.
var ErrNoEntities = errors.New("alert has no identifiable entities")

// Hooks observe correlation outcomes for metrics.
type Hooks struct {
	OnCorrelated func(created bool, candidates int)
}

func (h Hooks) correlated(created bool, candidates int) {
	if h.OnCorrelated != nil {
		h.OnCorrelated(created, candidates)
	}
}

// Engine decides, per alert, whether to open a new incident or attach to
// an existing one.
type Engine struct {
	store  incident.Store
	window time.Duration
	locks  *keyLocks
	logger log.Logger
	hooks  Hooks
}

// NewEngine creates a correlation engine. A non-positive window falls
// back to DefaultWindow.
func NewEngine(store incident.Store, window time.Duration, logger log.Logger, hooks Hooks) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		store:  store,
		window: window,
		locks:  newKeyLocks(),
		logger: logger,
		hooks:  hooks,
	}
}

// Correlate routes one alert. It returns the owning incident and whether
// it was created by this call.
//
// The find-and-attach (or find-and-create) sequence runs under locks on
// every entity key of the alert, so two alerts sharing an entity can
// never both miss the lookup and create duplicate incidents.
func (e *Engine) Correlate(ctx context.Context, al *alert.Alert) (*incident.Incident, bool, error) {
	keys := al.EntityKeys()
	if len(keys) == 0 {
		return nil, false, ErrNoEntities
	}

	release := e.locks.acquire(keys)
	defer release()

	// The window is anchored to the alert's event time, not arrival
	// time, so delayed or out-of-order delivery correlates the same
	// way as live delivery.
	since := al.StartsAt.Add(-e.window)
	candidates, err := e.store.FindOpenByEntities(ctx, keys, since)
	if err != nil {
		return nil, false, fmt.Errorf("find candidates: %w", err)
	}

	if target := pick(candidates); target != nil {
		if err := e.attach(ctx, target.ID, al); err != nil {
			return nil, false, err
		}
		updated, _, err := e.store.Get(ctx, target.ID)
		if err != nil {
			return nil, false, err
		}
		e.hooks.correlated(false, len(candidates))
		e.logger.Info(ctx, "alert correlated",
			"alert_id", al.ID, "incident_id", target.ID, "candidates", len(candidates))
		return updated, false, nil
	}

	inc, err := e.create(ctx, al)
	if err != nil {
		return nil, false, err
	}
	e.hooks.correlated(true, 0)
	e.logger.Info(ctx, "incident created",
		"alert_id", al.ID, "incident_id", inc.ID, "severity", string(inc.Severity))
	return inc, true, nil
}

// pick selects the candidate with the most recent activity, breaking
// ties on the lexicographically smallest ID for determinism.
func pick(candidates []*incident.Incident) *incident.Incident {
	var best *incident.Incident
	for _, c := range candidates {
		switch {
		case best == nil:
			best = c
		case c.LastActivityAt.After(best.LastActivityAt):
			best = c
		case c.LastActivityAt.Equal(best.LastActivityAt) && c.ID < best.ID:
			best = c
		}
	}
	return best
}

func (e *Engine) attach(ctx context.Context, incidentID string, al *alert.Alert) error {
	return e.store.Update(ctx, incidentID, func(inc *incident.Incident) (audit.Record, error) {
		inc.Attach(al)
		rec := audit.NewRecord("correlator", audit.ActorService, "AlertCorrelated",
			audit.Target{Type: "incident", ID: inc.ID}, audit.OutcomeSuccess, inc.CorrelationID)
		rec.Details = map[string]string{
			"alert_id":    al.ID,
			"alert_count": fmt.Sprintf("%d", len(inc.AlertIDs)),
		}
		return rec, nil
	})
}

func (e *Engine) create(ctx context.Context, al *alert.Alert) (*incident.Incident, error) {
	now := time.Now().UTC()
	inc := &incident.Incident{
		ID:            ulid.Make().String(),
		Title:         al.Name,
		Description:   al.Description,
		Status:        incident.StatusNew,
		CorrelationID: uuid.NewString(),
		CreatedAt:     now,
	}
	if inc.Title == "" {
		inc.Title = fmt.Sprintf("%s alert from %s", al.Severity, al.Source)
	}
	inc.Attach(al)

	rec := audit.NewRecord("correlator", audit.ActorService, "IncidentCreated",
		audit.Target{Type: "incident", ID: inc.ID}, audit.OutcomeSuccess, inc.CorrelationID)
	rec.Details = map[string]string{
		"alert_id": al.ID,
		"severity": string(inc.Severity),
	}
	if err := e.store.Create(ctx, inc, rec); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	return inc, nil
}
