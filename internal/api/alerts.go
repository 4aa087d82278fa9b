package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
)

// acceptedAlert is the per-alert outcome reported back to the feed.
type acceptedAlert struct {
	AlertID    string `json:"alert_id"`
	IncidentID string `json:"incident_id,omitempty"`
	Created    bool   `json:"incident_created,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type rejectedAlert struct {
	AlertID string `json:"alert_id,omitempty"`
	Error   string `json:"error"`
}

func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	var wh alert.Webhook
	if err := json.NewDecoder(r.Body).Decode(&wh); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var accepted []acceptedAlert
	var rejected []rejectedAlert

	for _, env := range wh.Alerts {
		res, err := a.svc.Submit(r.Context(), env)
		if err != nil {
			// A malformed envelope rejects only itself, the rest of the
			// batch still goes through.
			if errors.Is(err, alert.ErrMalformed) {
				rejected = append(rejected, rejectedAlert{AlertID: env.ID, Error: err.Error()})
				continue
			}
			if errors.Is(err, audit.ErrWriteFailed) {
				a.logger.Error(r.Context(), err, "audit write failed, alert not committed", "alert_id", env.ID)
				writeError(w, http.StatusServiceUnavailable, "audit ledger unavailable, operation not committed")
				return
			}
			a.logger.Error(r.Context(), err, "alert submit failed", "alert_id", env.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		accepted = append(accepted, acceptedAlert{
			AlertID:    res.AlertID,
			IncidentID: res.IncidentID,
			Created:    res.Created,
			Skipped:    res.Skipped,
			Reason:     res.Reason,
		})
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("warden.alerts.accepted", len(accepted)),
		attribute.Int("warden.alerts.rejected", len(rejected)),
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"rejected": rejected,
	})
}
