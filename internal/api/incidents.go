package api

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
)

func (a *API) handleGetTriage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.alert.id", id))

	result, ok, err := a.svc.Result(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get triage result", "alert_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("warden.triage.decision", string(result.Decision)))

	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status := incident.Status(r.URL.Query().Get("status"))

	incs, err := a.incidents.List(r.Context(), status)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list incidents")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"incidents": incs})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.incident.id", id))

	inc, ok, err := a.incidents.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "incident_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, inc)
}

// transitionRequest is the JSON body for a lifecycle change.
type transitionRequest struct {
	To             string `json:"to"`
	Actor          string `json:"actor"`
	Comment        string `json:"comment,omitempty"`
	Classification string `json:"classification,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.To == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "to and actor are required")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.incident.id", id),
		attribute.String("warden.incident.to", req.To),
	)

	err := a.manager.Transition(r.Context(), id, incident.Status(req.To), incident.TransitionRequest{
		Actor:          req.Actor,
		ActorType:      audit.ActorHuman,
		Comment:        req.Comment,
		Classification: incident.Classification(req.Classification),
		Reason:         req.Reason,
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	inc, _, _ := a.incidents.Get(r.Context(), id)
	writeJSON(w, http.StatusOK, inc)
}

type commentRequest struct {
	Author  string `json:"author"`
	Message string `json:"message"`
}

func (a *API) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req commentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Author == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "author and message are required")
		return
	}

	if err := a.manager.AddComment(r.Context(), id, req.Author, req.Message); err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	inc, _, _ := a.incidents.Get(r.Context(), id)
	writeJSON(w, http.StatusCreated, inc)
}

type assignOwnerRequest struct {
	Owner string `json:"owner"`
	Actor string `json:"actor"`
}

func (a *API) handleAssignOwner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req assignOwnerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Owner == "" || req.Actor == "" {
		writeError(w, http.StatusBadRequest, "owner and actor are required")
		return
	}

	if err := a.manager.AssignOwner(r.Context(), id, req.Owner, req.Actor); err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	inc, _, _ := a.incidents.Get(r.Context(), id)
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")

	// Chain verification walks the full ledger: a filtered view has gaps
	// in its back-links and would always read as tampered.
	all, err := a.ledger.All(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to query audit ledger")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	intact := audit.VerifyChain(all)

	recs := all
	if correlationID != "" {
		recs, err = a.ledger.ByCorrelation(r.Context(), correlationID)
		if err != nil {
			a.logger.Error(r.Context(), err, "failed to query audit ledger", "correlation_id", correlationID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": recs,
		"intact":  intact,
	})
}
