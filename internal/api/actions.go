package api

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/warden/internal/response"
)

// proposeActionRequest is the JSON body for requesting a response action.
type proposeActionRequest struct {
	Type        string          `json:"type"`
	Target      response.Target `json:"target"`
	Risk        string          `json:"risk"`
	RequestedBy string          `json:"requested_by"`
	Rationale   string          `json:"rationale,omitempty"`
}

func (a *API) handleProposeAction(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "id")

	var req proposeActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Type == "" || req.RequestedBy == "" {
		writeError(w, http.StatusBadRequest, "type and requested_by are required")
		return
	}
	if !response.KnownActionType(response.ActionType(req.Type)) {
		writeError(w, http.StatusBadRequest, "unknown action type")
		return
	}
	if !response.KnownRiskLevel(response.RiskLevel(req.Risk)) {
		writeError(w, http.StatusBadRequest, "unknown risk level")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.incident.id", incidentID),
		attribute.String("warden.action.type", req.Type),
		attribute.String("warden.action.risk", req.Risk),
	)

	act, err := a.gate.Propose(r.Context(), response.ProposeRequest{
		IncidentID:  incidentID,
		Type:        response.ActionType(req.Type),
		Target:      req.Target,
		Risk:        response.RiskLevel(req.Risk),
		RequestedBy: req.RequestedBy,
		Rationale:   req.Rationale,
	})
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("warden.action.status", string(act.Status)))

	writeJSON(w, http.StatusCreated, act)
}

func (a *API) handleListActions(w http.ResponseWriter, r *http.Request) {
	incidentID := chi.URLParam(r, "id")

	acts, err := a.actions.ListActionsByIncident(r.Context(), incidentID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list actions", "incident_id", incidentID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"actions": acts})
}

func (a *API) handleGetAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	act, ok, err := a.actions.GetAction(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load action", "action_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}

	writeJSON(w, http.StatusOK, act)
}

// resolveApprovalRequest is the JSON body for a human approval decision.
type resolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
}

func (a *API) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approval_id")

	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("warden.approval.id", approvalID),
		attribute.Bool("warden.approval.approved", req.Approved),
	)

	act, err := a.gate.Resolve(r.Context(), approvalID, req.Approved, req.Approver)
	if err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, act)
}

type cancelActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req cancelActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	if err := a.gate.Cancel(r.Context(), id, req.Actor, req.Reason); err != nil {
		a.writeDomainError(w, r, err)
		return
	}

	act, _, _ := a.actions.GetAction(r.Context(), id)
	writeJSON(w, http.StatusOK, act)
}
