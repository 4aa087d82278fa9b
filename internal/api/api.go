// Package api exposes the HTTP surface: alert ingestion, incident
// lifecycle, response action authorization, and audit queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/response"
	"github.com/linnemanlabs/warden/internal/triage"
)

// AlertService defines the ingestion operations the API needs.
type AlertService interface {
	Submit(ctx context.Context, env alert.Envelope) (*pipeline.SubmitResult, error)
	Result(ctx context.Context, alertID string) (*triage.Result, bool, error)
}

// ResponseGate defines the action authorization operations the API needs.
type ResponseGate interface {
	Propose(ctx context.Context, req response.ProposeRequest) (*response.Action, error)
	Resolve(ctx context.Context, approvalRequestID string, approved bool, approver string) (*response.Action, error)
	Cancel(ctx context.Context, actionID, actor, reason string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	svc       AlertService
	incidents incident.Store
	manager   *incident.Manager
	gate      ResponseGate
	actions   response.Store
	ledger    audit.Ledger
}

// New creates a new API handler.
func New(logger log.Logger, svc AlertService, incidents incident.Store, manager *incident.Manager, gate ResponseGate, actions response.Store, ledger audit.Ledger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("alert service is required"))
	}
	if incidents == nil || manager == nil {
		panic(xerrors.New("incident store and manager are required"))
	}
	if gate == nil || actions == nil {
		panic(xerrors.New("response gate and store are required"))
	}
	if ledger == nil {
		panic(xerrors.New("audit ledger is required"))
	}
	return &API{
		logger:    logger,
		svc:       svc,
		incidents: incidents,
		manager:   manager,
		gate:      gate,
		actions:   actions,
		ledger:    ledger,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlerts)
		r.Get("/triage/{id}", a.handleGetTriage)

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", a.handleListIncidents)
			r.Get("/{id}", a.handleGetIncident)
			r.Post("/{id}/transition", a.handleTransition)
			r.Post("/{id}/comments", a.handleAddComment)
			r.Post("/{id}/owner", a.handleAssignOwner)
			r.Get("/{id}/actions", a.handleListActions)
			r.Post("/{id}/actions", a.handleProposeAction)
		})

		r.Post("/approvals/{approval_id}", a.handleResolveApproval)
		r.Get("/actions/{id}", a.handleGetAction)
		r.Post("/actions/{id}/cancel", a.handleCancelAction)

		r.Get("/audit", a.handleAuditQuery)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses. Unrecognized
// errors are logged and served as opaque 500s.
func (a *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, alert.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, incident.ErrNotFound), errors.Is(err, response.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, incident.ErrIllegalTransition), errors.Is(err, response.ErrIllegalActionTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, audit.ErrWriteFailed):
		a.logger.Error(r.Context(), err, "audit write failed, operation not committed")
		writeError(w, http.StatusServiceUnavailable, "audit ledger unavailable, operation not committed")
	default:
		a.logger.Error(r.Context(), err, "request failed", "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
