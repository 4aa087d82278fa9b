package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"

	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/response"
)

// CreateAction persists a new response action together with its record.
func (s *Store) CreateAction(ctx context.Context, act *response.Action, rec audit.Record) error {
	ctx, span := startSpan(ctx, "pgstore.CreateAction", "INSERT")
	defer span.End()

	doc, err := json.Marshal(act)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal action: %w", err))
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := appendInTx(ctx, tx, rec); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO response_actions (id, incident_id, approval_request_id, status, requested_at, doc)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
			act.ID, act.IncidentID, act.ApprovalRequestID, string(act.Status), act.RequestedAt, doc,
		)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		return nil
	})
	if err != nil {
		return spanErr(span, err)
	}
	return nil
}

// GetAction retrieves a response action by ID.
func (s *Store) GetAction(ctx context.Context, id string) (*response.Action, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAction", "SELECT")
	defer span.End()

	return s.getActionBy(ctx, span, `SELECT doc FROM response_actions WHERE id = $1`, id)
}

// GetActionByApproval retrieves the action parked on an approval request.
func (s *Store) GetActionByApproval(ctx context.Context, approvalRequestID string) (*response.Action, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetActionByApproval", "SELECT")
	defer span.End()

	return s.getActionBy(ctx, span,
		`SELECT doc FROM response_actions WHERE approval_request_id = $1`, approvalRequestID)
}

// UpdateAction applies fn to the action and commits the mutation and the
// returned audit record in one transaction.
func (s *Store) UpdateAction(ctx context.Context, id string, fn response.UpdateFn) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateAction", "UPDATE")
	defer span.End()

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `SELECT doc FROM response_actions WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return response.ErrNotFound
			}
			return fmt.Errorf("lock action: %w", err)
		}

		var act response.Action
		if err := json.Unmarshal(doc, &act); err != nil {
			return fmt.Errorf("unmarshal action: %w", err)
		}

		rec, err := fn(&act)
		if err != nil {
			return err
		}

		if _, err := appendInTx(ctx, tx, rec); err != nil {
			return err
		}

		next, err := json.Marshal(&act)
		if err != nil {
			return fmt.Errorf("marshal action: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE response_actions
			 SET approval_request_id = NULLIF($2, ''), status = $3, doc = $4
			 WHERE id = $1`,
			act.ID, act.ApprovalRequestID, string(act.Status), next,
		)
		if err != nil {
			return fmt.Errorf("update action: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, response.ErrNotFound) || errors.Is(err, response.ErrIllegalActionTransition) {
			return err
		}
		return spanErr(span, err)
	}
	return nil
}

// ListActionsByIncident returns every action proposed for an incident.
func (s *Store) ListActionsByIncident(ctx context.Context, incidentID string) ([]*response.Action, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActionsByIncident", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM response_actions WHERE incident_id = $1 ORDER BY requested_at`, incidentID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("select actions: %w", err))
	}
	defer rows.Close()

	var out []*response.Action
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan action: %w", err))
		}
		var act response.Action
		if err := json.Unmarshal(doc, &act); err != nil {
			return nil, spanErr(span, fmt.Errorf("unmarshal action: %w", err))
		}
		out = append(out, &act)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate actions: %w", err))
	}
	return out, nil
}

// ListActionsByStatus returns every action currently in the given status.
func (s *Store) ListActionsByStatus(ctx context.Context, status response.Status) ([]*response.Action, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActionsByStatus", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM response_actions WHERE status = $1 ORDER BY requested_at`, string(status))
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("select actions: %w", err))
	}
	defer rows.Close()

	var out []*response.Action
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan action: %w", err))
		}
		var act response.Action
		if err := json.Unmarshal(doc, &act); err != nil {
			return nil, spanErr(span, fmt.Errorf("unmarshal action: %w", err))
		}
		out = append(out, &act)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate actions: %w", err))
	}
	return out, nil
}

func (s *Store) getActionBy(ctx context.Context, span trace.Span, query, arg string) (*response.Action, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("select action: %w", err))
	}

	var act response.Action
	if err := json.Unmarshal(doc, &act); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal action: %w", err))
	}
	return &act, true, nil
}
