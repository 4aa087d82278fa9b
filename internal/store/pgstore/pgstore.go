// Package pgstore provides a PostgreSQL implementation of the incident,
// triage and response stores plus the audit ledger. Each mutation and its
// audit record commit in one transaction, so a failed ledger append
// rolls the mutation back.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/store/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents, alerts, triage results and response actions
// in PostgreSQL. Per-row SELECT ... FOR UPDATE serializes mutations of
// one aggregate, and the audit chain head row serializes ledger appends.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store on the given pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ledger returns the pg-backed audit ledger sharing this store's pool.
func (s *Store) Ledger() audit.Ledger {
	return &pgLedger{pool: s.pool}
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Create persists a new incident together with its creation record.
func (s *Store) Create(ctx context.Context, inc *incident.Incident, rec audit.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	doc, err := json.Marshal(inc)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal incident: %w", err))
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := appendInTx(ctx, tx, rec); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO incidents (id, status, correlation_id, entity_keys, last_activity_at, created_at, doc)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			inc.ID, string(inc.Status), inc.CorrelationID, inc.EntityKeys(),
			inc.LastActivityAt, inc.CreatedAt, doc,
		)
		if err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		return nil
	})
	if err != nil {
		return spanErr(span, err)
	}
	return nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM incidents WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("select incident: %w", err))
	}

	var inc incident.Incident
	if err := json.Unmarshal(doc, &inc); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal incident: %w", err))
	}
	return &inc, true, nil
}

// List returns incidents filtered by status; empty status means all.
func (s *Store) List(ctx context.Context, status incident.Status) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	query := `SELECT doc FROM incidents ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT doc FROM incidents WHERE status = $1 ORDER BY created_at DESC`
		args = append(args, string(status))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("select incidents: %w", err))
	}
	defer rows.Close()

	return scanIncidents(rows)
}

// Update applies fn to the incident and commits the mutation and the
// returned audit record in one transaction. The row lock makes
// concurrent updates of one incident linearizable.
func (s *Store) Update(ctx context.Context, id string, fn incident.UpdateFn) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `SELECT doc FROM incidents WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return incident.ErrNotFound
			}
			return fmt.Errorf("lock incident: %w", err)
		}

		var inc incident.Incident
		if err := json.Unmarshal(doc, &inc); err != nil {
			return fmt.Errorf("unmarshal incident: %w", err)
		}

		rec, err := fn(&inc)
		if err != nil {
			return err
		}

		if _, err := appendInTx(ctx, tx, rec); err != nil {
			return err
		}

		next, err := json.Marshal(&inc)
		if err != nil {
			return fmt.Errorf("marshal incident: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE incidents SET status = $2, entity_keys = $3, last_activity_at = $4, doc = $5 WHERE id = $1`,
			inc.ID, string(inc.Status), inc.EntityKeys(), inc.LastActivityAt, next,
		)
		if err != nil {
			return fmt.Errorf("update incident: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, incident.ErrNotFound) || errors.Is(err, incident.ErrIllegalTransition) {
			return err
		}
		return spanErr(span, err)
	}
	return nil
}

// FindOpenByEntities returns non-Closed incidents sharing at least one
// entity identity key with activity at or after since.
func (s *Store) FindOpenByEntities(ctx context.Context, keys []string, since time.Time) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.FindOpenByEntities", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM incidents
		 WHERE status <> $1 AND last_activity_at >= $2 AND entity_keys && $3`,
		string(incident.StatusClosed), since, keys,
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("select candidates: %w", err))
	}
	defer rows.Close()

	return scanIncidents(rows)
}

// PutAlert stores a normalized alert. Replays overwrite the same row.
func (s *Store) PutAlert(ctx context.Context, al *alert.Alert) error {
	ctx, span := startSpan(ctx, "pgstore.PutAlert", "UPSERT")
	defer span.End()

	doc, err := json.Marshal(al)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal alert: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO alerts (id, source, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET source = EXCLUDED.source, doc = EXCLUDED.doc`,
		al.ID, al.Source, doc,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert alert: %w", err))
	}
	return nil
}

// GetAlert retrieves a normalized alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAlert", "SELECT")
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM alerts WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("select alert: %w", err))
	}

	var al alert.Alert
	if err := json.Unmarshal(doc, &al); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal alert: %w", err))
	}
	return &al, true, nil
}

// PutResult stores the triage result for one alert.
func (s *Store) PutResult(ctx context.Context, r *triage.Result) error {
	ctx, span := startSpan(ctx, "pgstore.PutResult", "UPSERT")
	defer span.End()

	doc, err := json.Marshal(r)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal result: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO triage_results (id, alert_id, created_at, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (alert_id) DO UPDATE SET id = EXCLUDED.id, created_at = EXCLUDED.created_at, doc = EXCLUDED.doc`,
		r.ID, r.AlertID, r.CreatedAt, doc,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert result: %w", err))
	}
	return nil
}

// GetResultByAlert retrieves the triage result for an alert.
func (s *Store) GetResultByAlert(ctx context.Context, alertID string) (*triage.Result, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetResultByAlert", "SELECT")
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM triage_results WHERE alert_id = $1`, alertID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("select result: %w", err))
	}

	var r triage.Result
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal result: %w", err))
	}
	return &r, true, nil
}

// withTx runs fn inside a transaction, committing on nil and rolling
// back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanIncidents(rows pgx.Rows) ([]*incident.Incident, error) {
	var out []*incident.Incident
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		var inc incident.Incident
		if err := json.Unmarshal(doc, &inc); err != nil {
			return nil, fmt.Errorf("unmarshal incident: %w", err)
		}
		out = append(out, &inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return out, nil
}
