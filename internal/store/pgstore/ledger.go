package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/audit"
)

// pgLedger is the PostgreSQL audit ledger. Appends lock the single chain
// head row, which serializes sequence and hash assignment across
// concurrent transactions and across processes.
type pgLedger struct {
	pool *pgxpool.Pool
}

// appendInTx seals rec onto the chain inside an open transaction. Store
// mutations call this so the record and the mutation commit or roll back
// together. Failures are wrapped in audit.ErrWriteFailed.
func appendInTx(ctx context.Context, tx pgx.Tx, rec audit.Record) (audit.Record, error) {
	var nextSeq uint64
	var headHash string
	err := tx.QueryRow(ctx,
		`SELECT next_seq, hash FROM audit_chain_head WHERE id = 1 FOR UPDATE`,
	).Scan(&nextSeq, &headHash)
	if err != nil {
		return audit.Record{}, fmt.Errorf("%w: lock chain head: %v", audit.ErrWriteFailed, err)
	}

	rec.Seq = nextSeq
	rec.PrevHash = headHash
	rec.Hash = audit.HashRecord(rec)

	doc, err := json.Marshal(rec)
	if err != nil {
		return audit.Record{}, fmt.Errorf("%w: marshal record: %v", audit.ErrWriteFailed, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO audit_records (seq, id, correlation_id, prev_hash, hash, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.Seq, rec.ID, rec.CorrelationID, rec.PrevHash, rec.Hash, doc,
	)
	if err != nil {
		return audit.Record{}, fmt.Errorf("%w: insert record: %v", audit.ErrWriteFailed, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE audit_chain_head SET next_seq = $1, hash = $2 WHERE id = 1`,
		rec.Seq+1, rec.Hash,
	)
	if err != nil {
		return audit.Record{}, fmt.Errorf("%w: advance chain head: %v", audit.ErrWriteFailed, err)
	}

	return rec, nil
}

// Append seals the record onto the chain in its own transaction.
func (l *pgLedger) Append(ctx context.Context, rec audit.Record) (audit.Record, error) {
	ctx, span := startSpan(ctx, "pgledger.Append", "INSERT")
	defer span.End()

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return audit.Record{}, spanErr(span, fmt.Errorf("%w: begin tx: %v", audit.ErrWriteFailed, err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	sealed, err := appendInTx(ctx, tx, rec)
	if err != nil {
		return audit.Record{}, spanErr(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return audit.Record{}, spanErr(span, fmt.Errorf("%w: commit: %v", audit.ErrWriteFailed, err))
	}
	return sealed, nil
}

// ByCorrelation returns all records for one causal chain, oldest first.
func (l *pgLedger) ByCorrelation(ctx context.Context, correlationID string) ([]audit.Record, error) {
	ctx, span := startSpan(ctx, "pgledger.ByCorrelation", "SELECT")
	defer span.End()

	rows, err := l.pool.Query(ctx,
		`SELECT doc FROM audit_records WHERE correlation_id = $1 ORDER BY seq`, correlationID)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("select records: %w", err))
	}
	defer rows.Close()

	return scanRecords(rows)
}

// All returns every record in chain order.
func (l *pgLedger) All(ctx context.Context) ([]audit.Record, error) {
	ctx, span := startSpan(ctx, "pgledger.All", "SELECT")
	defer span.End()

	rows, err := l.pool.Query(ctx, `SELECT doc FROM audit_records ORDER BY seq`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("select records: %w", err))
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]audit.Record, error) {
	var out []audit.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec audit.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
