// Package audit defines the append-only, tamper-evident ledger that records
// every incident and response-action decision. Audit completeness is a
// correctness requirement: callers must treat a failed append as a failed
// operation, never as a best-effort side effect.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrWriteFailed wraps ledger append failures. An operation whose audit
// record cannot be appended must be rolled back or surfaced as failed.
var ErrWriteFailed = errors.New("audit write failed")

// Outcome is the result classification of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailure Outcome = "Failure"
	OutcomePartial Outcome = "PartialSuccess"
)

// ActorType distinguishes automated and human actors.
type ActorType string

const (
	ActorService ActorType = "Service"
	ActorHuman   ActorType = "Human"
)

// Target identifies the entity an audited operation acted on.
type Target struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Record is one immutable ledger entry. Every state transition of an
// Incident or ResponseAction produces exactly one Record.
type Record struct {
	ID            string            `json:"id"`
	Time          time.Time         `json:"time"`
	Actor         string            `json:"actor"`
	ActorType     ActorType         `json:"actor_type"`
	Action        string            `json:"action"`
	Target        Target            `json:"target"`
	Outcome       Outcome           `json:"outcome"`
	CorrelationID string            `json:"correlation_id"`
	Details       map[string]string `json:"details,omitempty"`
	Error         string            `json:"error,omitempty"`

	// Chain fields are assigned by the ledger on append.
	Seq      uint64 `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// NewRecord fills in identity and timestamp for a ledger entry.
func NewRecord(actor string, at ActorType, action string, target Target, outcome Outcome, correlationID string) Record {
	return Record{
		ID:            uuid.NewString(),
		Time:          time.Now().UTC(),
		Actor:         actor,
		ActorType:     at,
		Action:        action,
		Target:        target,
		Outcome:       outcome,
		CorrelationID: correlationID,
	}
}

// Ledger is the append-only audit sink shared by every component.
type Ledger interface {
	Append(ctx context.Context, rec Record) (Record, error)
	ByCorrelation(ctx context.Context, correlationID string) ([]Record, error)
	All(ctx context.Context) ([]Record, error)
}

// HashRecord computes the chain hash for a record given its predecessor's
// hash. The hash covers every payload field, so any post-hoc mutation is
// detectable by Verify.
func HashRecord(rec Record) string {
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	h.Write([]byte(rec.ID))
	h.Write([]byte(rec.Time.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(rec.Actor))
	h.Write([]byte(rec.ActorType))
	h.Write([]byte(rec.Action))
	h.Write([]byte(rec.Target.Type))
	h.Write([]byte(rec.Target.ID))
	h.Write([]byte(rec.Outcome))
	h.Write([]byte(rec.CorrelationID))
	h.Write([]byte(rec.Error))
	if len(rec.Details) > 0 {
		// json.Marshal sorts map keys, so the digest is deterministic.
		b, _ := json.Marshal(rec.Details)
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain walks records in sequence order and reports whether every
// hash and back-link is intact.
func VerifyChain(recs []Record) bool {
	for i, rec := range recs {
		if HashRecord(rec) != rec.Hash {
			return false
		}
		if i > 0 && recs[i-1].Hash != rec.PrevHash {
			return false
		}
	}
	return true
}
