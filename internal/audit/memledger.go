package audit

import (
	"context"
	"sync"
)

// MemLedger is an in-memory hash-chained Ledger. Suitable for dev/testing
// and as the ledger backing memstore deployments.
type MemLedger struct {
	mu   sync.RWMutex
	recs []Record
}

// NewMemLedger initializes an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{recs: make([]Record, 0, 256)}
}

// Append assigns the chain position and hash, stores the record, and
// returns the sealed copy.
func (l *MemLedger) Append(_ context.Context, rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Seq = uint64(len(l.recs))
	rec.PrevHash = ""
	if rec.Seq > 0 {
		rec.PrevHash = l.recs[rec.Seq-1].Hash
	}
	rec.Hash = HashRecord(rec)
	l.recs = append(l.recs, rec)
	return rec, nil
}

// ByCorrelation returns all records for one causal chain, oldest first.
func (l *MemLedger) ByCorrelation(_ context.Context, correlationID string) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, r := range l.recs {
		if r.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every record in append order.
func (l *MemLedger) All(_ context.Context) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, len(l.recs))
	copy(out, l.recs)
	return out, nil
}

// Verify checks the full chain for tampering.
func (l *MemLedger) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyChain(l.recs)
}
