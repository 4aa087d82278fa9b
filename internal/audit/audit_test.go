package audit

import (
	"context"
	"testing"
)

func TestMemLedger_AppendChains(t *testing.T) {
	t.Parallel()

	l := NewMemLedger()
	ctx := context.Background()

	first, err := l.Append(ctx, NewRecord("correlator", ActorService, "IncidentCreated", Target{Type: "incident", ID: "inc-1"}, OutcomeSuccess, "corr-1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := l.Append(ctx, NewRecord("lifecycle", ActorService, "IncidentTransitioned", Target{Type: "incident", ID: "inc-1"}, OutcomeSuccess, "corr-1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if first.Seq != 0 || second.Seq != 1 {
		t.Errorf("seq = %d, %d; want 0, 1", first.Seq, second.Seq)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("PrevHash = %q, want %q", second.PrevHash, first.Hash)
	}
	if !l.Verify() {
		t.Error("Verify() = false on untampered ledger")
	}
}

func TestMemLedger_VerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	l := NewMemLedger()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, NewRecord("gate", ActorService, "ActionApproved", Target{Type: "action", ID: "act-1"}, OutcomeSuccess, "corr-2")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	l.recs[1].Outcome = OutcomeFailure
	if l.Verify() {
		t.Error("Verify() = true after mutating a stored record")
	}
}

func TestMemLedger_ByCorrelation(t *testing.T) {
	t.Parallel()

	l := NewMemLedger()
	ctx := context.Background()
	for _, corr := range []string{"a", "b", "a", "a"} {
		if _, err := l.Append(ctx, NewRecord("x", ActorService, "Op", Target{}, OutcomeSuccess, corr)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := l.ByCorrelation(ctx, "a")
	if err != nil {
		t.Fatalf("ByCorrelation: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Seq >= got[i].Seq {
			t.Error("records not in append order")
		}
	}
}

func TestHashRecord_DetailsAffectDigest(t *testing.T) {
	t.Parallel()

	base := NewRecord("executor", ActorService, "ActionExecuted", Target{Type: "action", ID: "act-9"}, OutcomeSuccess, "corr-3")
	withDetails := base
	withDetails.Details = map[string]string{"result_code": "0"}

	if HashRecord(base) == HashRecord(withDetails) {
		t.Error("digest unchanged when details differ")
	}
}
