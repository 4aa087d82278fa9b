package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/response"
)

type failLedger struct {
	*audit.MemLedger
	fail bool
}

func (f *failLedger) Append(ctx context.Context, rec audit.Record) (audit.Record, error) {
	if f.fail {
		return audit.Record{}, errors.New("ledger unavailable")
	}
	return f.MemLedger.Append(ctx, rec)
}

func testIncident(id string) *incident.Incident {
	now := time.Now().UTC()
	return &incident.Incident{
		ID:             id,
		Title:          "suspicious sign-in",
		Severity:       alert.SeverityHigh,
		Status:         incident.StatusNew,
		CorrelationID:  "corr-" + id,
		CreatedAt:      now,
		LastActivityAt: now,
		AlertIDs:       []string{"a1"},
		Entities: []alert.Entity{
			{Type: alert.EntityHost, Properties: map[string]string{"hostname": "ws-" + id}},
		},
	}
}

func rec(action, targetID string) audit.Record {
	return audit.NewRecord("test", audit.ActorService, action,
		audit.Target{Type: "incident", ID: targetID}, audit.OutcomeSuccess, "corr")
}

func TestUpdateCommitsWithAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := audit.NewMemLedger()
	s := New(ledger)

	if err := s.Create(ctx, testIncident("i1"), rec("IncidentCreated", "i1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Update(ctx, "i1", func(inc *incident.Incident) (audit.Record, error) {
		inc.Status = incident.StatusInvestigating
		return rec("IncidentTransitioned", "i1"), nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, ok, _ := s.Get(ctx, "i1")
	if !ok || got.Status != incident.StatusInvestigating {
		t.Fatalf("status = %v, want Investigating", got.Status)
	}
	recs, _ := ledger.All(ctx)
	if len(recs) != 2 {
		t.Fatalf("ledger has %d records, want 2", len(recs))
	}
}

func TestUpdateRollsBackOnAuditFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fl := &failLedger{MemLedger: audit.NewMemLedger()}
	s := New(fl)

	if err := s.Create(ctx, testIncident("i1"), rec("IncidentCreated", "i1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fl.fail = true
	err := s.Update(ctx, "i1", func(inc *incident.Incident) (audit.Record, error) {
		inc.Status = incident.StatusInvestigating
		return rec("IncidentTransitioned", "i1"), nil
	})
	if !errors.Is(err, audit.ErrWriteFailed) {
		t.Fatalf("err = %v, want ErrWriteFailed", err)
	}
	got, _, _ := s.Get(ctx, "i1")
	if got.Status != incident.StatusNew {
		t.Fatalf("status = %v, want New (mutation rolled back)", got.Status)
	}
}

func TestUpdateFnErrorAppendsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ledger := audit.NewMemLedger()
	s := New(ledger)

	if err := s.Create(ctx, testIncident("i1"), rec("IncidentCreated", "i1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sentinel := errors.New("nope")
	err := s.Update(ctx, "i1", func(inc *incident.Incident) (audit.Record, error) {
		inc.Status = incident.StatusClosed
		return audit.Record{}, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	recs, _ := ledger.All(ctx)
	if len(recs) != 1 {
		t.Fatalf("ledger has %d records, want 1 (no append on fn error)", len(recs))
	}
}

func TestFindOpenByEntities(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(audit.NewMemLedger())

	old := testIncident("stale")
	old.LastActivityAt = time.Now().Add(-2 * time.Hour)
	closed := testIncident("closed")
	closed.Status = incident.StatusClosed
	live := testIncident("live")

	for _, inc := range []*incident.Incident{old, closed, live} {
		if err := s.Create(ctx, inc, rec("IncidentCreated", inc.ID)); err != nil {
			t.Fatalf("Create %s: %v", inc.ID, err)
		}
	}

	since := time.Now().Add(-30 * time.Minute)
	for _, tc := range []struct {
		name string
		keys []string
		want int
	}{
		{"matching live incident", []string{"Host:ws-live"}, 1},
		{"stale incident outside window", []string{"Host:ws-stale"}, 0},
		{"closed incident excluded", []string{"Host:ws-closed"}, 0},
		{"no overlap", []string{"IP:10.0.0.9"}, 0},
	} {
		got, err := s.FindOpenByEntities(ctx, tc.keys, since)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Errorf("%s: got %d incidents, want %d", tc.name, len(got), tc.want)
		}
	}
}

func TestActionApprovalIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(audit.NewMemLedger())

	act := &response.Action{
		ID:         "act1",
		IncidentID: "i1",
		Type:       response.ActionDisableAccount,
		Status:     response.StatusPending,
	}
	if err := s.CreateAction(ctx, act, rec("ActionProposed", "act1")); err != nil {
		t.Fatalf("CreateAction: %v", err)
	}
	err := s.UpdateAction(ctx, "act1", func(a *response.Action) (audit.Record, error) {
		a.Status = response.StatusApprovalRequired
		a.ApprovalRequestID = "appr-1"
		return rec("ActionApprovalRequested", "act1"), nil
	})
	if err != nil {
		t.Fatalf("UpdateAction: %v", err)
	}
	got, ok, err := s.GetActionByApproval(ctx, "appr-1")
	if err != nil || !ok {
		t.Fatalf("GetActionByApproval: ok=%v err=%v", ok, err)
	}
	if got.ID != "act1" || got.Status != response.StatusApprovalRequired {
		t.Fatalf("got %+v", got)
	}
}

func TestCopySemantics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(audit.NewMemLedger())

	inc := testIncident("i1")
	if err := s.Create(ctx, inc, rec("IncidentCreated", "i1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	inc.Status = incident.StatusClosed // caller's copy, must not leak in

	got, _, _ := s.Get(ctx, "i1")
	if got.Status != incident.StatusNew {
		t.Fatalf("caller mutation leaked into store")
	}
	got.Entities[0].Properties["hostname"] = "tampered"
	again, _, _ := s.Get(ctx, "i1")
	if again.Entities[0].Properties["hostname"] == "tampered" {
		t.Fatalf("returned copy shares entity map with store")
	}
}
