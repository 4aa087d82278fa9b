package response

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
)

func TestWebhookAdapterExecute(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(webhookResponse{
			Code:              200,
			Message:           "isolated",
			AffectedResources: []string{"host/ws-1"},
		})
	}))
	defer srv.Close()

	a := NewWebhookAdapter(srv.URL)
	act := &Action{
		ID:         "act-1",
		IncidentID: "inc-1",
		Type:       ActionIsolateEndpoint,
		Risk:       RiskLow,
		Target:     Target{EntityType: alert.EntityHost, EntityID: "ws-1"},
	}

	res, err := a.Execute(context.Background(), act)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Code != 200 || res.Message != "isolated" {
		t.Errorf("result = %+v, want code 200 message isolated", res)
	}
	if len(res.AffectedResources) != 1 {
		t.Errorf("affected = %v, want 1 entry", res.AffectedResources)
	}
	if got["action_id"] != "act-1" || got["type"] != string(ActionIsolateEndpoint) {
		t.Errorf("payload = %v, want action_id act-1 type IsolateEndpoint", got)
	}
}

func TestWebhookAdapterNon2xxFails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "runner busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewWebhookAdapter(srv.URL)
	_, err := a.Execute(context.Background(), &Action{ID: "act-2", Type: ActionBlockIndicator})
	if err == nil {
		t.Fatal("expected error for 503 responder reply")
	}
}

func TestDryRunAdapter(t *testing.T) {
	t.Parallel()

	a := DryRunAdapter(log.Nop())
	res, err := a.Execute(context.Background(), &Action{ID: "act-3", Type: ActionDisableAccount})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Code != 200 {
		t.Errorf("code = %d, want 200", res.Code)
	}
}
