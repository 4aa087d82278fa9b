package response

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// WebhookAdapter executes actions by posting them to an external
// responder endpoint (SOAR connector, automation runner). The endpoint
// receives the full action and answers with a Result.
type WebhookAdapter struct {
	url    string
	client *http.Client
}

// NewWebhookAdapter creates an adapter for the given responder endpoint.
func NewWebhookAdapter(url string) *WebhookAdapter {
	return &WebhookAdapter{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// webhookResponse is the responder's reply shape.
type webhookResponse struct {
	Code              int      `json:"code"`
	Message           string   `json:"message"`
	AffectedResources []string `json:"affected_resources,omitempty"`
}

// Execute posts the action to the responder and decodes its result. A
// non-2xx reply is an execution failure, subject to the executor's retry.
func (w *WebhookAdapter) Execute(ctx context.Context, act *Action) (Result, error) {
	payload, err := json.Marshal(map[string]any{
		"action_id":   act.ID,
		"incident_id": act.IncidentID,
		"type":        act.Type,
		"target":      act.Target,
		"risk":        act.Risk,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("responder call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("responder returned %d: %s", resp.StatusCode, string(body))
	}

	var wr webhookResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return Result{}, fmt.Errorf("decode responder reply: %w", err)
	}
	return Result{
		Code:              wr.Code,
		Message:           wr.Message,
		AffectedResources: wr.AffectedResources,
	}, nil
}

// DryRunAdapter returns an adapter that records the action as executed
// without touching anything. Used when no responder endpoint is
// configured (dev and staging).
func DryRunAdapter(logger log.Logger) Adapter {
	return AdapterFunc(func(ctx context.Context, act *Action) (Result, error) {
		logger.Info(ctx, "dry-run action execution",
			"action_id", act.ID,
			"type", string(act.Type),
			"target", act.Target.EntityID,
		)
		return Result{Code: 200, Message: "dry-run: no responder configured"}, nil
	})
}
