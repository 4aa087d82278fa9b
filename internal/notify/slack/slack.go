// Package slack delivers approval requests to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/warden/internal/response"
)

const (
	maxRationaleLen = 2000
	httpTimeout     = 10 * time.Second
)

// Notifier posts approval requests to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a Slack notifier. If webhookURL is empty, RequestApproval
// is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// RequestApproval posts a pending response action to the configured
// webhook. With no webhook configured it returns nil immediately.
func (n *Notifier) RequestApproval(ctx context.Context, act *response.Action) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(act)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(act *response.Action) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(act),
			{"type": "divider"},
			fieldsBlock(act),
			{"type": "divider"},
			rationaleBlock(act),
			{"type": "divider"},
			contextBlock(act),
		},
	}
}

func headerBlock(act *response.Action) map[string]any {
	text := fmt.Sprintf("%s Approval Required: %s on %s",
		riskEmoji(act.Risk), act.Type, targetLabel(act))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(act *response.Action) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Action:* %s", act.Type),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Risk:* %s", act.Risk),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Incident:* %s", act.IncidentID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Policy rule:* %s", act.PolicyRule),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Requested by:* %s", act.RequestedBy),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Request ID:* %s", act.ApprovalRequestID),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func rationaleBlock(act *response.Action) map[string]any {
	text := truncate(act.Rationale, maxRationaleLen)
	if text == "" {
		text = "_No rationale provided._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rationale*\n\n%s", text),
		},
	}
}

func contextBlock(act *response.Action) map[string]any {
	ts := act.RequestedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("warden • action %s • %s", act.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func targetLabel(act *response.Action) string {
	if act.Target.Name != "" {
		return act.Target.Name
	}
	if act.Target.EntityID != "" {
		return act.Target.EntityID
	}
	return string(act.Target.EntityType)
}

func riskEmoji(risk response.RiskLevel) string {
	switch risk {
	case response.RiskCritical, response.RiskHigh:
		return "\U0001f534" // red circle
	case response.RiskMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
