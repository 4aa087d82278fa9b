// Package claude implements the risk classifier on top of the Anthropic
// SDK. The model receives one alert plus its correlation context and
// returns a JSON verdict with a 0-100 risk score, a triage decision and
// a short explanation.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/triage"
)

const systemPrompt = `You are a SOC triage classifier. Given one security alert and the
state of the incident it was correlated into, respond with a single JSON
object and nothing else:

{"risk_score": <0-100>, "decision": "<EscalateToIncident|CorrelateWithExisting|MarkFalsePositive|RequireHumanReview>", "explanation": "<one or two sentences>"}

Score conservatively: prefer RequireHumanReview over MarkFalsePositive
when evidence is thin.`

const maxTokens = 1024

// Client implements triage.Classifier for the Claude API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a Claude classifier with the given API key and model name.
func New(apiKey, model string) *Client {
	return &Client{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Classify calls the model once and parses its verdict. Any transport,
// parse, or refusal problem surfaces as an error; the triage adapter
// turns those into the fallback result.
func (c *Client) Classify(ctx context.Context, al *alert.Alert, incCtx triage.IncidentContext) (*triage.Classification, error) {
	payload, err := buildPayload(al, incCtx)
	if err != nil {
		return nil, fmt.Errorf("build payload: %w", err)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(payload)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", triage.ErrUnavailable, err)
	}

	text := textContent(msg)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", triage.ErrUnavailable)
	}
	return parseVerdict(text)
}

// payload is the document the model classifies.
type payload struct {
	Alert    *alert.Alert           `json:"alert"`
	Incident triage.IncidentContext `json:"incident"`
}

func buildPayload(al *alert.Alert, incCtx triage.IncidentContext) (string, error) {
	b, err := json.Marshal(payload{Alert: al, Incident: incCtx})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// textContent concatenates the text blocks of a model response.
func textContent(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// verdict is the wire shape of the model's answer.
type verdict struct {
	RiskScore   int    `json:"risk_score"`
	Decision    string `json:"decision"`
	Explanation string `json:"explanation"`
}

// parseVerdict extracts the JSON verdict from model output, tolerating
// surrounding prose or code fences.
func parseVerdict(text string) (*triage.Classification, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in classifier output")
	}

	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("parse verdict: %w", err)
	}

	dec, err := normalizeDecision(v.Decision)
	if err != nil {
		return nil, err
	}
	return &triage.Classification{
		RiskScore:   v.RiskScore,
		Decision:    dec,
		Explanation: v.Explanation,
	}, nil
}

// normalizeDecision maps model output onto the closed decision set,
// forgiving case and separator drift.
func normalizeDecision(s string) (triage.Decision, error) {
	canon := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch canon {
	case "escalatetoincident", "escalate":
		return triage.DecisionEscalate, nil
	case "correlatewithexisting", "correlate":
		return triage.DecisionCorrelate, nil
	case "markfalsepositive", "markasfalsepositive", "falsepositive":
		return triage.DecisionFalsePositive, nil
	case "requirehumanreview", "humanreview":
		return triage.DecisionHumanReview, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}
