package claude

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/triage"
)

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	al := &alert.Alert{
		ID:       "a-1",
		Source:   "edr",
		Name:     "credential dumping",
		Severity: alert.SeverityHigh,
		StartsAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Entities: []alert.Entity{
			{Type: alert.EntityHost, Properties: map[string]string{"hostname": "dc-01"}},
		},
		Techniques: []string{"T1003"},
	}
	incCtx := triage.IncidentContext{
		IncidentID:     "inc-1",
		Status:         "Investigating",
		AttachedAlerts: 3,
		Techniques:     []string{"T1003", "T1021"},
	}

	out, err := buildPayload(al, incCtx)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}

	var decoded payload
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded.Alert.ID != "a-1" {
		t.Errorf("alert id = %q, want a-1", decoded.Alert.ID)
	}
	if decoded.Incident.AttachedAlerts != 3 {
		t.Errorf("attached alerts = %d, want 3", decoded.Incident.AttachedAlerts)
	}
}

func TestTextContent(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "part one "},
			{Type: "tool_use", ID: "tu-1", Name: "ignored"},
			{Type: "text", Text: "part two"},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}

	if got := textContent(msg); got != "part one part two" {
		t.Errorf("textContent = %q", got)
	}
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		wantScore int
		wantDec   triage.Decision
		wantErr   bool
	}{
		{
			name:      "bare json",
			text:      `{"risk_score": 85, "decision": "EscalateToIncident", "explanation": "credential theft on a DC"}`,
			wantScore: 85,
			wantDec:   triage.DecisionEscalate,
		},
		{
			name:      "fenced json",
			text:      "```json\n{\"risk_score\": 20, \"decision\": \"MarkFalsePositive\", \"explanation\": \"scheduled scanner\"}\n```",
			wantScore: 20,
			wantDec:   triage.DecisionFalsePositive,
		},
		{
			name:      "prose around json",
			text:      `Here is my assessment: {"risk_score": 50, "decision": "RequireHumanReview", "explanation": "ambiguous"} based on the evidence.`,
			wantScore: 50,
			wantDec:   triage.DecisionHumanReview,
		},
		{
			name:    "no json",
			text:    "I cannot classify this alert.",
			wantErr: true,
		},
		{
			name:    "unknown decision",
			text:    `{"risk_score": 10, "decision": "Shrug", "explanation": ""}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			text:    `{"risk_score": }`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseVerdict(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseVerdict(%q) succeeded, want error", tt.text)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVerdict: %v", err)
			}
			if got.RiskScore != tt.wantScore {
				t.Errorf("score = %d, want %d", got.RiskScore, tt.wantScore)
			}
			if got.Decision != tt.wantDec {
				t.Errorf("decision = %q, want %q", got.Decision, tt.wantDec)
			}
		})
	}
}

func TestNormalizeDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want triage.Decision
	}{
		{"EscalateToIncident", triage.DecisionEscalate},
		{"escalate_to_incident", triage.DecisionEscalate},
		{"CORRELATE-WITH-EXISTING", triage.DecisionCorrelate},
		{"MarkAsFalsePositive", triage.DecisionFalsePositive},
		{"require human review", triage.DecisionHumanReview},
	}
	for _, tt := range tests {
		got, err := normalizeDecision(tt.in)
		if err != nil {
			t.Errorf("normalizeDecision(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeDecision(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := normalizeDecision("delete everything"); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestSystemPromptNamesDecisions(t *testing.T) {
	t.Parallel()

	// The prompt and the parser must agree on the decision vocabulary.
	for _, dec := range []triage.Decision{
		triage.DecisionEscalate,
		triage.DecisionCorrelate,
		triage.DecisionFalsePositive,
		triage.DecisionHumanReview,
	} {
		if !strings.Contains(systemPrompt, string(dec)) {
			t.Errorf("system prompt does not mention %q", dec)
		}
	}
}
