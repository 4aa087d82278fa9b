package triage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
)

// mockClassifier returns a canned classification or error, optionally
// blocking until the context is cancelled.
type mockClassifier struct {
	cls   *Classification
	err   error
	block bool
}

func (m *mockClassifier) Classify(ctx context.Context, _ *alert.Alert, _ IncidentContext) (*Classification, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.cls, m.err
}

func testAlert() *alert.Alert {
	return &alert.Alert{
		ID:       "al-1",
		Severity: alert.SeverityHigh,
		Entities: []alert.Entity{
			{Type: alert.EntityHost, Properties: map[string]string{"hostname": "ws-001"}},
		},
	}
}

func TestPriorityForScore_Thresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score int
		want  Priority
	}{
		{100, PriorityCritical},
		{85, PriorityCritical},
		{84, PriorityHigh},
		{60, PriorityHigh},
		{59, PriorityMedium},
		{30, PriorityMedium},
		{29, PriorityLow},
		{0, PriorityLow},
	}
	for _, tt := range tests {
		if got := PriorityForScore(tt.score); got != tt.want {
			t.Errorf("PriorityForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestClassify_Success(t *testing.T) {
	t.Parallel()

	mc := &mockClassifier{cls: &Classification{
		RiskScore:   88,
		Decision:    DecisionEscalate,
		Explanation: "credential brute force followed by successful login",
	}}
	a := NewAdapter(mc, time.Second, log.Nop(), Hooks{})

	r := a.Classify(context.Background(), testAlert(), IncidentContext{})
	if r.RiskScore != 88 {
		t.Errorf("RiskScore = %d, want 88", r.RiskScore)
	}
	if r.Priority != PriorityCritical {
		t.Errorf("Priority = %s, want Critical", r.Priority)
	}
	if r.Decision != DecisionEscalate {
		t.Errorf("Decision = %s, want EscalateToIncident", r.Decision)
	}
	if r.Fallback {
		t.Error("Fallback = true on successful classification")
	}
}

func TestClassify_ErrorFallsBack(t *testing.T) {
	t.Parallel()

	mc := &mockClassifier{err: errors.New("upstream 503")}
	a := NewAdapter(mc, time.Second, log.Nop(), Hooks{})

	r := a.Classify(context.Background(), testAlert(), IncidentContext{})
	if r.RiskScore != 50 {
		t.Errorf("RiskScore = %d, want 50", r.RiskScore)
	}
	if r.Priority != PriorityMedium {
		t.Errorf("Priority = %s, want Medium", r.Priority)
	}
	if r.Decision != DecisionHumanReview {
		t.Errorf("Decision = %s, want RequireHumanReview", r.Decision)
	}
	if !r.Fallback {
		t.Error("Fallback = false, want true")
	}
	if !strings.Contains(r.Explanation, "classifier unavailable") {
		t.Errorf("Explanation = %q, want classifier failure noted", r.Explanation)
	}
}

func TestClassify_TimeoutFallsBack(t *testing.T) {
	t.Parallel()

	mc := &mockClassifier{block: true}
	a := NewAdapter(mc, 20*time.Millisecond, log.Nop(), Hooks{})

	start := time.Now()
	r := a.Classify(context.Background(), testAlert(), IncidentContext{})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Classify blocked for %v, timeout not applied", elapsed)
	}

	if r.Decision != DecisionHumanReview || r.RiskScore != 50 {
		t.Errorf("fallback result = %s/%d, want RequireHumanReview/50", r.Decision, r.RiskScore)
	}
}

func TestClassify_OutOfRangeScoreFallsBack(t *testing.T) {
	t.Parallel()

	mc := &mockClassifier{cls: &Classification{RiskScore: 140, Decision: DecisionEscalate}}
	a := NewAdapter(mc, time.Second, log.Nop(), Hooks{})

	r := a.Classify(context.Background(), testAlert(), IncidentContext{})
	if r.RiskScore != 50 || r.Decision != DecisionHumanReview {
		t.Errorf("result = %d/%s, want 50/RequireHumanReview", r.RiskScore, r.Decision)
	}
}

func TestClassify_HooksObserved(t *testing.T) {
	t.Parallel()

	var sawFallback bool
	var calls int
	hooks := Hooks{OnClassify: func(_ time.Duration, fallback bool) {
		calls++
		sawFallback = fallback
	}}

	a := NewAdapter(&mockClassifier{err: errors.New("boom")}, time.Second, log.Nop(), hooks)
	a.Classify(context.Background(), testAlert(), IncidentContext{})

	if calls != 1 {
		t.Errorf("OnClassify calls = %d, want 1", calls)
	}
	if !sawFallback {
		t.Error("OnClassify fallback = false, want true")
	}
}
