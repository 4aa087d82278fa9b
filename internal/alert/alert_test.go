package alert

import (
	"errors"
	"testing"
	"time"
)

func validEnvelope() *Envelope {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Envelope{
		ID:       "al-1",
		Source:   "sentinel",
		Name:     "Suspicious Login",
		Severity: "High",
		StartsAt: start,
		EndsAt:   start.Add(5 * time.Minute),
		Entities: []Entity{
			{Type: EntityHost, Properties: map[string]string{"hostname": "ws-001"}},
		},
	}
}

func TestNormalize_Valid(t *testing.T) {
	t.Parallel()

	al, err := Normalize(validEnvelope())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if al.ID != "al-1" {
		t.Errorf("ID = %q, want %q", al.ID, "al-1")
	}
	if al.Severity != SeverityHigh {
		t.Errorf("Severity = %q, want %q", al.Severity, SeverityHigh)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"missing source", func(e *Envelope) { e.Source = "" }},
		{"unknown severity", func(e *Envelope) { e.Severity = "Catastrophic" }},
		{"missing start", func(e *Envelope) { e.StartsAt = time.Time{} }},
		{"end before start", func(e *Envelope) { e.EndsAt = e.StartsAt.Add(-time.Minute) }},
		{"no entities", func(e *Envelope) { e.Entities = nil }},
		{"entities without identity", func(e *Envelope) {
			e.Entities = []Entity{{Type: EntityHost, Properties: map[string]string{"os": "linux"}}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := validEnvelope()
			tt.mutate(env)
			if _, err := Normalize(env); !errors.Is(err, ErrMalformed) {
				t.Errorf("Normalize = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestNormalize_ZeroEndDefaultsToStart(t *testing.T) {
	t.Parallel()

	env := validEnvelope()
	env.EndsAt = time.Time{}
	al, err := Normalize(env)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !al.EndsAt.Equal(al.StartsAt) {
		t.Errorf("EndsAt = %v, want %v", al.EndsAt, al.StartsAt)
	}
}

func TestEntityKeys_SortedAndDeduped(t *testing.T) {
	t.Parallel()

	al := &Alert{Entities: []Entity{
		{Type: EntityIP, Properties: map[string]string{"address": "10.0.0.9"}},
		{Type: EntityAccount, Properties: map[string]string{"name": "svc-backup"}},
		{Type: EntityIP, Properties: map[string]string{"address": "10.0.0.9"}},
		{Type: EntityHost, Properties: map[string]string{"os": "linux"}}, // no identity
	}}

	keys := al.EntityKeys()
	want := []string{"Account:svc-backup", "IP:10.0.0.9"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestSeverityRank_Ordering(t *testing.T) {
	t.Parallel()

	order := []Severity{SeverityInformational, SeverityLow, SeverityMedium, SeverityHigh}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s rank %d not below %s rank %d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
}
