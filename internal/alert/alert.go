// Package alert defines the normalized Alert model and the ingress
// normalizer that validates raw detection-source envelopes.
package alert

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrMalformed is returned when an inbound envelope violates an Alert
// invariant. Malformed alerts are rejected at ingress and never retried.
var ErrMalformed = errors.New("malformed alert")

// Severity is the ordered alert severity scale.
type Severity string

const (
	SeverityInformational Severity = "Informational"
	SeverityLow           Severity = "Low"
	SeverityMedium        Severity = "Medium"
	SeverityHigh          Severity = "High"
)

var severityRank = map[Severity]int{
	SeverityInformational: 0,
	SeverityLow:           1,
	SeverityMedium:        2,
	SeverityHigh:          3,
}

// Rank returns the ordinal position of the severity, Informational lowest.
func (s Severity) Rank() int { return severityRank[s] }

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// EntityType classifies a security entity referenced by an alert.
type EntityType string

const (
	EntityAccount EntityType = "Account"
	EntityHost    EntityType = "Host"
	EntityIP      EntityType = "IP"
	EntityFile    EntityType = "File"
	EntityProcess EntityType = "Process"
	EntityURL     EntityType = "URL"
)

// identityProps maps each entity type to the property that identifies it.
var identityProps = map[EntityType]string{
	EntityAccount: "name",
	EntityHost:    "hostname",
	EntityIP:      "address",
	EntityFile:    "sha256",
	EntityProcess: "command_line",
	EntityURL:     "url",
}

// Entity is an opaque typed key-value bag attached to an alert.
type Entity struct {
	Type       EntityType        `json:"type"`
	Properties map[string]string `json:"properties"`
}

// Key returns the identity key used for correlation, "type:value", or ""
// if the entity carries no identifying property.
func (e Entity) Key() string {
	prop, ok := identityProps[e.Type]
	if !ok {
		return ""
	}
	v := e.Properties[prop]
	if v == "" {
		return ""
	}
	return string(e.Type) + ":" + v
}

// Clone returns a copy with its own property map.
func (e Entity) Clone() Entity {
	cp := Entity{Type: e.Type}
	if e.Properties != nil {
		cp.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			cp.Properties[k] = v
		}
	}
	return cp
}

// Alert is a single normalized security event. Immutable once normalized.
type Alert struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Product     string            `json:"product,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Severity    Severity          `json:"severity"`
	StartsAt    time.Time         `json:"starts_at"`
	EndsAt      time.Time         `json:"ends_at"`
	Entities    []Entity          `json:"entities"`
	Techniques  []string          `json:"techniques,omitempty"`
	Remediation []string          `json:"remediation,omitempty"`
	Extended    map[string]string `json:"extended,omitempty"`
}

// EntityKeys returns the sorted, de-duplicated identity keys of the
// alert's entities. The order is deterministic so callers can use the
// slice as a lock-acquisition order.
func (a *Alert) EntityKeys() []string {
	seen := make(map[string]struct{}, len(a.Entities))
	keys := make([]string, 0, len(a.Entities))
	for _, e := range a.Entities {
		k := e.Key()
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Envelope is the minimal raw alert shape accepted from detection sources.
type Envelope struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	Product     string            `json:"product"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Severity    string            `json:"severity"`
	StartsAt    time.Time         `json:"starts_at"`
	EndsAt      time.Time         `json:"ends_at"`
	Entities    []Entity          `json:"entities"`
	Techniques  []string          `json:"techniques"`
	Remediation []string          `json:"remediation"`
	Extended    map[string]string `json:"extended"`
}

// Webhook is a batch of raw alert envelopes as delivered by a source feed.
type Webhook struct {
	Alerts []Envelope `json:"alerts"`
}

// Normalize validates a raw envelope and returns the normalized Alert.
// It is a pure function: the only failure mode is ErrMalformed with a
// human-readable reason, and nothing is mutated or emitted on either path.
func Normalize(env *Envelope) (*Alert, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if env.Source == "" {
		return nil, fmt.Errorf("%w: alert %s: missing source", ErrMalformed, env.ID)
	}
	sev := Severity(env.Severity)
	if !sev.Valid() {
		return nil, fmt.Errorf("%w: alert %s: unknown severity %q", ErrMalformed, env.ID, env.Severity)
	}
	if env.StartsAt.IsZero() {
		return nil, fmt.Errorf("%w: alert %s: missing start time", ErrMalformed, env.ID)
	}
	ends := env.EndsAt
	if ends.IsZero() {
		ends = env.StartsAt
	}
	if ends.Before(env.StartsAt) {
		return nil, fmt.Errorf("%w: alert %s: end time before start time", ErrMalformed, env.ID)
	}

	identified := 0
	for _, e := range env.Entities {
		if e.Key() != "" {
			identified++
		}
	}
	if identified == 0 {
		return nil, fmt.Errorf("%w: alert %s: no identifiable entities", ErrMalformed, env.ID)
	}

	return &Alert{
		ID:          env.ID,
		Source:      env.Source,
		Product:     env.Product,
		Name:        env.Name,
		Description: env.Description,
		Severity:    sev,
		StartsAt:    env.StartsAt,
		EndsAt:      ends,
		Entities:    env.Entities,
		Techniques:  env.Techniques,
		Remediation: env.Remediation,
		Extended:    env.Extended,
	}, nil
}
