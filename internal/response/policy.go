package response

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule is one row of the approval matrix. An action matches when its
// type is in Actions and every Where key is present on the target with
// one of the listed values. A missing attribute never matches: absence
// of evidence routes to the fail-closed default.
type Rule struct {
	Name        string              `yaml:"name"`
	Actions     []ActionType        `yaml:"actions"`
	Where       map[string][]string `yaml:"where,omitempty"`
	AutoApprove bool                `yaml:"auto_approve"`
}

func (r Rule) matches(act *Action) bool {
	ok := false
	for _, t := range r.Actions {
		if t == act.Type {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	for key, allowed := range r.Where {
		got, present := act.Target.Attributes[key]
		if !present {
			return false
		}
		hit := false
		for _, v := range allowed {
			if v == got {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// Policy is an ordered rule list. Evaluation walks rules top to bottom
// and the first match wins. No match means human approval is required.
type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// Evaluate returns the name of the first matching rule and whether the
// action may be auto-approved. Unmatched actions fail closed.
func (p Policy) Evaluate(act *Action) (rule string, autoApprove bool) {
	for _, r := range p.Rules {
		if r.matches(act) {
			return r.Name, r.AutoApprove
		}
	}
	return "default-deny", false
}

// Validate rejects rules with no name, no action types, or unknown
// action types.
func (p Policy) Validate() error {
	for i, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: missing name", i)
		}
		if len(r.Actions) == 0 {
			return fmt.Errorf("rule %q: no action types", r.Name)
		}
		for _, t := range r.Actions {
			if !KnownActionType(t) {
				return fmt.Errorf("rule %q: unknown action type %q", r.Name, t)
			}
		}
	}
	return nil
}

// LoadPolicy reads a policy file, falling back to the built-in matrix
// when path is empty.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return p, nil
}

// DefaultPolicy is the built-in approval matrix. Low-blast-radius steps
// run unattended; anything touching privileged identities, critical
// assets, or internal address space waits for a human.
func DefaultPolicy() Policy {
	return Policy{Rules: []Rule{
		{
			Name:        "isolate-workstation",
			Actions:     []ActionType{ActionIsolateEndpoint},
			Where:       map[string][]string{"criticality": {"low", "medium"}},
			AutoApprove: true,
		},
		{
			Name:    "isolate-critical-asset",
			Actions: []ActionType{ActionIsolateEndpoint},
			Where:   map[string][]string{"criticality": {"high", "critical"}},
		},
		{
			Name:        "disable-standard-account",
			Actions:     []ActionType{ActionDisableAccount},
			Where:       map[string][]string{"account_class": {"standard"}},
			AutoApprove: true,
		},
		{
			Name:    "disable-privileged-account",
			Actions: []ActionType{ActionDisableAccount},
			Where:   map[string][]string{"account_class": {"privileged", "service"}},
		},
		{
			Name:    "block-external-indicator",
			Actions: []ActionType{ActionBlockIndicator},
			Where: map[string][]string{
				"scope":      {"external"},
				"confidence": {"high"},
			},
			AutoApprove: true,
		},
		{
			Name:    "block-internal-range",
			Actions: []ActionType{ActionBlockIndicator},
			Where:   map[string][]string{"scope": {"internal"}},
		},
		{
			Name:        "contain-noncritical-host",
			Actions:     []ActionType{ActionQuarantineFile, ActionTerminateProcess},
			Where:       map[string][]string{"criticality": {"low", "medium"}},
			AutoApprove: true,
		},
		{
			Name:    "contain-critical-host",
			Actions: []ActionType{ActionQuarantineFile, ActionTerminateProcess},
			Where:   map[string][]string{"criticality": {"high", "critical"}},
		},
		{
			Name:        "reset-standard-credential",
			Actions:     []ActionType{ActionResetCredential},
			Where:       map[string][]string{"account_class": {"standard"}},
			AutoApprove: true,
		},
		{
			Name:    "reset-privileged-credential",
			Actions: []ActionType{ActionResetCredential},
			Where:   map[string][]string{"account_class": {"privileged", "service"}},
		},
	}}
}
