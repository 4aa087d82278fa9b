package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds             int
	ShutdownBudgetSeconds    int
	APIPort                  int
	APIToken                 string
	ClaudeAPIKey             string
	ClaudeModel              string
	DatabaseURL              string
	SlackWebhookURL          string
	ResponderWebhookURL      string
	PolicyFile               string
	CorrelationWindowMinutes int
	ClassifierTimeoutSeconds int
	ApprovalTimeoutMinutes   int
	ExecMaxAttempts          int
	ExecTimeoutSeconds       int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for approval request notifications")
	fs.StringVar(&c.ResponderWebhookURL, "responder-webhook-url", "", "responder endpoint that executes actions (empty = dry-run execution)")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "path to the response authorization policy YAML (empty = built-in policy)")
	fs.IntVar(&c.CorrelationWindowMinutes, "correlation-window-minutes", 30, "max minutes between an incident's last activity and an alert's start time for correlation (1..1440)")
	fs.IntVar(&c.ClassifierTimeoutSeconds, "classifier-timeout-seconds", 30, "timeout for one classifier call before the fallback result applies (1..600)")
	fs.IntVar(&c.ApprovalTimeoutMinutes, "approval-timeout-minutes", 15, "minutes before a pending approval request fails closed (1..1440)")
	fs.IntVar(&c.ExecMaxAttempts, "exec-max-attempts", 3, "maximum execution attempts per response action (1..10)")
	fs.IntVar(&c.ExecTimeoutSeconds, "exec-timeout-seconds", 30, "per-attempt timeout for response action execution (1..600)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// API token is required, the alert ingress is never left open
	if c.APIToken == "" {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}

	// Claude model is required for LLM access
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.CorrelationWindowMinutes <= 0 || c.CorrelationWindowMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid CORRELATION_WINDOW_MINUTES %d (must be 1..1440)", c.CorrelationWindowMinutes))
	}
	if c.ClassifierTimeoutSeconds <= 0 || c.ClassifierTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER_TIMEOUT_SECONDS %d (must be 1..600)", c.ClassifierTimeoutSeconds))
	}
	if c.ApprovalTimeoutMinutes <= 0 || c.ApprovalTimeoutMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid APPROVAL_TIMEOUT_MINUTES %d (must be 1..1440)", c.ApprovalTimeoutMinutes))
	}
	if c.ExecMaxAttempts <= 0 || c.ExecMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid EXEC_MAX_ATTEMPTS %d (must be 1..10)", c.ExecMaxAttempts))
	}
	if c.ExecTimeoutSeconds <= 0 || c.ExecTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid EXEC_TIMEOUT_SECONDS %d (must be 1..600)", c.ExecTimeoutSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
