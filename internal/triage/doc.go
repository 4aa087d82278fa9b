// Package triage defines the per-alert risk classification boundary: the
// Result model, the deterministic score-to-priority mapping used as a
// policy input, and the Adapter that wraps the external classifier with
// timeout and fallback so a classifier outage never drops an alert.
package triage
