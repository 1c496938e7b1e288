package gate

import (
	"context"
	"time"
)

// DecisionRecord is the audit trail entry for one terminal verdict.
type DecisionRecord struct {
	ID           string
	Route        string
	Policy       PolicyRequest
	Verdict      Verdict
	UserID       string
	TenantID     string
	Role         string
	Engine       string
	PolicyID     string
	ConfigID     string
	EvalDuration time.Duration
	At           time.Time
}

// AuditLogger persists decision and error information.
type AuditLogger interface {
	// LogDecision records the outcome of a completed evaluation.
	LogDecision(ctx context.Context, record DecisionRecord) error

	// LogSystemError records failures occurring outside a completed evaluation.
	// route: the protected route or API being served.
	// policyID, configID: identifiers if available at the time of error.
	LogSystemError(ctx context.Context, systemError error, route, policyID, configID string) error
}
