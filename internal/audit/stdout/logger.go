package stdout

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Logger implements gate.AuditLogger with structured output to stdout.
type Logger struct {
	log *slog.Logger
}

var _ gate.AuditLogger = (*Logger)(nil)

// New creates a new stdout logger.
func New() *Logger {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a logger emitting JSON lines to w.
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{log: slog.New(slog.NewJSONHandler(w, nil)).With("stream", "audit")}
}

// LogDecision implements gate.AuditLogger.
func (l *Logger) LogDecision(ctx context.Context, record gate.DecisionRecord) error {
	l.log.InfoContext(ctx, "AUDIT DECISION",
		"id", record.ID,
		"route", record.Route,
		"outcome", record.Verdict.Phase().String(),
		"reason", string(record.Verdict.Reason),
		"redirect", record.Verdict.Redirect,
		"user_id", record.UserID,
		"tenant_id", record.TenantID,
		"role", record.Role,
		"engine", record.Engine,
		"policy_id", record.PolicyID,
		"config_id", record.ConfigID,
		"duration", record.EvalDuration,
		"policy", record.Policy,
	)
	return nil
}

// LogSystemError implements gate.AuditLogger.
func (l *Logger) LogSystemError(ctx context.Context, systemError error, route, policyID, configID string) error {
	l.log.ErrorContext(ctx, "AUDIT SYSTEM ERROR",
		"route", route,
		"policy_id", policyID,
		"config_id", configID,
		"error", systemError,
	)
	return nil
}
