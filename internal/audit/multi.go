// Package audit combines audit sinks.
package audit

import (
	"context"
	"errors"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Multi fans every record out to all loggers. Every logger is called even
// when an earlier one fails; the failures are joined.
type Multi []gate.AuditLogger

var _ gate.AuditLogger = Multi(nil)

// NewMulti drops nil loggers.
func NewMulti(loggers ...gate.AuditLogger) Multi {
	out := make(Multi, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// LogDecision implements gate.AuditLogger.
func (m Multi) LogDecision(ctx context.Context, record gate.DecisionRecord) error {
	var errs []error
	for _, l := range m {
		if err := l.LogDecision(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSystemError implements gate.AuditLogger.
func (m Multi) LogSystemError(ctx context.Context, systemError error, route, policyID, configID string) error {
	var errs []error
	for _, l := range m {
		if err := l.LogSystemError(ctx, systemError, route, policyID, configID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
