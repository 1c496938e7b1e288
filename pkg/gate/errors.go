package gate

import (
	"errors"
	"fmt"
)

// Standard error types for gate operations
var (
	ErrUnauthenticated    = errors.New("gate: not authenticated")
	ErrUnauthorized       = errors.New("gate: session rejected by provider")
	ErrForbidden          = errors.New("gate: forbidden")
	ErrSessionUnavailable = errors.New("gate: session provider unavailable")
	ErrSessionTimeout     = errors.New("gate: session fetch timed out")
	ErrMalformedSession   = errors.New("gate: malformed session")
	ErrPolicyEvaluation   = errors.New("gate: policy evaluation failed")
	ErrPolicyLoad         = errors.New("gate: policy bundle could not be loaded")
	ErrConfigLoad         = errors.New("gate: configuration could not be loaded")
)

// DenyError carries the reason and redirect destination of a denied verdict.
type DenyError struct {
	Reason   Reason
	Redirect string
	Err      error
}

func (e *DenyError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DenyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsDenyError reports whether err wraps a *DenyError and returns it.
func IsDenyError(err error) (*DenyError, bool) {
	var deny *DenyError
	if errors.As(err, &deny) {
		return deny, true
	}
	return nil, false
}

// IsWrappingError checks if err is wrapping the target error using errors.Is.
// This is a helper for testing error wrapping.
func IsWrappingError(err, target error) bool {
	return errors.Is(err, target)
}
