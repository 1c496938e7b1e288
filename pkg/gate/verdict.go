package gate

import "slices"

// Reason explains why a verdict was denied.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnauthenticated   Reason = "unauthenticated"
	ReasonSessionRejected   Reason = "session_unauthorized"
	ReasonSessionError      Reason = "session_error"
	ReasonSessionTimeout    Reason = "session_timeout"
	ReasonMalformedSession  Reason = "malformed_session"
	ReasonRoleMismatch      Reason = "role_mismatch"
	ReasonRoleNotAllowed    Reason = "role_not_allowed"
	ReasonMissingPermission Reason = "missing_permission"
	ReasonTenantMismatch    Reason = "tenant_mismatch"
	ReasonInsufficientRole  Reason = "insufficient_role"
	ReasonPolicyError       Reason = "policy_error"
)

// Redirect destinations for policy violations.
const (
	RedirectUnauthorized     = "/unauthorized"
	RedirectTenantMismatch   = "/unauthorized?reason=tenant_mismatch"
	RedirectInsufficientRole = "/unauthorized?reason=insufficient_role"
	DefaultErrorDestination  = "/error"
)

// Phase is the rendering state a verdict maps to.
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseDenied
	PhaseAuthorized
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseDenied:
		return "denied"
	case PhaseAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Verdict is the outcome of one evaluation cycle. It is terminal once
// Loading is false.
type Verdict struct {
	Authorized  bool     `json:"authorized"`
	Loading     bool     `json:"loading"`
	User        *User    `json:"user,omitempty"`
	Tenant      *Tenant  `json:"tenant,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Redirect    string   `json:"redirect,omitempty"`
	Reason      Reason   `json:"-"`
}

// Pending is the initial state that precedes every terminal verdict.
func Pending() Verdict {
	return Verdict{Loading: true}
}

// Allowed builds an authorized verdict exposing the session's identity.
func Allowed(s Session) Verdict {
	return Verdict{
		Authorized:  true,
		User:        s.User,
		Tenant:      s.Tenant,
		Permissions: slices.Clone(s.Permissions),
	}
}

// Denied builds a denied verdict.
func Denied(reason Reason, redirect string) Verdict {
	return Verdict{Reason: reason, Redirect: redirect}
}

// Phase reports which of loading, denied or authorized v represents.
func (v Verdict) Phase() Phase {
	switch {
	case v.Loading:
		return PhaseLoading
	case v.Authorized:
		return PhaseAuthorized
	default:
		return PhaseDenied
	}
}

// Err returns a *DenyError for a denied verdict and nil otherwise.
func (v Verdict) Err() error {
	if v.Phase() != PhaseDenied {
		return nil
	}
	base := ErrForbidden
	switch v.Reason {
	case ReasonUnauthenticated:
		base = ErrUnauthenticated
	case ReasonSessionRejected:
		base = ErrUnauthorized
	case ReasonSessionError:
		base = ErrSessionUnavailable
	case ReasonSessionTimeout:
		base = ErrSessionTimeout
	case ReasonMalformedSession:
		base = ErrMalformedSession
	case ReasonPolicyError:
		base = ErrPolicyEvaluation
	}
	return &DenyError{Reason: v.Reason, Redirect: v.Redirect, Err: base}
}

// Outcome is what a RuleEngine decides for an already fetched session.
type Outcome struct {
	Allow    bool
	Reason   Reason
	Redirect string
}
