package gate

import (
	"context"
	"fmt"
	"slices"
)

// User is the authenticated principal as reported by the session provider.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// Tenant is the organisational boundary the user belongs to.
type Tenant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

// Session holds the facts gathered for a single evaluation.
type Session struct {
	Authenticated bool
	User          *User
	Tenant        *Tenant
	Permissions   []string
	Role          string
}

// TenantID returns the session's tenant id, or "" when there is none.
func (s Session) TenantID() string {
	if s.Tenant == nil {
		return ""
	}
	return s.Tenant.ID
}

// HasPermission reports whether the session holds perm.
func (s Session) HasPermission(perm string) bool {
	return slices.Contains(s.Permissions, perm)
}

// SessionProvider exposes the caller's session state.
type SessionProvider interface {
	// IsAuthenticated reads local session state without side effects.
	IsAuthenticated() bool
	// CurrentUser fetches the user and tenant. Must return an error wrapping
	// ErrUnauthorized when the token is rejected, ErrSessionUnavailable on
	// transport or server failure, or ErrMalformedSession on a bad payload.
	CurrentUser(ctx context.Context) (User, Tenant, error)
	// Permissions derives the permission set from cached session data.
	Permissions() []string
	// Role derives the role from cached session data.
	Role() string
}

// Navigator receives redirects for denied verdicts.
type Navigator interface {
	Redirect(path string)
}

// NavigatorFunc adapts an ordinary function to Navigator.
type NavigatorFunc func(path string)

// Redirect calls f(path).
func (f NavigatorFunc) Redirect(path string) { f(path) }

// ValidateIdentity rejects records that lack required fields or disagree
// on the tenant. The returned error wraps ErrMalformedSession.
func ValidateIdentity(user User, tenant Tenant) error {
	if user.ID == "" {
		return fmt.Errorf("%w: user id is required", ErrMalformedSession)
	}
	if tenant.ID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrMalformedSession)
	}
	if user.TenantID != "" && user.TenantID != tenant.ID {
		return fmt.Errorf("%w: user tenant %q does not match tenant %q", ErrMalformedSession, user.TenantID, tenant.ID)
	}
	return nil
}
