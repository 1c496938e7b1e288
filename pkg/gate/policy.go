package gate

import (
	"encoding/json"
	"slices"
)

// DefaultRedirectTarget is where unauthenticated callers are sent.
const DefaultRedirectTarget = "/login"

// PolicyRequest is the set of requirements a protected route demands.
// Build it with NewPolicy or one of the presets; it is treated as immutable.
type PolicyRequest struct {
	RequireAuth         bool     `json:"require_auth"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	RequiredRole        string   `json:"required_role,omitempty"`
	AllowedRoles        []string `json:"allowed_roles,omitempty"`
	RequiredTenant      string   `json:"required_tenant,omitempty"`
	AllowCrossTenant    bool     `json:"allow_cross_tenant"`
	RedirectTarget      string   `json:"redirect_target"`
}

// PolicyOption customizes a PolicyRequest built by NewPolicy.
type PolicyOption func(*PolicyRequest)

// NewPolicy returns a PolicyRequest that requires authentication and
// redirects to DefaultRedirectTarget, modified by opts.
func NewPolicy(opts ...PolicyOption) PolicyRequest {
	p := PolicyRequest{
		RequireAuth:    true,
		RedirectTarget: DefaultRedirectTarget,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.RedirectTarget == "" {
		p.RedirectTarget = DefaultRedirectTarget
	}
	return p.Clone()
}

// WithoutAuth disables every check.
func WithoutAuth() PolicyOption {
	return func(p *PolicyRequest) { p.RequireAuth = false }
}

// WithRequiredPermissions requires the caller to hold at least one of perms.
func WithRequiredPermissions(perms ...string) PolicyOption {
	return func(p *PolicyRequest) { p.RequiredPermissions = append(p.RequiredPermissions, perms...) }
}

// WithRequiredRole requires the caller's role to equal role.
func WithRequiredRole(role string) PolicyOption {
	return func(p *PolicyRequest) { p.RequiredRole = role }
}

// WithAllowedRoles requires the caller's role to be one of roles.
func WithAllowedRoles(roles ...string) PolicyOption {
	return func(p *PolicyRequest) { p.AllowedRoles = append(p.AllowedRoles, roles...) }
}

// WithRequiredTenant scopes the route to a single tenant.
func WithRequiredTenant(tenantID string) PolicyOption {
	return func(p *PolicyRequest) { p.RequiredTenant = tenantID }
}

// WithCrossTenant lets admins act outside their own tenant.
func WithCrossTenant() PolicyOption {
	return func(p *PolicyRequest) { p.AllowCrossTenant = true }
}

// WithRedirectTarget overrides where unauthenticated callers are sent.
func WithRedirectTarget(target string) PolicyOption {
	return func(p *PolicyRequest) { p.RedirectTarget = target }
}

// Clone returns a deep copy so callers cannot mutate shared slices.
func (p PolicyRequest) Clone() PolicyRequest {
	p.RequiredPermissions = slices.Clone(p.RequiredPermissions)
	p.AllowedRoles = slices.Clone(p.AllowedRoles)
	return p
}

// Equal reports whether p and other carry the same requirements.
func (p PolicyRequest) Equal(other PolicyRequest) bool {
	return p.RequireAuth == other.RequireAuth &&
		p.RequiredRole == other.RequiredRole &&
		p.RequiredTenant == other.RequiredTenant &&
		p.AllowCrossTenant == other.AllowCrossTenant &&
		p.RedirectTarget == other.RedirectTarget &&
		slices.Equal(p.RequiredPermissions, other.RequiredPermissions) &&
		slices.Equal(p.AllowedRoles, other.AllowedRoles)
}

// UnmarshalJSON applies the NewPolicy defaults to fields absent from data.
func (p *PolicyRequest) UnmarshalJSON(data []byte) error {
	type wire struct {
		RequireAuth         *bool    `json:"require_auth"`
		RequiredPermissions []string `json:"required_permissions"`
		RequiredRole        string   `json:"required_role"`
		AllowedRoles        []string `json:"allowed_roles"`
		RequiredTenant      string   `json:"required_tenant"`
		AllowCrossTenant    bool     `json:"allow_cross_tenant"`
		RedirectTarget      string   `json:"redirect_target"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = NewPolicy(func(r *PolicyRequest) {
		if w.RequireAuth != nil {
			r.RequireAuth = *w.RequireAuth
		}
		r.RequiredPermissions = w.RequiredPermissions
		r.RequiredRole = w.RequiredRole
		r.AllowedRoles = w.AllowedRoles
		r.RequiredTenant = w.RequiredTenant
		r.AllowCrossTenant = w.AllowCrossTenant
		r.RedirectTarget = w.RedirectTarget
	})
	return nil
}
