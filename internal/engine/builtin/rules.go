// Package builtin implements the role, permission and tenant checks as an
// ordered Go rule table.
package builtin

import (
	"context"
	"slices"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Rule inspects a fetched session. It returns a denying Outcome and true
// when the check fails, or false to let the next rule run.
type Rule func(policy gate.PolicyRequest, session gate.Session) (gate.Outcome, bool)

// Engine implements gate.RuleEngine by running rules in order until one denies.
type Engine struct {
	rules []Rule
}

var _ gate.RuleEngine = (*Engine)(nil)

// NewEngine returns an engine with the standard rule order: exact role,
// allowed roles, permissions, tenant scope, cross tenant.
func NewEngine() *Engine {
	return &Engine{rules: []Rule{
		RequiredRole,
		AllowedRoles,
		AnyPermission,
		TenantScope,
		CrossTenantAdmin,
	}}
}

// NewEngineWithRules returns an engine evaluating rules in the given order.
func NewEngineWithRules(rules ...Rule) *Engine {
	return &Engine{rules: slices.Clone(rules)}
}

// Decide implements gate.RuleEngine.
func (e *Engine) Decide(ctx context.Context, policy gate.PolicyRequest, session gate.Session) (gate.Outcome, error) {
	for _, rule := range e.rules {
		if outcome, denied := rule(policy, session); denied {
			return outcome, nil
		}
	}
	return gate.Outcome{Allow: true}, nil
}

func deny(reason gate.Reason, redirect string) (gate.Outcome, bool) {
	return gate.Outcome{Reason: reason, Redirect: redirect}, true
}

// RequiredRole denies when a required role is set and differs from the session's.
func RequiredRole(policy gate.PolicyRequest, session gate.Session) (gate.Outcome, bool) {
	if policy.RequiredRole != "" && session.Role != policy.RequiredRole {
		return deny(gate.ReasonRoleMismatch, gate.RedirectUnauthorized)
	}
	return gate.Outcome{}, false
}

// AllowedRoles denies when the session's role is not in a non-empty allow list.
func AllowedRoles(policy gate.PolicyRequest, session gate.Session) (gate.Outcome, bool) {
	if len(policy.AllowedRoles) > 0 && !slices.Contains(policy.AllowedRoles, session.Role) {
		return deny(gate.ReasonRoleNotAllowed, gate.RedirectUnauthorized)
	}
	return gate.Outcome{}, false
}

// AnyPermission denies when none of the required permissions is held.
// Holding one of them is enough.
func AnyPermission(policy gate.PolicyRequest, session gate.Session) (gate.Outcome, bool) {
	if len(policy.RequiredPermissions) == 0 {
		return gate.Outcome{}, false
	}
	if slices.ContainsFunc(policy.RequiredPermissions, session.HasPermission) {
		return gate.Outcome{}, false
	}
	return deny(gate.ReasonMissingPermission, gate.RedirectUnauthorized)
}

// TenantScope denies access to a required tenant the session does not belong
// to, unless cross tenant access is requested.
func TenantScope(policy gate.PolicyRequest, session gate.Session) (gate.Outcome, bool) {
	if policy.RequiredTenant == "" || policy.AllowCrossTenant {
		return gate.Outcome{}, false
	}
	if session.TenantID() != policy.RequiredTenant {
		return deny(gate.ReasonTenantMismatch, gate.RedirectTenantMismatch)
	}
	return gate.Outcome{}, false
}

// CrossTenantAdmin only grants cross tenant access to admins.
func CrossTenantAdmin(policy gate.PolicyRequest, session gate.Session) (gate.Outcome, bool) {
	if policy.AllowCrossTenant && session.Role != gate.RoleAdmin {
		return deny(gate.ReasonInsufficientRole, gate.RedirectInsufficientRole)
	}
	return gate.Outcome{}, false
}
