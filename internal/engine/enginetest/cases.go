// Package enginetest holds the decision table every gate.RuleEngine must agree on.
package enginetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Case is one row of the decision table.
type Case struct {
	Name    string
	Policy  gate.PolicyRequest
	Session gate.Session
	Want    gate.Outcome
}

func session(role, tenant string, perms ...string) gate.Session {
	return gate.Session{
		Authenticated: true,
		User:          &gate.User{ID: "user-1", TenantID: tenant},
		Tenant:        &gate.Tenant{ID: tenant},
		Permissions:   perms,
		Role:          role,
	}
}

var allow = gate.Outcome{Allow: true}

// Cases returns the shared decision table.
func Cases() []Case {
	return []Case{
		{
			Name:    "no requirements",
			Policy:  gate.Authenticated(),
			Session: session(gate.RoleUser, "t1"),
			Want:    allow,
		},
		{
			Name:    "required role mismatch",
			Policy:  gate.AdminOnly(),
			Session: session(gate.RoleManager, "t1"),
			Want:    gate.Outcome{Reason: gate.ReasonRoleMismatch, Redirect: gate.RedirectUnauthorized},
		},
		{
			Name:    "required role match",
			Policy:  gate.AdminOnly(),
			Session: session(gate.RoleAdmin, "t1"),
			Want:    allow,
		},
		{
			Name:    "allowed roles contains role",
			Policy:  gate.ManagerOrAdmin(),
			Session: session(gate.RoleManager, "t1"),
			Want:    allow,
		},
		{
			Name:    "allowed roles missing role",
			Policy:  gate.ManagerOrAdmin(),
			Session: session(gate.RoleUser, "t1"),
			Want:    gate.Outcome{Reason: gate.ReasonRoleNotAllowed, Redirect: gate.RedirectUnauthorized},
		},
		{
			Name:    "any one permission suffices",
			Policy:  gate.PermissionScoped("read:organization", "admin:everything"),
			Session: session(gate.RoleUser, "t1", "read:organization", "write:billing"),
			Want:    allow,
		},
		{
			Name:    "no permission held",
			Policy:  gate.PermissionScoped("read:organization"),
			Session: session(gate.RoleUser, "t1", "write:billing"),
			Want:    gate.Outcome{Reason: gate.ReasonMissingPermission, Redirect: gate.RedirectUnauthorized},
		},
		{
			Name:    "tenant mismatch",
			Policy:  gate.TenantScoped("t1"),
			Session: session(gate.RoleUser, "t2"),
			Want:    gate.Outcome{Reason: gate.ReasonTenantMismatch, Redirect: gate.RedirectTenantMismatch},
		},
		{
			Name:    "tenant match",
			Policy:  gate.TenantScoped("t1"),
			Session: session(gate.RoleUser, "t1"),
			Want:    allow,
		},
		{
			Name:    "cross tenant skips tenant check for admins",
			Policy:  gate.NewPolicy(gate.WithRequiredTenant("t1"), gate.WithCrossTenant()),
			Session: session(gate.RoleAdmin, "t2"),
			Want:    allow,
		},
		{
			Name:    "cross tenant denied to non admins",
			Policy:  gate.NewPolicy(gate.WithRequiredTenant("t1"), gate.WithCrossTenant()),
			Session: session(gate.RoleManager, "t1", "read:organization"),
			Want:    gate.Outcome{Reason: gate.ReasonInsufficientRole, Redirect: gate.RedirectInsufficientRole},
		},
		{
			Name: "cross tenant denied even when every other check passes",
			Policy: gate.NewPolicy(
				gate.WithAllowedRoles(gate.RoleManager),
				gate.WithRequiredPermissions("read:organization"),
				gate.WithCrossTenant(),
			),
			Session: session(gate.RoleManager, "t1", "read:organization"),
			Want:    gate.Outcome{Reason: gate.ReasonInsufficientRole, Redirect: gate.RedirectInsufficientRole},
		},
		{
			Name:    "role check wins over permission check",
			Policy:  gate.NewPolicy(gate.WithRequiredRole(gate.RoleAdmin), gate.WithRequiredPermissions("read:organization")),
			Session: session(gate.RoleManager, "t1"),
			Want:    gate.Outcome{Reason: gate.ReasonRoleMismatch, Redirect: gate.RedirectUnauthorized},
		},
		{
			Name:    "permission check wins over tenant check",
			Policy:  gate.OrganizationScoped("org-1"),
			Session: session(gate.RoleUser, "org-2"),
			Want:    gate.Outcome{Reason: gate.ReasonMissingPermission, Redirect: gate.RedirectUnauthorized},
		},
		{
			Name:    "organization scoped allows members with read",
			Policy:  gate.OrganizationScoped("org-1"),
			Session: session(gate.RoleUser, "org-1", gate.PermReadOrganization),
			Want:    allow,
		},
		{
			Name:    "cross tenant admin preset",
			Policy:  gate.CrossTenantAdmin(),
			Session: session(gate.RoleAdmin, "t9"),
			Want:    allow,
		},
	}
}

// Run evaluates every case against engine.
func Run(t *testing.T, engine gate.RuleEngine) {
	t.Helper()
	for _, tc := range Cases() {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := engine.Decide(context.Background(), tc.Policy, tc.Session)
			require.NoError(t, err)
			assert.Equal(t, tc.Want, got)

			again, err := engine.Decide(context.Background(), tc.Policy, tc.Session)
			require.NoError(t, err)
			assert.Equal(t, got, again, "decision must be idempotent")
		})
	}
}
