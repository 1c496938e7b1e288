package gate

import (
	"fmt"
	"strings"
)

// Well-known roles.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

// PermReadOrganization is implied by OrganizationScoped.
const PermReadOrganization = "read:organization"

// Public returns a policy with no requirements.
func Public() PolicyRequest {
	return NewPolicy(WithoutAuth())
}

// Authenticated only requires a session.
func Authenticated() PolicyRequest {
	return NewPolicy()
}

// AdminOnly requires the admin role.
func AdminOnly() PolicyRequest {
	return NewPolicy(WithRequiredRole(RoleAdmin))
}

// ManagerOrAdmin accepts either the manager or the admin role.
func ManagerOrAdmin() PolicyRequest {
	return NewPolicy(WithAllowedRoles(RoleAdmin, RoleManager))
}

// PermissionScoped requires any one of perms.
func PermissionScoped(perms ...string) PolicyRequest {
	return NewPolicy(WithRequiredPermissions(perms...))
}

// TenantScoped restricts access to members of tenantID.
func TenantScoped(tenantID string) PolicyRequest {
	return NewPolicy(WithRequiredTenant(tenantID))
}

// CrossTenantAdmin lets admins reach any tenant.
func CrossTenantAdmin() PolicyRequest {
	return NewPolicy(WithRequiredRole(RoleAdmin), WithCrossTenant())
}

// OrganizationScoped restricts access to members of orgID who can read it.
func OrganizationScoped(orgID string) PolicyRequest {
	return NewPolicy(WithRequiredTenant(orgID), WithRequiredPermissions(PermReadOrganization))
}

// PresetByName resolves a preset named in configuration. arg is the tenant
// or organisation id for scoped presets, or a comma separated permission list
// for "permission".
func PresetByName(name, arg string) (PolicyRequest, error) {
	switch name {
	case "public":
		return Public(), nil
	case "authenticated":
		return Authenticated(), nil
	case "admin":
		return AdminOnly(), nil
	case "manager_or_admin":
		return ManagerOrAdmin(), nil
	case "cross_tenant_admin":
		return CrossTenantAdmin(), nil
	case "permission":
		perms := splitList(arg)
		if len(perms) == 0 {
			return PolicyRequest{}, fmt.Errorf("preset %q needs at least one permission", name)
		}
		return PermissionScoped(perms...), nil
	case "tenant":
		if arg == "" {
			return PolicyRequest{}, fmt.Errorf("preset %q needs a tenant id", name)
		}
		return TenantScoped(arg), nil
	case "organization":
		if arg == "" {
			return PolicyRequest{}, fmt.Errorf("preset %q needs an organization id", name)
		}
		return OrganizationScoped(arg), nil
	default:
		return PolicyRequest{}, fmt.Errorf("unknown policy preset %q", name)
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
