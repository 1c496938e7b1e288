// Package static provides the configuration-defined development session.
package static

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/asimihsan/routegate/internal/config"
	"github.com/asimihsan/routegate/pkg/gate"
)

// SourceID is the registry id of the static session source.
const SourceID = "static"

// Source serves the devSession block of the configuration to every request.
type Source struct {
	config *config.AppConfig
}

var _ gate.SessionSource = (*Source)(nil)

// NewSource creates a static source reading cfg.DevSession on each request.
func NewSource(cfg *config.AppConfig) *Source {
	return &Source{config: cfg}
}

// Describe implements gate.SessionSource.
func (s *Source) Describe() gate.Schema {
	return gate.Schema{
		ID:          SourceID,
		Description: "Development session defined in configuration",
	}
}

// ForRequest implements gate.SessionSource.
func (s *Source) ForRequest(_ *http.Request) gate.SessionProvider {
	dev := s.config.DevSession
	if dev == nil {
		return &Provider{}
	}
	return &Provider{
		authenticated: true,
		user:          gate.User{ID: dev.UserID, Email: dev.Email, TenantID: dev.TenantID},
		tenant:        gate.Tenant{ID: dev.TenantID, Name: dev.TenantName},
		role:          dev.Role,
		perms:         slices.Clone(dev.Permissions),
	}
}

// Provider implements gate.SessionProvider with fixed values.
type Provider struct {
	authenticated bool
	user          gate.User
	tenant        gate.Tenant
	role          string
	perms         []string
}

var _ gate.SessionProvider = (*Provider)(nil)

// NewProvider creates an authenticated provider with fixed values.
func NewProvider(user gate.User, tenant gate.Tenant, role string, perms ...string) *Provider {
	return &Provider{
		authenticated: true,
		user:          user,
		tenant:        tenant,
		role:          role,
		perms:         slices.Clone(perms),
	}
}

// IsAuthenticated implements gate.SessionProvider.
func (p *Provider) IsAuthenticated() bool {
	return p.authenticated
}

// CurrentUser implements gate.SessionProvider.
func (p *Provider) CurrentUser(ctx context.Context) (gate.User, gate.Tenant, error) {
	if !p.authenticated {
		return gate.User{}, gate.Tenant{}, fmt.Errorf("%w: no development session configured", gate.ErrUnauthorized)
	}
	return p.user, p.tenant, nil
}

// Permissions implements gate.SessionProvider.
func (p *Provider) Permissions() []string {
	return slices.Clone(p.perms)
}

// Role implements gate.SessionProvider.
func (p *Provider) Role() string {
	return p.role
}
