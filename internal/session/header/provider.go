// Package header trusts identity headers set by an upstream identity proxy.
package header

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/asimihsan/routegate/pkg/gate"
)

// SourceID is the registry id of the header session source.
const SourceID = "header"

// Identity headers.
const (
	HeaderUserID      = "X-User-ID"
	HeaderUserEmail   = "X-User-Email"
	HeaderTenantID    = "X-Tenant-ID"
	HeaderRole        = "X-User-Role"
	HeaderPermissions = "X-User-Permissions"
)

// Source reads sessions from request headers.
type Source struct{}

var _ gate.SessionSource = (*Source)(nil)

func NewSource() *Source {
	return &Source{}
}

// Describe implements gate.SessionSource.
func (s *Source) Describe() gate.Schema {
	return gate.Schema{
		ID:          SourceID,
		Description: "Session asserted by a trusted identity proxy in request headers",
	}
}

// ForRequest implements gate.SessionSource.
func (s *Source) ForRequest(r *http.Request) gate.SessionProvider {
	return FromHeader(r.Header)
}

// Provider implements gate.SessionProvider over a captured header set.
type Provider struct {
	userID   string
	email    string
	tenantID string
	role     string
	perms    []string
}

var _ gate.SessionProvider = (*Provider)(nil)

// FromHeader captures the identity headers in h.
func FromHeader(h http.Header) *Provider {
	return &Provider{
		userID:   strings.TrimSpace(h.Get(HeaderUserID)),
		email:    strings.TrimSpace(h.Get(HeaderUserEmail)),
		tenantID: strings.TrimSpace(h.Get(HeaderTenantID)),
		role:     strings.TrimSpace(h.Get(HeaderRole)),
		perms:    splitCSV(h.Get(HeaderPermissions)),
	}
}

// IsAuthenticated implements gate.SessionProvider.
func (p *Provider) IsAuthenticated() bool {
	return p.userID != ""
}

// CurrentUser implements gate.SessionProvider.
func (p *Provider) CurrentUser(ctx context.Context) (gate.User, gate.Tenant, error) {
	user := gate.User{ID: p.userID, Email: p.email, TenantID: p.tenantID}
	tenant := gate.Tenant{ID: p.tenantID}
	if err := gate.ValidateIdentity(user, tenant); err != nil {
		return gate.User{}, gate.Tenant{}, err
	}
	return user, tenant, nil
}

// Permissions implements gate.SessionProvider.
func (p *Provider) Permissions() []string {
	return slices.Clone(p.perms)
}

// Role implements gate.SessionProvider.
func (p *Provider) Role() string {
	return p.role
}

func splitCSV(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
