package mock

import (
	"context"
	"net/http"
	"slices"
	"sync"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Provider implements gate.SessionProvider with controllable values.
type Provider struct {
	Authenticated bool
	User          gate.User
	Tenant        gate.Tenant
	Perms         []string
	RoleName      string
	Err           error

	// Release, when set, holds CurrentUser until it is closed or the
	// context is done.
	Release chan struct{}
	// IgnoreCancel makes a held CurrentUser wait for Release only.
	IgnoreCancel bool

	mu      sync.Mutex
	calls   int
	entered chan struct{}
}

var _ gate.SessionProvider = (*Provider)(nil)

// NewProvider creates an authenticated provider for user in tenant.
func NewProvider(user gate.User, tenant gate.Tenant, role string, perms ...string) *Provider {
	return &Provider{
		Authenticated: true,
		User:          user,
		Tenant:        tenant,
		RoleName:      role,
		Perms:         perms,
		entered:       make(chan struct{}, 16),
	}
}

// Anonymous creates a provider with no session.
func Anonymous() *Provider {
	return &Provider{entered: make(chan struct{}, 16)}
}

// WithError configures CurrentUser to fail with err.
func (p *Provider) WithError(err error) *Provider {
	p.Err = err
	return p
}

// Hold makes CurrentUser block until the returned function is called.
func (p *Provider) Hold() (release func()) {
	p.Release = make(chan struct{})
	var once sync.Once
	return func() { once.Do(func() { close(p.Release) }) }
}

// IsAuthenticated implements gate.SessionProvider.
func (p *Provider) IsAuthenticated() bool {
	return p.Authenticated
}

// CurrentUser implements gate.SessionProvider.
func (p *Provider) CurrentUser(ctx context.Context) (gate.User, gate.Tenant, error) {
	p.mu.Lock()
	p.calls++
	if p.entered == nil {
		p.entered = make(chan struct{}, 16)
	}
	entered := p.entered
	p.mu.Unlock()

	select {
	case entered <- struct{}{}:
	default:
	}

	if p.Release != nil {
		if p.IgnoreCancel {
			<-p.Release
		} else {
			select {
			case <-p.Release:
			case <-ctx.Done():
				return gate.User{}, gate.Tenant{}, ctx.Err()
			}
		}
	}

	if p.Err != nil {
		return gate.User{}, gate.Tenant{}, p.Err
	}
	return p.User, p.Tenant, nil
}

// Permissions implements gate.SessionProvider.
func (p *Provider) Permissions() []string {
	return slices.Clone(p.Perms)
}

// Role implements gate.SessionProvider.
func (p *Provider) Role() string {
	return p.RoleName
}

// Calls returns how many times CurrentUser has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Entered is signalled each time CurrentUser starts.
func (p *Provider) Entered() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.entered == nil {
		p.entered = make(chan struct{}, 16)
	}
	return p.entered
}

// Source hands the same provider to every request.
type Source struct {
	ID       string
	Provider *Provider
}

var _ gate.SessionSource = (*Source)(nil)

// NewSource wraps provider in a gate.SessionSource.
func NewSource(provider *Provider) *Source {
	return &Source{ID: "mock", Provider: provider}
}

// Describe implements gate.SessionSource.
func (s *Source) Describe() gate.Schema {
	return gate.Schema{ID: s.ID, Description: "Fixed session for tests"}
}

// ForRequest implements gate.SessionSource.
func (s *Source) ForRequest(_ *http.Request) gate.SessionProvider {
	return s.Provider
}
