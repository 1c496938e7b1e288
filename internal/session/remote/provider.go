// Package remote fetches sessions from the auth backend's /api/auth/me endpoint.
package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/asimihsan/routegate/internal/metrics"
	"github.com/asimihsan/routegate/internal/session/cache"
	"github.com/asimihsan/routegate/pkg/gate"
)

// SourceID is the registry id of the remote session source.
const SourceID = "remote"

// SessionCookie is read when the request has no bearer token.
const SessionCookie = "session"

// Source builds per-request providers that call the auth backend.
type Source struct {
	baseURL    string
	httpClient *http.Client
	store      cache.Store
	cacheTTL   time.Duration
	logger     *slog.Logger
}

var _ gate.SessionSource = (*Source)(nil)

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) SourceOption {
	return func(s *Source) { s.httpClient = client }
}

// WithCache caches successful fetches in store for ttl.
func WithCache(store cache.Store, ttl time.Duration) SourceOption {
	return func(s *Source) {
		s.store = store
		s.cacheTTL = ttl
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(logger *slog.Logger) SourceOption {
	return func(s *Source) { s.logger = logger }
}

// NewSource creates a remote session source for the auth backend at baseURL.
// The default client has no timeout of its own; calls are bounded by the
// caller's context.
func NewSource(baseURL string, opts ...SourceOption) *Source {
	s := &Source{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Describe implements gate.SessionSource.
func (s *Source) Describe() gate.Schema {
	return gate.Schema{
		ID:          SourceID,
		Description: "Session fetched from the auth backend with the caller's bearer token",
	}
}

// ForRequest implements gate.SessionSource.
func (s *Source) ForRequest(r *http.Request) gate.SessionProvider {
	return s.ForToken(TokenFromRequest(r))
}

// ForToken returns a provider bound to token.
func (s *Source) ForToken(token string) *Provider {
	return &Provider{source: s, token: token}
}

// TokenFromRequest extracts the bearer token or, failing that, the session cookie.
func TokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// Provider implements gate.SessionProvider for one credential.
type Provider struct {
	source *Source
	token  string

	mu      sync.RWMutex
	fetched *cache.Entry
}

var _ gate.SessionProvider = (*Provider)(nil)

// IsAuthenticated implements gate.SessionProvider.
func (p *Provider) IsAuthenticated() bool {
	return p.token != ""
}

// Permissions implements gate.SessionProvider.
func (p *Provider) Permissions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fetched == nil {
		return nil
	}
	return slices.Clone(p.fetched.Permissions)
}

// Role implements gate.SessionProvider.
func (p *Provider) Role() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fetched == nil {
		return ""
	}
	return p.fetched.Role
}

// CurrentUser implements gate.SessionProvider.
func (p *Provider) CurrentUser(ctx context.Context) (gate.User, gate.Tenant, error) {
	if p.token == "" {
		return gate.User{}, gate.Tenant{}, fmt.Errorf("%w: no credential", gate.ErrUnauthorized)
	}

	s := p.source
	key := cacheKey(p.token)
	if s.store != nil {
		entry, ok, err := s.store.Get(ctx, key)
		if err != nil {
			s.logger.WarnContext(ctx, "session cache read failed", "store", s.store.Name(), "error", err)
		} else if ok {
			metrics.SessionCacheHits.WithLabelValues(s.store.Name()).Inc()
			p.set(entry)
			return entry.User, entry.Tenant, nil
		}
	}

	entry, err := p.fetch(ctx)
	if err != nil {
		return gate.User{}, gate.Tenant{}, err
	}

	if s.store != nil {
		if err := s.store.Put(ctx, key, *entry, s.cacheTTL); err != nil {
			s.logger.WarnContext(ctx, "session cache write failed", "store", s.store.Name(), "error", err)
		}
	}
	p.set(entry)
	return entry.User, entry.Tenant, nil
}

func (p *Provider) set(entry *cache.Entry) {
	p.mu.Lock()
	p.fetched = entry
	p.mu.Unlock()
}

func (p *Provider) fetch(ctx context.Context) (*cache.Entry, error) {
	url := p.source.baseURL + "/api/auth/me"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.AuthBackendErrors.WithLabelValues("request_creation").Inc()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.source.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			metrics.AuthBackendErrors.WithLabelValues("timeout").Inc()
			return nil, fmt.Errorf("%w: %w", gate.ErrSessionTimeout, err)
		}
		metrics.AuthBackendErrors.WithLabelValues("http_error").Inc()
		return nil, fmt.Errorf("%w: %w", gate.ErrSessionUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			metrics.AuthBackendErrors.WithLabelValues("body_close_error").Inc()
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		metrics.AuthBackendErrors.WithLabelValues("status_401").Inc()
		return nil, fmt.Errorf("%w: auth backend returned 401", gate.ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		metrics.AuthBackendErrors.WithLabelValues(fmt.Sprintf("status_%d", resp.StatusCode)).Inc()
		return nil, fmt.Errorf("%w: unexpected status code %d", gate.ErrSessionUnavailable, resp.StatusCode)
	}

	var entry cache.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		metrics.AuthBackendErrors.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("%w: decoding response: %v", gate.ErrMalformedSession, err)
	}
	if err := gate.ValidateIdentity(entry.User, entry.Tenant); err != nil {
		metrics.AuthBackendErrors.WithLabelValues("invalid_identity").Inc()
		return nil, err
	}
	return &entry, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
