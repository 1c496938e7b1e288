// Package sessionsrv_mock provides an in-process auth backend for tests.
package sessionsrv_mock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/asimihsan/routegate/internal/session/cache"
	"github.com/asimihsan/routegate/pkg/gate"
)

// Server mocks the auth backend's GET /api/auth/me.
type Server struct {
	server *httptest.Server

	mu       sync.Mutex
	sessions map[string]cache.Entry
	raw      map[string]string
	status   int
	delay    time.Duration
	calls    int
}

// NewServer creates and starts a new mock auth backend.
func NewServer() *Server {
	s := &Server{
		sessions: make(map[string]cache.Entry),
		raw:      make(map[string]string),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/auth/me" || r.Method != http.MethodGet {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.calls++
	status, delay := s.status, s.delay
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	entry, known := s.sessions[token]
	raw, hasRaw := s.raw[token]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case hasRaw:
		_, _ = w.Write([]byte(raw))
	case known:
		if err := json.NewEncoder(w).Encode(entry); err != nil {
			http.Error(w, "JSON encoding error", http.StatusInternalServerError)
		}
	default:
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid token"}`))
	}
}

// URL returns the URL of the mock server.
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts down the mock server.
func (s *Server) Close() {
	s.server.Close()
}

// SetSession makes token resolve to the given session.
func (s *Server) SetSession(token string, user gate.User, tenant gate.Tenant, role string, perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = cache.Entry{User: user, Tenant: tenant, Role: role, Permissions: perms}
}

// SetRawResponse makes token resolve to body verbatim.
func (s *Server) SetRawResponse(token, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[token] = body
}

// FailWith makes every request answer with status. Zero restores normal behaviour.
func (s *Server) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetDelay holds every response for d.
func (s *Server) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Calls returns the number of /api/auth/me requests served.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// WithDefaultSessions registers an admin, a manager and a user in tenant t1.
func (s *Server) WithDefaultSessions() *Server {
	s.SetSession("admin-token", gate.User{ID: "u-admin", TenantID: "t1"}, gate.Tenant{ID: "t1", Name: "Acme"}, gate.RoleAdmin, "read:users", "write:users", gate.PermReadOrganization)
	s.SetSession("manager-token", gate.User{ID: "u-manager", TenantID: "t1"}, gate.Tenant{ID: "t1", Name: "Acme"}, gate.RoleManager, "read:users")
	s.SetSession("user-token", gate.User{ID: "u-user", TenantID: "t1"}, gate.Tenant{ID: "t1", Name: "Acme"}, gate.RoleUser)
	return s
}
