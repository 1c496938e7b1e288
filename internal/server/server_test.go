package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asimihsan/routegate/internal/audit/store"
	"github.com/asimihsan/routegate/internal/decision"
	"github.com/asimihsan/routegate/internal/engine/builtin"
	"github.com/asimihsan/routegate/internal/session/mock"
	"github.com/asimihsan/routegate/internal/session/remote"
	"github.com/asimihsan/routegate/internal/session/sessionsrv_mock"
	"github.com/asimihsan/routegate/pkg/gate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testRoutes() []Route {
	return []Route{
		{Path: "/", Policy: gate.Public()},
		{Path: "/dashboard", Policy: gate.Authenticated()},
		{Path: "/admin", Policy: gate.AdminOnly()},
		{Path: "/api/admin", Policy: gate.AdminOnly(), Mode: ModeDeny},
		{Path: "/api/me", Policy: gate.Authenticated(), Mode: ModeDeny},
		{Path: "/orgs/t2", Policy: gate.TenantScoped("t2")},
	}
}

func newTestServer(t *testing.T, source gate.SessionSource, mutate ...func(*Deps)) *Server {
	t.Helper()
	deps := Deps{
		Evaluator:      decision.NewEngine(builtin.NewEngine(), decision.WithLogger(discard)),
		Source:         source,
		Routes:         testRoutes(),
		MetricsHandler: http.NotFoundHandler(),
		Logger:         discard,
	}
	for _, m := range mutate {
		m(&deps)
	}
	s, err := NewServer(deps)
	require.NoError(t, err)
	return s
}

func managerSource() *mock.Source {
	return mock.NewSource(mock.NewProvider(
		gate.User{ID: "u-manager", TenantID: "t1"},
		gate.Tenant{ID: "t1"},
		gate.RoleManager,
		"read:users",
	))
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Healthz(t *testing.T) {
	s := newTestServer(t, managerSource())
	w := do(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t, managerSource())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	w := do(s, req)
	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))
}

func TestServer_RedirectMode(t *testing.T) {
	tests := []struct {
		name     string
		source   gate.SessionSource
		path     string
		wantCode int
		wantLoc  string
	}{
		{"public route", mock.NewSource(mock.Anonymous()), "/", http.StatusOK, ""},
		{"anonymous to dashboard", mock.NewSource(mock.Anonymous()), "/dashboard", http.StatusFound, "/login"},
		{"manager to admin", managerSource(), "/admin/users", http.StatusFound, gate.RedirectUnauthorized},
		{"manager to other tenant", managerSource(), "/orgs/t2", http.StatusFound, gate.RedirectTenantMismatch},
		{"manager to dashboard", managerSource(), "/dashboard", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.source)
			w := do(s, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantLoc, w.Header().Get("Location"))
		})
	}
}

func TestServer_DenyMode(t *testing.T) {
	s := newTestServer(t, managerSource())
	w := do(s, httptest.NewRequest(http.MethodGet, "/api/admin/users", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"code":"FORBIDDEN","message":"access denied"}`, w.Body.String())
	assert.Empty(t, w.Header().Get("Location"))
	assert.NotContains(t, w.Body.String(), "role")

	s = newTestServer(t, mock.NewSource(mock.Anonymous()))
	w = do(s, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"code":"UNAUTHENTICATED","message":"access denied"}`, w.Body.String())
}

func TestServer_NoRoute(t *testing.T) {
	s := newTestServer(t, managerSource(), func(d *Deps) {
		d.Routes = []Route{{Path: "/admin", Policy: gate.AdminOnly()}}
	})
	w := do(s, httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_AllowWithoutUpstreamReturnsVerdict(t *testing.T) {
	s := newTestServer(t, managerSource())
	w := do(s, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var verdict gate.Verdict
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verdict))
	assert.True(t, verdict.Authorized)
	require.NotNil(t, verdict.User)
	assert.Equal(t, "u-manager", verdict.User.ID)
}

// serve runs s on a real listener so the reverse proxy sees a live connection.
func serve(t *testing.T, s *Server) (*httptest.Server, *http.Client) {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return srv, client
}

func get(t *testing.T, client *http.Client, rawURL string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func echoUpstream(t *testing.T) (*url.URL, func() http.Header) {
	t.Helper()
	var (
		mu  sync.Mutex
		got http.Header
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Clone()
		mu.Unlock()
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	target, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	return target, func() http.Header {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func TestServer_ProxiesAllowedRequests(t *testing.T) {
	target, received := echoUpstream(t)
	s := newTestServer(t, managerSource(), func(d *Deps) { d.Upstream = target })
	srv, client := serve(t, s)

	resp, body := get(t, client, srv.URL+"/dashboard/widgets", http.Header{HeaderUser: {"spoofed"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "upstream:/dashboard/widgets", body)
	got := received()
	assert.Equal(t, "u-manager", got.Get(HeaderUser))
	assert.Equal(t, "t1", got.Get(HeaderTenant))
	assert.NotEmpty(t, got.Get(HeaderRequestID))

	resp, _ = get(t, client, srv.URL+"/admin", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestServer_RejectsNonCanonicalPaths(t *testing.T) {
	target, _ := echoUpstream(t)
	s := newTestServer(t, mock.NewSource(mock.Anonymous()), func(d *Deps) { d.Upstream = target })
	srv, client := serve(t, s)

	resp, _ := get(t, client, srv.URL+"/admin", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, gate.DefaultRedirectTarget, resp.Header.Get("Location"))

	for _, p := range []string{"//admin", "/x/../admin/users", "/admin/./users", "/x/%2e%2e/admin"} {
		t.Run(p, func(t *testing.T) {
			resp, body := get(t, client, srv.URL+p, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotContains(t, body, "upstream:")
			assert.JSONEq(t, `{"code":"INVALID_PATH","message":"path is not canonical"}`, body)
		})
	}
}

func TestServer_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(upstream.URL)
	upstream.Close()

	s := newTestServer(t, managerSource(), func(d *Deps) { d.Upstream = target })
	srv, client := serve(t, s)
	resp, _ := get(t, client, srv.URL+"/dashboard", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_ClientGoneBeforeVerdict(t *testing.T) {
	provider := mock.NewProvider(gate.User{ID: "u1"}, gate.Tenant{ID: "t1"}, gate.RoleUser)
	provider.Hold()
	s := newTestServer(t, mock.NewSource(provider))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/admin", nil).WithContext(ctx)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- do(s, req) }()
	<-provider.Entered()
	cancel()

	select {
	case w := <-done:
		assert.Equal(t, statusClientClosedRequest, w.Code)
		assert.Empty(t, w.Header().Get("Location"))
		assert.Empty(t, w.Body.String())
	case <-time.After(time.Second):
		t.Fatal("handler did not return after cancellation")
	}
}

func TestServer_Authorize(t *testing.T) {
	s := newTestServer(t, managerSource())

	body := `{"required_role":"admin"}`
	w := do(s, httptest.NewRequest(http.MethodPost, "/v1/authorize", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Location"))

	var resp struct {
		Authorized bool   `json:"authorized"`
		Redirect   string `json:"redirect"`
		Phase      string `json:"phase"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Authorized)
	assert.Equal(t, gate.RedirectUnauthorized, resp.Redirect)
	assert.Equal(t, "denied", resp.Phase)

	w = do(s, httptest.NewRequest(http.MethodPost, "/v1/authorize", strings.NewReader(`{"allowed_roles":["manager"]}`)))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Authorized)
	assert.Equal(t, "authorized", resp.Phase)
}

func TestServer_AuthorizeAppliesDefaults(t *testing.T) {
	s := newTestServer(t, mock.NewSource(mock.Anonymous()))
	w := do(s, httptest.NewRequest(http.MethodPost, "/v1/authorize", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Redirect string `json:"redirect"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, gate.DefaultRedirectTarget, resp.Redirect)
}

func TestServer_AuthorizeBadBody(t *testing.T) {
	s := newTestServer(t, managerSource())
	w := do(s, httptest.NewRequest(http.MethodPost, "/v1/authorize", bytes.NewBufferString("not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeLister struct {
	rows   []store.AccessDecision
	err    error
	tenant string
	limit  int
}

func (f *fakeLister) Recent(_ context.Context, tenantID string, limit int) ([]store.AccessDecision, error) {
	f.tenant, f.limit = tenantID, limit
	return f.rows, f.err
}

func adminSource(tenant string) *mock.Source {
	return mock.NewSource(mock.NewProvider(gate.User{ID: "u-admin", TenantID: tenant}, gate.Tenant{ID: tenant}, gate.RoleAdmin))
}

func TestServer_Decisions(t *testing.T) {
	lister := &fakeLister{rows: []store.AccessDecision{
		{ID: "d1", Route: "/admin", Outcome: "denied", Reason: "role_mismatch", UserID: "u-user", DecidedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)},
	}}

	s := newTestServer(t, adminSource("t1"), func(d *Deps) { d.Decisions = lister })
	w := do(s, httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/decisions?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t1", lister.tenant)
	assert.Equal(t, 5, lister.limit)
	assert.Contains(t, w.Body.String(), `"reason":"role_mismatch"`)

	w = do(s, httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/decisions?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, httptest.NewRequest(http.MethodGet, "/v1/tenants/t2/decisions", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	s = newTestServer(t, managerSource(), func(d *Deps) { d.Decisions = lister })
	w = do(s, httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/decisions", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	lister.err = errors.New("db down")
	s = newTestServer(t, adminSource("t1"), func(d *Deps) { d.Decisions = lister })
	w = do(s, httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/decisions", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestServer_RemoteSessions(t *testing.T) {
	backend := sessionsrv_mock.NewServer().WithDefaultSessions()
	defer backend.Close()
	s := newTestServer(t, remote.NewSource(backend.URL()))

	tests := []struct {
		name     string
		token    string
		path     string
		wantCode int
		wantLoc  string
	}{
		{"admin reaches admin", "admin-token", "/admin", http.StatusOK, ""},
		{"user is sent to unauthorized", "user-token", "/admin", http.StatusFound, gate.RedirectUnauthorized},
		{"revoked token is sent to login", "revoked", "/dashboard", http.StatusFound, "/login"},
		{"no token is sent to login", "", "/dashboard", http.StatusFound, "/login"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := do(s, req)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantLoc, w.Header().Get("Location"))
		})
	}

	backend.FailWith(http.StatusServiceUnavailable)
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer admin-token")
	w := do(s, req)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, gate.DefaultErrorDestination, w.Header().Get("Location"))
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	assert.Error(t, err)
}
