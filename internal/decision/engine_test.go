package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asimihsan/routegate/internal/engine/builtin"
	"github.com/asimihsan/routegate/internal/metrics"
	"github.com/asimihsan/routegate/internal/session/mock"
	"github.com/asimihsan/routegate/internal/session/remote"
	"github.com/asimihsan/routegate/internal/session/sessionsrv_mock"
	"github.com/asimihsan/routegate/pkg/gate"
)

type recordingAudit struct {
	mu        sync.Mutex
	decisions []gate.DecisionRecord
	errs      []error
	failWith  error
}

func (a *recordingAudit) LogDecision(_ context.Context, record gate.DecisionRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, record)
	return a.failWith
}

func (a *recordingAudit) LogSystemError(_ context.Context, err error, _, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, err)
	return nil
}

type failingRules struct{ err error }

func (r failingRules) Decide(context.Context, gate.PolicyRequest, gate.Session) (gate.Outcome, error) {
	return gate.Outcome{}, r.err
}

// cancellingRules cancels the caller's context while deciding and still allows.
type cancellingRules struct{ cancel context.CancelFunc }

func (r cancellingRules) Decide(context.Context, gate.PolicyRequest, gate.Session) (gate.Outcome, error) {
	r.cancel()
	return gate.Outcome{Allow: true}, nil
}

func alice() *mock.Provider {
	return mock.NewProvider(
		gate.User{ID: "u-alice", Email: "alice@example.com", TenantID: "t1"},
		gate.Tenant{ID: "t1", Name: "Acme"},
		gate.RoleAdmin,
		"read:users",
	)
}

func newTestEngine(opts ...Option) (*Engine, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]Option{WithLogger(logger)}, opts...)
	return NewEngine(builtin.NewEngine(), opts...), &buf
}

func TestEngine_Evaluate(t *testing.T) {
	tests := []struct {
		name         string
		provider     func() *mock.Provider
		policy       gate.PolicyRequest
		wantPhase    gate.Phase
		wantReason   gate.Reason
		wantRedirect string
		wantCalls    int
	}{
		{
			name:      "admin with matching tenant and permission",
			provider:  alice,
			policy:    gate.NewPolicy(gate.WithRequiredRole(gate.RoleAdmin), gate.WithRequiredPermissions("read:users"), gate.WithRequiredTenant("t1")),
			wantPhase: gate.PhaseAuthorized,
			wantCalls: 1,
		},
		{
			name:         "not authenticated",
			provider:     mock.Anonymous,
			policy:       gate.Authenticated(),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonUnauthenticated,
			wantRedirect: "/login",
		},
		{
			name:         "not authenticated with custom target",
			provider:     mock.Anonymous,
			policy:       gate.NewPolicy(gate.WithRedirectTarget("/signin")),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonUnauthenticated,
			wantRedirect: "/signin",
		},
		{
			name: "session rejected",
			provider: func() *mock.Provider {
				return alice().WithError(fmt.Errorf("%w: status 401", gate.ErrUnauthorized))
			},
			policy:       gate.Authenticated(),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonSessionRejected,
			wantRedirect: "/login",
			wantCalls:    1,
		},
		{
			name: "session backend failure",
			provider: func() *mock.Provider {
				return alice().WithError(fmt.Errorf("%w: status 500", gate.ErrSessionUnavailable))
			},
			policy:       gate.Authenticated(),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonSessionError,
			wantRedirect: gate.DefaultErrorDestination,
			wantCalls:    1,
		},
		{
			name: "unclassified failure goes to error destination",
			provider: func() *mock.Provider {
				return alice().WithError(errors.New("boom"))
			},
			policy:       gate.NewPolicy(gate.WithRedirectTarget("/signin")),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonSessionError,
			wantRedirect: gate.DefaultErrorDestination,
			wantCalls:    1,
		},
		{
			name: "malformed session",
			provider: func() *mock.Provider {
				p := alice()
				p.Tenant = gate.Tenant{}
				return p
			},
			policy:       gate.Authenticated(),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonMalformedSession,
			wantRedirect: gate.DefaultErrorDestination,
			wantCalls:    1,
		},
		{
			name:         "missing permission",
			provider:     alice,
			policy:       gate.PermissionScoped("delete:users"),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonMissingPermission,
			wantRedirect: gate.RedirectUnauthorized,
			wantCalls:    1,
		},
		{
			name:         "tenant mismatch",
			provider:     alice,
			policy:       gate.TenantScoped("t2"),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonTenantMismatch,
			wantRedirect: gate.RedirectTenantMismatch,
			wantCalls:    1,
		},
		{
			name: "cross tenant requires admin",
			provider: func() *mock.Provider {
				p := alice()
				p.RoleName = gate.RoleUser
				return p
			},
			policy:       gate.NewPolicy(gate.WithCrossTenant()),
			wantPhase:    gate.PhaseDenied,
			wantReason:   gate.ReasonInsufficientRole,
			wantRedirect: gate.RedirectInsufficientRole,
			wantCalls:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := newTestEngine()
			provider := tt.provider()

			verdict, err := engine.Evaluate(context.Background(), provider, tt.policy)
			require.NoError(t, err)

			assert.False(t, verdict.Loading)
			assert.Equal(t, tt.wantPhase, verdict.Phase())
			assert.Equal(t, tt.wantReason, verdict.Reason)
			assert.Equal(t, tt.wantRedirect, verdict.Redirect)
			assert.Equal(t, tt.wantCalls, provider.Calls())
			if tt.wantPhase == gate.PhaseAuthorized {
				require.NotNil(t, verdict.User)
				require.NotNil(t, verdict.Tenant)
				assert.Equal(t, "u-alice", verdict.User.ID)
				assert.Equal(t, "t1", verdict.Tenant.ID)
				assert.Equal(t, []string{"read:users"}, verdict.Permissions)
			} else {
				assert.Nil(t, verdict.User)
			}
		})
	}
}

func TestEngine_PublicRouteSkipsProvider(t *testing.T) {
	engine, _ := newTestEngine()
	provider := mock.Anonymous()

	verdict, err := engine.Evaluate(context.Background(), provider, gate.Public())
	require.NoError(t, err)

	assert.True(t, verdict.Authorized)
	assert.Empty(t, verdict.Redirect)
	assert.Nil(t, verdict.User)
	assert.Nil(t, verdict.Tenant)
	assert.Empty(t, verdict.Permissions)
	assert.Equal(t, 0, provider.Calls())
}

func TestEngine_RoleMismatchWarning(t *testing.T) {
	engine, logs := newTestEngine()
	provider := alice()
	provider.RoleName = gate.RoleManager

	ctx := WithRoute(context.Background(), "/admin")
	verdict, err := engine.Evaluate(ctx, provider, gate.AdminOnly())
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonRoleMismatch, verdict.Reason)
	assert.Equal(t, gate.RedirectUnauthorized, verdict.Redirect)

	var found bool
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] != "required role not held" {
			continue
		}
		found = true
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, gate.RoleAdmin, entry["expected_role"])
		assert.Equal(t, gate.RoleManager, entry["actual_role"])
		assert.Equal(t, "/admin", entry["route"])
	}
	assert.True(t, found, "expected a role mismatch warning")
}

func TestEngine_SessionTimeout(t *testing.T) {
	engine, _ := newTestEngine(WithSessionTimeout(20 * time.Millisecond))
	provider := alice()
	provider.Hold()

	verdict, err := engine.Evaluate(context.Background(), provider, gate.Authenticated())
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonSessionTimeout, verdict.Reason)
	assert.Equal(t, gate.DefaultErrorDestination, verdict.Redirect)
}

func TestEngine_RemoteSessionTimeout(t *testing.T) {
	backend := sessionsrv_mock.NewServer().WithDefaultSessions()
	defer backend.Close()
	backend.SetDelay(2 * time.Second)

	engine, _ := newTestEngine(WithSessionTimeout(50 * time.Millisecond))
	sessions := remote.NewSource(backend.URL()).ForToken("admin-token")

	start := time.Now()
	verdict, err := engine.Evaluate(context.Background(), sessions, gate.AdminOnly())
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonSessionTimeout, verdict.Reason)
	assert.Equal(t, gate.DefaultErrorDestination, verdict.Redirect)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_RemoteRejectionCountedOnce(t *testing.T) {
	backend := sessionsrv_mock.NewServer().WithDefaultSessions()
	defer backend.Close()

	engine, _ := newTestEngine(WithSourceName(remote.SourceID))
	byReason := metrics.SessionFetchErrors.WithLabelValues(remote.SourceID, string(gate.ReasonSessionRejected))
	byStatus := metrics.AuthBackendErrors.WithLabelValues("status_401")
	reasonBefore, statusBefore := testutil.ToFloat64(byReason), testutil.ToFloat64(byStatus)

	verdict, err := engine.Evaluate(context.Background(), remote.NewSource(backend.URL()).ForToken("stale-token"), gate.Authenticated())
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonSessionRejected, verdict.Reason)

	assert.Equal(t, reasonBefore+1, testutil.ToFloat64(byReason))
	assert.Equal(t, statusBefore+1, testutil.ToFloat64(byStatus))
	assert.Zero(t, testutil.ToFloat64(metrics.SessionFetchErrors.WithLabelValues(remote.SourceID, "status_401")))
}

func TestEngine_CustomErrorDestination(t *testing.T) {
	engine, _ := newTestEngine(WithErrorDestination("/oops"))
	provider := alice().WithError(gate.ErrSessionUnavailable)

	verdict, err := engine.Evaluate(context.Background(), provider, gate.Authenticated())
	require.NoError(t, err)
	assert.Equal(t, "/oops", verdict.Redirect)
}

func TestEngine_CancelledDuringFetch(t *testing.T) {
	audit := &recordingAudit{}
	engine, _ := newTestEngine(WithAuditLogger(audit))
	provider := alice()
	release := provider.Hold()
	provider.IgnoreCancel = true

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		verdict gate.Verdict
		err     error
	}
	done := make(chan result, 1)
	go func() {
		v, err := engine.Evaluate(ctx, provider, gate.AdminOnly())
		done <- result{v, err}
	}()

	<-provider.Entered()
	cancel()
	release()

	res := <-done
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, gate.Verdict{}, res.verdict)
	assert.Empty(t, audit.decisions)
}

func TestEngine_CancelledDuringDecide(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	audit := &recordingAudit{}
	engine := NewEngine(cancellingRules{cancel: cancel}, WithAuditLogger(audit))

	_, err := engine.Evaluate(ctx, alice(), gate.AdminOnly())
	assert.ErrorIs(t, err, context.Canceled)

	audit.mu.Lock()
	defer audit.mu.Unlock()
	assert.Empty(t, audit.decisions)
	assert.Empty(t, audit.errs)
}

func TestEngine_RuleEngineFailure(t *testing.T) {
	audit := &recordingAudit{}
	var buf bytes.Buffer
	engine := NewEngine(
		failingRules{err: fmt.Errorf("%w: no bundle", gate.ErrPolicyEvaluation)},
		WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
		WithAuditLogger(audit),
	)

	verdict, err := engine.Evaluate(context.Background(), alice(), gate.AdminOnly())
	require.NoError(t, err)
	assert.Equal(t, gate.ReasonPolicyError, verdict.Reason)
	assert.Equal(t, gate.DefaultErrorDestination, verdict.Redirect)
	require.Len(t, audit.errs, 1)
	assert.ErrorIs(t, audit.errs[0], gate.ErrPolicyEvaluation)
	assert.ErrorIs(t, verdict.Err(), gate.ErrPolicyEvaluation)
}

func TestEngine_AuditRecord(t *testing.T) {
	audit := &recordingAudit{}
	engine, _ := newTestEngine(
		WithAuditLogger(audit),
		WithIdentifiers("rego", "policy-sha", "config-sha"),
	)

	ctx := WithRoute(context.Background(), "/orgs/t1")
	_, err := engine.Evaluate(ctx, alice(), gate.OrganizationScoped("t1"))
	require.NoError(t, err)

	require.Len(t, audit.decisions, 1)
	record := audit.decisions[0]
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "/orgs/t1", record.Route)
	assert.Equal(t, "u-alice", record.UserID)
	assert.Equal(t, "t1", record.TenantID)
	assert.Equal(t, gate.RoleAdmin, record.Role)
	assert.Equal(t, "rego", record.Engine)
	assert.Equal(t, "policy-sha", record.PolicyID)
	assert.Equal(t, "config-sha", record.ConfigID)
	assert.Equal(t, gate.ReasonMissingPermission, record.Verdict.Reason)
}

func TestEngine_AuditFailureDoesNotChangeVerdict(t *testing.T) {
	audit := &recordingAudit{failWith: errors.New("disk full")}
	engine, _ := newTestEngine(WithAuditLogger(audit))

	verdict, err := engine.Evaluate(context.Background(), alice(), gate.Authenticated())
	require.NoError(t, err)
	assert.True(t, verdict.Authorized)
}

func TestEngine_Idempotent(t *testing.T) {
	engine, _ := newTestEngine()
	policy := gate.NewPolicy(gate.WithAllowedRoles(gate.RoleManager), gate.WithRequiredTenant("t1"))

	first, err := engine.Evaluate(context.Background(), alice(), policy)
	require.NoError(t, err)
	second, err := engine.Evaluate(context.Background(), alice(), policy)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, gate.ReasonRoleNotAllowed, first.Reason)
}

func TestEngine_PermissionsNotShared(t *testing.T) {
	engine, _ := newTestEngine()
	provider := alice()

	verdict, err := engine.Evaluate(context.Background(), provider, gate.Authenticated())
	require.NoError(t, err)
	verdict.Permissions[0] = "tampered"

	assert.Equal(t, []string{"read:users"}, provider.Perms)
}

func TestRouteFromContext(t *testing.T) {
	assert.Empty(t, RouteFromContext(context.Background()))
	assert.Equal(t, "/x", RouteFromContext(WithRoute(context.Background(), "/x")))
}
