// Package decision implements the access decision evaluator: the ordered
// authentication, session and rule checks that turn a policy request into a
// terminal verdict.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/asimihsan/routegate/internal/metrics"
	"github.com/asimihsan/routegate/pkg/gate"
)

// DefaultSessionTimeout bounds CurrentUser when no timeout is configured.
const DefaultSessionTimeout = 10 * time.Second

// Engine implements gate.Evaluator.
type Engine struct {
	rules            gate.RuleEngine
	audit            gate.AuditLogger
	logger           *slog.Logger
	sessionTimeout   time.Duration
	errorDestination string
	engineName       string
	policyID         string
	configID         string
	source           string
	now              func() time.Time
}

var _ gate.Evaluator = (*Engine)(nil)

// policyVersioned is implemented by rule engines whose policy can be reloaded.
type policyVersioned interface {
	PolicyID() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuditLogger records every terminal verdict with logger.
func WithAuditLogger(logger gate.AuditLogger) Option {
	return func(e *Engine) { e.audit = logger }
}

// WithLogger sets the operator log.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSessionTimeout bounds the session fetch. Zero or negative disables the bound.
func WithSessionTimeout(d time.Duration) Option {
	return func(e *Engine) { e.sessionTimeout = d }
}

// WithErrorDestination sets where session failures are redirected.
func WithErrorDestination(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.errorDestination = path
		}
	}
}

// WithIdentifiers records which rule engine, policy bundle and configuration produced a verdict.
func WithIdentifiers(engineName, policyID, configID string) Option {
	return func(e *Engine) {
		e.engineName = engineName
		e.policyID = policyID
		e.configID = configID
	}
}

// WithSourceName labels session fetch metrics.
func WithSourceName(source string) Option {
	return func(e *Engine) { e.source = source }
}

// NewEngine creates an evaluator that delegates the role, permission and
// tenant checks to rules.
func NewEngine(rules gate.RuleEngine, opts ...Option) *Engine {
	e := &Engine{
		rules:            rules,
		logger:           slog.Default(),
		sessionTimeout:   DefaultSessionTimeout,
		errorDestination: gate.DefaultErrorDestination,
		engineName:       "builtin",
		source:           "default",
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type routeCtxKey struct{}

// WithRoute attaches the protected route to ctx for logging and audit.
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeCtxKey{}, route)
}

// RouteFromContext returns the route attached by WithRoute.
func RouteFromContext(ctx context.Context) string {
	route, _ := ctx.Value(routeCtxKey{}).(string)
	return route
}

// Evaluate implements gate.Evaluator. It returns ctx.Err() and no verdict
// when ctx is cancelled before the session fetch resolves.
func (e *Engine) Evaluate(ctx context.Context, sessions gate.SessionProvider, policy gate.PolicyRequest) (gate.Verdict, error) {
	start := e.now()

	verdict, session, err := e.evaluate(ctx, sessions, policy)
	if err != nil {
		metrics.DecisionDiscarded.Inc()
		e.logger.DebugContext(ctx, "evaluation discarded", "route", RouteFromContext(ctx), "error", err)
		return gate.Verdict{}, err
	}

	e.record(ctx, policy, session, verdict, e.now().Sub(start))
	return verdict, nil
}

func (e *Engine) evaluate(ctx context.Context, sessions gate.SessionProvider, policy gate.PolicyRequest) (gate.Verdict, gate.Session, error) {
	if !policy.RequireAuth {
		return gate.Allowed(gate.Session{}), gate.Session{}, nil
	}

	loginTarget := policy.RedirectTarget
	if loginTarget == "" {
		loginTarget = gate.DefaultRedirectTarget
	}

	if !sessions.IsAuthenticated() {
		return gate.Denied(gate.ReasonUnauthenticated, loginTarget), gate.Session{}, nil
	}

	session, reason, err := e.fetchSession(ctx, sessions)
	if err != nil {
		return gate.Verdict{}, gate.Session{}, err
	}
	switch reason {
	case gate.ReasonNone:
	case gate.ReasonSessionRejected:
		return gate.Denied(reason, loginTarget), session, nil
	default:
		return gate.Denied(reason, e.errorDestination), session, nil
	}

	outcome, err := e.rules.Decide(ctx, policy, session)
	if err != nil {
		if ctx.Err() != nil {
			return gate.Verdict{}, gate.Session{}, ctx.Err()
		}
		e.logger.ErrorContext(ctx, "rule evaluation failed", "route", RouteFromContext(ctx), "engine", e.engineName, "error", err)
		if e.audit != nil {
			if aerr := e.audit.LogSystemError(ctx, err, RouteFromContext(ctx), e.currentPolicyID(), e.configID); aerr != nil {
				e.logger.ErrorContext(ctx, "audit system error failed", "error", aerr)
			}
		}
		return gate.Denied(gate.ReasonPolicyError, e.errorDestination), session, nil
	}
	if ctx.Err() != nil {
		return gate.Verdict{}, gate.Session{}, ctx.Err()
	}
	if outcome.Allow {
		return gate.Allowed(session), session, nil
	}

	if outcome.Reason == gate.ReasonRoleMismatch {
		e.logger.WarnContext(ctx, "required role not held",
			"route", RouteFromContext(ctx),
			"expected_role", policy.RequiredRole,
			"actual_role", session.Role,
		)
	}
	return gate.Denied(outcome.Reason, outcome.Redirect), session, nil
}

// fetchSession retrieves user, tenant, permissions and role. A non-empty
// reason means the fetch failed and the verdict is a denial; a non-nil
// error means the caller went away and the result must be discarded.
func (e *Engine) fetchSession(ctx context.Context, sessions gate.SessionProvider) (gate.Session, gate.Reason, error) {
	fetchCtx := ctx
	if e.sessionTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.sessionTimeout)
		defer cancel()
	}

	timer := prometheus.NewTimer(metrics.SessionFetchLatency.WithLabelValues(e.source))
	user, tenant, err := sessions.CurrentUser(fetchCtx)
	timer.ObserveDuration()

	// The caller may have gone away while the fetch was suspended.
	if ctx.Err() != nil {
		return gate.Session{}, gate.ReasonNone, ctx.Err()
	}

	if err == nil {
		err = gate.ValidateIdentity(user, tenant)
	}
	if err != nil {
		reason := classifyFetchError(fetchCtx, err)
		metrics.SessionFetchErrors.WithLabelValues(e.source, string(reason)).Inc()
		e.logger.WarnContext(ctx, "session fetch failed", "route", RouteFromContext(ctx), "reason", reason, "error", err)
		return gate.Session{}, reason, nil
	}

	return gate.Session{
		Authenticated: true,
		User:          &user,
		Tenant:        &tenant,
		Permissions:   slices.Clone(sessions.Permissions()),
		Role:          sessions.Role(),
	}, gate.ReasonNone, nil
}

func classifyFetchError(fetchCtx context.Context, err error) gate.Reason {
	switch {
	case errors.Is(err, gate.ErrUnauthorized):
		return gate.ReasonSessionRejected
	case errors.Is(err, gate.ErrMalformedSession):
		return gate.ReasonMalformedSession
	case errors.Is(err, gate.ErrSessionTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
		return gate.ReasonSessionTimeout
	default:
		return gate.ReasonSessionError
	}
}

// currentPolicyID prefers the bundle the rule engine last evaluated over
// the id configured at startup.
func (e *Engine) currentPolicyID() string {
	if v, ok := e.rules.(policyVersioned); ok {
		if id := v.PolicyID(); id != "" {
			return id
		}
	}
	return e.policyID
}

func (e *Engine) record(ctx context.Context, policy gate.PolicyRequest, session gate.Session, verdict gate.Verdict, elapsed time.Duration) {
	phase := verdict.Phase()
	metrics.DecisionEvaluations.WithLabelValues(phase.String(), string(verdict.Reason)).Inc()

	route := RouteFromContext(ctx)
	if phase == gate.PhaseDenied {
		e.logger.InfoContext(ctx, "access denied", "route", route, "reason", verdict.Reason, "redirect", verdict.Redirect)
	}

	if e.audit == nil {
		return
	}
	record := gate.DecisionRecord{
		ID:           uuid.NewString(),
		Route:        route,
		Policy:       policy,
		Verdict:      verdict,
		Role:         session.Role,
		TenantID:     session.TenantID(),
		Engine:       e.engineName,
		PolicyID:     e.currentPolicyID(),
		ConfigID:     e.configID,
		EvalDuration: elapsed,
		At:           e.now(),
	}
	if session.User != nil {
		record.UserID = session.User.ID
	}
	if err := e.audit.LogDecision(ctx, record); err != nil {
		e.logger.ErrorContext(ctx, "audit decision failed", "route", route, "error", err)
	}
}
