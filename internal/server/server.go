// Package server exposes the access gate over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asimihsan/routegate/internal/audit/store"
	"github.com/asimihsan/routegate/internal/decision"
	"github.com/asimihsan/routegate/pkg/gate"
)

// DecisionLister lists recent audited decisions for a tenant.
type DecisionLister interface {
	Recent(ctx context.Context, tenantID string, limit int) ([]store.AccessDecision, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Evaluator gate.Evaluator
	Source    gate.SessionSource
	Routes    []Route
	// Upstream receives authorized gateway traffic. Nil answers allowed
	// requests with the verdict instead.
	Upstream *url.URL
	// Decisions enables the security events endpoint.
	Decisions      DecisionLister
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Server is the gin based gate.
type Server struct {
	r         *gin.Engine
	evaluator gate.Evaluator
	source    gate.SessionSource
	routes    *RouteTable
	proxy     *httputil.ReverseProxy
	decisions DecisionLister
	logger    *slog.Logger
}

// NewServer builds the gate and registers its routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Evaluator == nil || deps.Source == nil {
		return nil, errors.New("server: evaluator and session source are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(logger))

	s := &Server{
		r:         r,
		evaluator: deps.Evaluator,
		source:    deps.Source,
		routes:    NewRouteTable(deps.Routes...),
		decisions: deps.Decisions,
		logger:    logger,
	}
	if deps.Upstream != nil {
		s.proxy = newProxy(deps.Upstream, logger)
	}

	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	s.register(metricsHandler)
	return s, nil
}

func newProxy(target *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.ErrorContext(r.Context(), "upstream request failed", "path", r.URL.Path, "error", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy
}

func (s *Server) register(metricsHandler http.Handler) {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.r.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := s.r.Group("/v1")
	{
		v1.POST("/authorize", s.handleAuthorize)
		if s.decisions != nil {
			v1.GET("/tenants/:tenant/decisions", s.protectTenantAdmin(), s.handleDecisions)
		}
	}

	s.r.NoRoute(s.handleGateway)
}

// Handler returns the gate's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gate listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down gate: %w", err)
	}
	return <-errCh
}

func (s *Server) handleGateway(c *gin.Context) {
	requested := c.Request.URL.Path
	if requested == "" {
		requested = "/"
	}
	// Only canonical paths are matched and forwarded.
	if cleanPath(requested) != requested {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_PATH", Message: "path is not canonical"})
		return
	}
	route, ok := s.routes.Match(requested)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "no route"})
		return
	}

	s.Protect(route)(c)
	if c.IsAborted() {
		return
	}
	verdict, _ := VerdictFromContext(c)
	s.forward(c, verdict)
}

func (s *Server) forward(c *gin.Context, verdict gate.Verdict) {
	if s.proxy == nil {
		c.JSON(http.StatusOK, verdict)
		return
	}

	req := c.Request
	// The upstream receives the decoded path the route was matched on.
	req.URL.RawPath = ""
	req.Header.Del(HeaderUser)
	req.Header.Del(HeaderTenant)
	if verdict.User != nil {
		req.Header.Set(HeaderUser, verdict.User.ID)
	}
	if verdict.Tenant != nil {
		req.Header.Set(HeaderTenant, verdict.Tenant.ID)
	}
	req.Header.Set(HeaderRequestID, c.GetString(requestIDKey))
	s.proxy.ServeHTTP(c.Writer, req)
}

type authorizeResponse struct {
	gate.Verdict
	Phase string `json:"phase"`
}

func (s *Server) handleAuthorize(c *gin.Context) {
	var policy gate.PolicyRequest
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_ARGUMENT", Message: "body must be a policy request"})
		return
	}

	ctx := decision.WithRoute(c.Request.Context(), c.FullPath())
	verdict, err := s.evaluator.Evaluate(ctx, s.source.ForRequest(c.Request), policy)
	if err != nil {
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}
	c.JSON(http.StatusOK, authorizeResponse{Verdict: verdict, Phase: verdict.Phase().String()})
}

func (s *Server) protectTenantAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := Route{
			Path: c.FullPath(),
			Policy: gate.NewPolicy(
				gate.WithRequiredRole(gate.RoleAdmin),
				gate.WithRequiredTenant(c.Param("tenant")),
			),
			Mode: ModeDeny,
		}
		s.Protect(route)(c)
	}
}

type decisionView struct {
	ID        string    `json:"id"`
	Route     string    `json:"route"`
	Outcome   string    `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

func (s *Server) handleDecisions(c *gin.Context) {
	limit := store.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_ARGUMENT", Message: "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	rows, err := s.decisions.Recent(c.Request.Context(), c.Param("tenant"), limit)
	if err != nil {
		s.logger.ErrorContext(c.Request.Context(), "listing decisions failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL", Message: "could not list decisions"})
		return
	}
	views := make([]decisionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, decisionView{
			ID:        row.ID,
			Route:     row.Route,
			Outcome:   row.Outcome,
			Reason:    row.Reason,
			UserID:    row.UserID,
			Role:      row.Role,
			DecidedAt: row.DecidedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"decisions": views})
}
