package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/asimihsan/routegate/internal/decision"
	"github.com/asimihsan/routegate/pkg/gate"
)

const (
	verdictKey   = "verdict"
	requestIDKey = "request_id"

	// HeaderRequestID is echoed on every response.
	HeaderRequestID = "X-Request-ID"
	// HeaderUser and HeaderTenant identify the caller to the upstream.
	HeaderUser   = "X-Routegate-User"
	HeaderTenant = "X-Routegate-Tenant"

	// statusClientClosedRequest is logged when the caller left before a verdict.
	statusClientClosedRequest = 499
)

// ErrorResponse is the body of every gate generated error.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoContext(c.Request.Context(), "request",
			"request_id", c.GetString(requestIDKey),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Protect evaluates route's requirements for the request. On allow the
// verdict is stored in the gin context and the chain continues. On denial
// exactly one response is written: a redirect or the access denied body,
// depending on the route's mode. If the client goes away first the chain
// is aborted with no body and no redirect.
func (s *Server) Protect(route Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := decision.WithRoute(c.Request.Context(), route.Path)
		sessions := s.source.ForRequest(c.Request)

		verdict, err := s.evaluator.Evaluate(ctx, sessions, route.Policy)
		if err != nil {
			s.logger.DebugContext(ctx, "client went away before a verdict", "request_id", c.GetString(requestIDKey), "error", err)
			c.AbortWithStatus(statusClientClosedRequest)
			return
		}

		if verdict.Phase() != gate.PhaseAuthorized {
			s.deny(c, route.Mode, verdict)
			return
		}
		c.Set(verdictKey, verdict)
		c.Next()
	}
}

func (s *Server) deny(c *gin.Context, mode Mode, verdict gate.Verdict) {
	if mode == ModeDeny {
		status, code := http.StatusForbidden, "FORBIDDEN"
		switch verdict.Reason {
		case gate.ReasonUnauthenticated, gate.ReasonSessionRejected:
			status, code = http.StatusUnauthorized, "UNAUTHENTICATED"
		}
		c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: "access denied"})
		return
	}
	c.Redirect(http.StatusFound, verdict.Redirect)
	c.Abort()
}

// VerdictFromContext returns the verdict stored by Protect.
func VerdictFromContext(c *gin.Context) (gate.Verdict, bool) {
	value, ok := c.Get(verdictKey)
	if !ok {
		return gate.Verdict{}, false
	}
	verdict, ok := value.(gate.Verdict)
	return verdict, ok
}
