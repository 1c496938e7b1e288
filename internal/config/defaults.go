package config

import (
	"fmt"
	"time"

	"github.com/apple/pkl-go/pkl"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Fallbacks applied when a section or field is absent.
const (
	DefaultListenAddr        = ":8080"
	DefaultMetricsListenAddr = ":9090"
	DefaultSessionTimeout    = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
	DefaultCacheTTL          = 30 * time.Second
)

func duration(d *pkl.Duration, fallback time.Duration) time.Duration {
	if d == nil {
		return fallback
	}
	return d.GoDuration()
}

// ListenAddr returns the gate listen address.
func (c *AppConfig) ListenAddr() string {
	if c.Server == nil || c.Server.ListenAddr == "" {
		return DefaultListenAddr
	}
	return c.Server.ListenAddr
}

// MetricsListenAddr returns the Prometheus listen address.
func (c *AppConfig) MetricsListenAddr() string {
	if c.Prometheus == nil || c.Prometheus.ListenAddr == "" {
		return DefaultMetricsListenAddr
	}
	return c.Prometheus.ListenAddr
}

// SessionTimeout bounds each session fetch.
func (c *AppConfig) SessionTimeout() time.Duration {
	if c.Server == nil {
		return DefaultSessionTimeout
	}
	return duration(c.Server.SessionTimeout, DefaultSessionTimeout)
}

// ShutdownTimeout bounds graceful shutdown.
func (c *AppConfig) ShutdownTimeout() time.Duration {
	if c.Server == nil {
		return DefaultShutdownTimeout
	}
	return duration(c.Server.ShutdownTimeout, DefaultShutdownTimeout)
}

// ErrorDestination is where session failures are redirected.
func (c *AppConfig) ErrorDestination() string {
	if c.Server == nil || c.Server.ErrorDestination == "" {
		return gate.DefaultErrorDestination
	}
	return c.Server.ErrorDestination
}

// CacheTTL is how long fetched sessions are reused.
func (c *AppConfig) CacheTTL() time.Duration {
	if c.Session == nil {
		return DefaultCacheTTL
	}
	return duration(c.Session.CacheTTL, DefaultCacheTTL)
}

// EngineKind returns "builtin" unless rego is configured.
func (c *AppConfig) EngineKind() string {
	if c.Engine == nil || c.Engine.Kind == "" {
		return "builtin"
	}
	return c.Engine.Kind
}

// Validate checks cross-field constraints Pkl cannot express on its own.
func (c *AppConfig) Validate() error {
	if c.Session != nil {
		switch c.Session.Source {
		case "", "remote":
			if c.Session.AuthBaseURL == "" {
				return fmt.Errorf("%w: session.authBaseURL is required for the remote source", gate.ErrConfigLoad)
			}
		case "static":
			if c.DevSession == nil {
				return fmt.Errorf("%w: devSession is required for the static source", gate.ErrConfigLoad)
			}
		case "header":
		default:
			return fmt.Errorf("%w: unknown session source %q", gate.ErrConfigLoad, c.Session.Source)
		}
		if c.Session.CacheStore == "redis" && c.Session.RedisAddr == "" {
			return fmt.Errorf("%w: session.redisAddr is required for the redis cache", gate.ErrConfigLoad)
		}
	}
	if c.EngineKind() == "rego" && c.Engine.RegoPath == "" {
		return fmt.Errorf("%w: engine.regoPath is required for the rego engine", gate.ErrConfigLoad)
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if r == nil {
			continue
		}
		if seen[r.Path] {
			return fmt.Errorf("%w: duplicate route %q", gate.ErrConfigLoad, r.Path)
		}
		seen[r.Path] = true
		if _, err := gate.PresetByName(r.Preset, r.Arg); err != nil {
			return fmt.Errorf("%w: route %q: %v", gate.ErrConfigLoad, r.Path, err)
		}
		switch r.Mode {
		case "", "redirect", "deny":
		default:
			return fmt.Errorf("%w: route %q: unknown mode %q", gate.ErrConfigLoad, r.Path, r.Mode)
		}
	}
	return nil
}
