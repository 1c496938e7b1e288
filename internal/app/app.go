// Package app assembles a running gate from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"github.com/asimihsan/routegate/internal/audit"
	"github.com/asimihsan/routegate/internal/audit/stdout"
	"github.com/asimihsan/routegate/internal/audit/store"
	"github.com/asimihsan/routegate/internal/config"
	"github.com/asimihsan/routegate/internal/decision"
	"github.com/asimihsan/routegate/internal/engine/builtin"
	"github.com/asimihsan/routegate/internal/engine/opa"
	"github.com/asimihsan/routegate/internal/policy/file"
	"github.com/asimihsan/routegate/internal/server"
	"github.com/asimihsan/routegate/internal/session/cache"
	"github.com/asimihsan/routegate/internal/session/header"
	"github.com/asimihsan/routegate/internal/session/remote"
	"github.com/asimihsan/routegate/internal/session/static"
	"github.com/asimihsan/routegate/pkg/gate"
)

// Options tune Build.
type Options struct {
	// ConfigID is the SHA of the loaded configuration.
	ConfigID string
	Logger   *slog.Logger
	// AuditOutput receives stdout audit records. Defaults to os.Stdout.
	AuditOutput io.Writer
}

// App is a wired gate.
type App struct {
	Server    *server.Server
	Evaluator *decision.Engine
	Sources   *gate.SourceRegistry
	// PolicyID is the id of the Rego bundle compiled at startup.
	PolicyID string

	policies *file.Provider
	closers  []io.Closer
}

// ReloadPolicy recompiles the Rego policy file and returns the id of the
// bundle now in use. A failed reload leaves the previous bundle serving.
// It is a no-op for the builtin engine.
func (a *App) ReloadPolicy(ctx context.Context) (string, error) {
	if a.policies == nil {
		return "", nil
	}
	bundle, err := a.policies.Reload(ctx)
	if err != nil {
		return "", err
	}
	return bundle.ID(), nil
}

// Close releases connections opened by Build.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build wires session sources, the rule engine, audit sinks and the HTTP
// server described by cfg.
func Build(ctx context.Context, cfg *config.AppConfig, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Sources, err = a.buildSources(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sourceID := remote.SourceID
	if cfg.Session != nil && cfg.Session.Source != "" {
		sourceID = cfg.Session.Source
	}
	source, err := a.Sources.MustSource(sourceID)
	if err != nil {
		return nil, err
	}

	rules, err := a.buildRules(ctx, cfg)
	if err != nil {
		return nil, err
	}

	auditLogger, decisions, err := a.buildAudit(ctx, cfg, opts.AuditOutput)
	if err != nil {
		return nil, err
	}

	evalOpts := []decision.Option{
		decision.WithLogger(logger),
		decision.WithSessionTimeout(cfg.SessionTimeout()),
		decision.WithErrorDestination(cfg.ErrorDestination()),
		decision.WithIdentifiers(cfg.EngineKind(), a.PolicyID, opts.ConfigID),
		decision.WithSourceName(sourceID),
	}
	if len(auditLogger) > 0 {
		evalOpts = append(evalOpts, decision.WithAuditLogger(auditLogger))
	}
	a.Evaluator = decision.NewEngine(rules, evalOpts...)

	routes, err := server.RoutesFromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}

	deps := server.Deps{
		Evaluator: a.Evaluator,
		Source:    source,
		Routes:    routes,
		Logger:    logger,
	}
	if decisions != nil {
		deps.Decisions = decisions
	}
	if cfg.Server != nil && cfg.Server.UpstreamURL != "" {
		deps.Upstream, err = url.Parse(cfg.Server.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("%w: server.upstreamURL: %v", gate.ErrConfigLoad, err)
		}
	}
	a.Server, err = server.NewServer(deps)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildSources(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*gate.SourceRegistry, error) {
	registry := gate.NewSourceRegistry()
	registry.Register(header.NewSource())
	registry.Register(static.NewSource(cfg))

	if cfg.Session == nil || cfg.Session.AuthBaseURL == "" {
		return registry, nil
	}

	remoteOpts := []remote.SourceOption{remote.WithLogger(logger)}
	switch cfg.Session.CacheStore {
	case "", "memory":
		remoteOpts = append(remoteOpts, remote.WithCache(cache.NewMemory(), cfg.CacheTTL()))
	case "redis":
		rc, err := cache.NewRedis(cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gate.ErrConfigLoad, err)
		}
		a.closers = append(a.closers, rc)
		if err := rc.Ping(ctx); err != nil {
			return nil, fmt.Errorf("%w: redis session cache: %v", gate.ErrSessionUnavailable, err)
		}
		remoteOpts = append(remoteOpts, remote.WithCache(rc, cfg.CacheTTL()))
	case "none":
	default:
		return nil, fmt.Errorf("%w: unknown session cache %q", gate.ErrConfigLoad, cfg.Session.CacheStore)
	}
	registry.Register(remote.NewSource(cfg.Session.AuthBaseURL, remoteOpts...))
	return registry, nil
}

func (a *App) buildRules(ctx context.Context, cfg *config.AppConfig) (gate.RuleEngine, error) {
	switch cfg.EngineKind() {
	case "builtin":
		return builtin.NewEngine(), nil
	case "rego":
		policies := file.New(cfg.Engine.RegoPath, cfg.Engine.RegoQuery)
		// Compile once at startup so a broken policy fails fast.
		bundle, err := policies.GetPolicyBundle(ctx)
		if err != nil {
			return nil, err
		}
		a.PolicyID = bundle.ID()
		a.policies = policies
		return opa.NewEngine(policies), nil
	default:
		return nil, fmt.Errorf("%w: unknown engine kind %q", gate.ErrConfigLoad, cfg.EngineKind())
	}
}

func (a *App) buildAudit(ctx context.Context, cfg *config.AppConfig, out io.Writer) (audit.Multi, *store.Store, error) {
	var loggers []gate.AuditLogger
	if cfg.Audit == nil || cfg.Audit.Stdout {
		if out == nil {
			out = os.Stdout
		}
		loggers = append(loggers, stdout.NewWithWriter(out))
	}

	var decisions *store.Store
	if cfg.Audit != nil && cfg.Audit.PostgresDSN != "" {
		st, err := store.Open(cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, st)
		if err := st.AutoMigrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrating audit store: %w", err)
		}
		loggers = append(loggers, st)
		decisions = st
	}
	return audit.NewMulti(loggers...), decisions, nil
}
