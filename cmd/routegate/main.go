package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/asimihsan/routegate/internal/app"
	"github.com/asimihsan/routegate/internal/metrics"
	"github.com/asimihsan/routegate/pkg/config/loader"
)

func main() {
	configPath := flag.String("config", "config/local.pkl", "path to the Pkl configuration")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("routegate exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()

	cfg, sha, err := loader.LoadFromPathWithSHA(ctx, configPath)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "path", configPath, "config_id", sha, "routes", len(cfg.Routes))
	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.Debug("configuration", "dump", spew.Sdump(cfg))
	}

	a, err := app.Build(ctx, cfg, app.Options{ConfigID: sha, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("closing app", "error", err)
		}
	}()
	logger.Info("evaluator ready",
		"engine", cfg.EngineKind(),
		"policy_id", a.PolicyID,
		"sources", a.Sources.IDs(),
		"session_timeout", cfg.SessionTimeout(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Run(gctx, cfg.ListenAddr(), cfg.ShutdownTimeout())
	})
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsListenAddr(), logger)
	})
	g.Go(func() error {
		reloadOnHangup(gctx, a, logger)
		return nil
	})
	return g.Wait()
}

// reloadOnHangup recompiles the Rego policy on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app.App, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			id, err := a.ReloadPolicy(ctx)
			if err != nil {
				logger.Error("policy reload failed, previous policy still active", "error", err)
				continue
			}
			logger.Info("policy reloaded", "policy_id", id)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
