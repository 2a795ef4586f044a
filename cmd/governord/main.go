// Package main is the entry point for the governor daemon. It loads
// configuration, assembles the governor in front of the CRM client, starts
// the HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/registrar-tools/crm-governor/internal/config"
	"github.com/registrar-tools/crm-governor/internal/governor"
	"github.com/registrar-tools/crm-governor/internal/logging"
	"github.com/registrar-tools/crm-governor/internal/metrics"
	"github.com/registrar-tools/crm-governor/internal/middleware"
	"github.com/registrar-tools/crm-governor/internal/server"
	"github.com/registrar-tools/crm-governor/internal/upstream"
)

func main() {
	configPath := flag.String("config", "configs/governor.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logWriter, closeLog, err := openLogOutput(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"profile", cfg.Governor.Profile,
		"max_concurrent", cfg.Governor.MaxConcurrent,
		"min_dispatch_interval", cfg.Governor.MinDispatchInterval,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	crm, err := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Timeout: cfg.Upstream.Timeout,
		Auth: upstream.TokenConfig{
			Issuer:     cfg.Upstream.Auth.Issuer,
			Subject:    cfg.Upstream.Auth.Subject,
			Audience:   cfg.Upstream.Auth.Audience,
			SigningKey: cfg.Upstream.Auth.SigningKey,
			TTL:        cfg.Upstream.Auth.TokenTTL,
		},
	}, logger)
	if err != nil {
		logger.Error("failed to create upstream client", "error", err)
		os.Exit(1)
	}

	gov := governor.New(cfg.Governor.Profile, governorConfig(cfg.Governor), logger)
	defer gov.Stop()

	srv := server.New(gov, crm, logger)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		gov.UpdateConfig(governorConfig(newCfg.Governor))
	})

	if cfg.Admin.Enabled {
		diag := server.NewDiagnostics(gov, reloader, cfg.Admin.IPAllowlist, logger)
		diag.RegisterRoutes(mux)
		logger.Info("diagnostics endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	// Middleware stack: Recovery → RequestID → Logging → routes
	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting governor daemon", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("governor daemon stopped gracefully")
}

// governorConfig maps the YAML governor block onto the governor's config.
func governorConfig(g config.GovernorConfig) governor.Config {
	return governor.Config{
		MaxConcurrent:       g.MaxConcurrent,
		MinDispatchInterval: g.MinDispatchInterval,
		MaxRetries:          g.MaxRetries,
		BaseRetryDelay:      g.BaseRetryDelay,
		CacheTTL:            g.CacheTTL,
		CacheSweepInterval:  g.CacheSweepInterval,
		FailureThreshold:    g.FailureThreshold,
		MonitoringPeriod:    g.MonitoringPeriod,
		ResetTimeout:        g.ResetTimeout,
		SupersedeSameKey:    g.SupersedeEnabled(),
	}
}

// openLogOutput resolves the logging.output setting to a writer. File paths
// get a size-rotating writer.
func openLogOutput(cfg config.LoggingConfig) (io.Writer, func(), error) {
	switch cfg.Output {
	case "stdout":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	default:
		rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		return rw, func() { rw.Close() }, nil
	}
}
