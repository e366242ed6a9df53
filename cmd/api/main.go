package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/slotkeeper/internal/api/router"
	"github.com/wolfman30/slotkeeper/internal/app/bootstrap"
	"github.com/wolfman30/slotkeeper/internal/booking"
	appconfig "github.com/wolfman30/slotkeeper/internal/config"
	"github.com/wolfman30/slotkeeper/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/slotkeeper/internal/http/middleware"
	"github.com/wolfman30/slotkeeper/internal/sweeper"
	"github.com/wolfman30/slotkeeper/internal/waitlist"
	"github.com/wolfman30/slotkeeper/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting slotkeeper API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"storage", cfg.StorageBackend,
	)
	if cfg.AuthJWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET not set; every /v1 request will be rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, metricsHandler := setupMetrics()

	core, err := bootstrap.BuildCore(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("failed to build services", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	deliverer, closeTransport, err := bootstrap.BuildDeliverer(ctx, cfg, core, logger)
	if err != nil {
		logger.Error("failed to build outbox transport", "error", err)
		os.Exit(1)
	}
	defer func() { _ = closeTransport() }()
	go deliverer.Start(ctx)

	// An external scheduler can drive sweeps through /internal/sweeps instead.
	if cfg.SweepInterval > 0 {
		go core.Sweeper.Run(ctx, cfg.SweepInterval)
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.RunEviction(ctx, time.Minute, 10*time.Minute)

	checks := map[string]router.HealthCheck{}
	for name, check := range core.HealthChecks() {
		checks[name] = check
	}

	settingsCfg := handlers.ProviderSettingsConfig{
		Policies: core.Policies,
		Limits:   core.Gate,
		Logger:   logger,
	}
	if core.LimitStore != nil {
		settingsCfg.LimitStore = core.LimitStore
	}

	// Setup router
	r := router.New(&router.Config{
		Logger:           logger,
		Appointments:     booking.NewHandler(core.Bookings, logger),
		Waitlist:         waitlist.NewHandler(core.Queue, logger),
		ProviderSettings: handlers.NewProviderSettingsHandler(settingsCfg),
		Sweeps:           sweeper.NewHandler(core.Sweeper),
		AuthSecret:       cfg.AuthJWTSecret,
		RateLimiter:      limiter,
		MetricsHandler:   metricsHandler,
		HealthChecks:     checks,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Flush whatever the relay had not picked up yet.
	if n := deliverer.Drain(shutdownCtx); n > 0 {
		logger.Info("outbox drained on shutdown", "delivered", n)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

// setupMetrics returns the registry the services register on and the
// /metrics handler serving it.
func setupMetrics() (*prometheus.Registry, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
