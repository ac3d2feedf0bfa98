// Package main provides the API server entry point for the waitlist service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trenches-waitlist/internal/analytics"
	"github.com/trenches-waitlist/internal/api"
	"github.com/trenches-waitlist/internal/auth"
	"github.com/trenches-waitlist/internal/config"
	"github.com/trenches-waitlist/internal/logging"
	"github.com/trenches-waitlist/internal/ratelimit"
	"github.com/trenches-waitlist/internal/registration"
	"github.com/trenches-waitlist/internal/storage"
)

func main() {
	fmt.Println("Trenches Waitlist API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Postgres
	logger.Info("Connecting to databases...")
	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Counter store for admission control
	store, closeStore, err := ratelimit.SelectStore(ctx, cfg.Redis, cfg.RateLimit)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize rate limit store")
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.WithError(err).Warn("Error closing rate limit store")
		}
	}()

	// Optional admission analytics
	var recorder ratelimit.DecisionRecorder
	if cfg.Analytics.Enabled {
		rec, closeAnalytics, err := startAnalytics(ctx, &cfg.Analytics)
		if err != nil {
			logger.WithError(err).Warn("Admission analytics disabled")
		} else {
			recorder = rec
			defer closeAnalytics()
		}
	}

	controller, err := ratelimit.NewController(&ratelimit.ControllerConfig{
		Store:     store,
		Policies:  ratelimit.PoliciesFromConfig(cfg.RateLimit),
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		Recorder:  recorder,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create admission controller")
	}
	logger.WithField("store", controller.StoreName()).Info("Admission controller ready")

	coordinator, err := registration.NewCoordinator(&registration.Config{
		Store: storage.NewIdentityRepository(postgres),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create registration coordinator")
	}

	authenticator, err := auth.NewJWTAuthenticator(cfg.Auth, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create authenticator")
	}

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AllowedOrigin:   cfg.Server.AllowedOrigin,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}

	server, err := api.NewServer(serverConfig, api.Dependencies{
		Admission:      controller,
		Registration:   coordinator,
		PlatformConfig: storage.NewPlatformConfigRepository(postgres),
		Authenticator:  authenticator,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.WithError(err).Error("Server failed")
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

// startAnalytics connects to ClickHouse and starts the admission event recorder.
// The returned func flushes queued events and closes the connection.
func startAnalytics(ctx context.Context, cfg *config.AnalyticsConfig) (*analytics.Recorder, func(), error) {
	clickhouse, err := storage.NewClickHouseDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	recorder, err := analytics.NewRecorder(&analytics.Config{
		Writer:        storage.NewAdmissionEventRepository(clickhouse),
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	})
	if err != nil {
		_ = clickhouse.Close()
		return nil, nil, err
	}

	// The recorder outlives the signal context so it can drain on shutdown.
	if err := recorder.Start(context.WithoutCancel(ctx)); err != nil {
		_ = clickhouse.Close()
		return nil, nil, err
	}

	return recorder, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Stop(stopCtx); err != nil {
			logging.WithError(err).Warn("Failed to flush admission events")
		}
		if err := clickhouse.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}, nil
}
