package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/report-form-engine/internal/archive"
	"github.com/example/report-form-engine/internal/config"
	"github.com/example/report-form-engine/internal/httpapi"
	"github.com/example/report-form-engine/internal/hub"
	"github.com/example/report-form-engine/internal/observability"
	"github.com/example/report-form-engine/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store := storage.NewReportStore(resources.Postgres)

	registry := hub.NewRegistry()
	presence := hub.NewService(resources.Redis, registry, logger, hub.WithHeartbeatTTL(cfg.PresenceTTL))
	presence.Start(ctx)

	gateway := hub.NewGateway(registry, logger, presence.Hooks(), hub.GatewayConfig{})
	api := httpapi.NewHandler(store, presence, logger)

	archiver := archive.NewWorker(store, resources.Object, cfg.ObjectBucket, logger, archive.WithInterval(cfg.ArchiveInterval))
	archiver.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/reports", api)
	mux.Handle("/reports/", api)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}
