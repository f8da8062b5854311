// Package main runs the bidding SDK core as a standalone process with an
// admin HTTP surface
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/bidding"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/config"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/csm"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/endpoints"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/metrics"
	"github.com/StreetsDigital/thenexusengine/bidsdk/internal/middleware"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/cdb"
	"github.com/StreetsDigital/thenexusengine/bidsdk/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(logger.DefaultConfig())
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		TimeFormat: time.RFC3339,
	})
	log := logger.Log

	log.Info().
		Bool("csm_enabled", cfg.Enabled).
		Str("storage_dir", cfg.StorageDir).
		Str("cdb_url", cfg.CDBURL).
		Dur("send_interval", cfg.SendInterval).
		Int("batch_size", cfg.BatchSize).
		Str("admin_addr", cfg.AdminAddr).
		Msg("Starting bidding SDK core")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(cfg.MetricsNamespace, reg)

	cdbConfig := cdb.DefaultConfig(cfg.CDBURL)
	cdbConfig.Timeout = cfg.CDBTimeout
	cdbConfig.RetryMax = cfg.CDBRetryMax
	cdbConfig.CircuitBreaker = &cdb.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		Timeout:          cfg.CircuitTimeout,
	}
	client := cdb.NewClient(cdbConfig).WithMetrics(m)

	svc := csm.New(cfg, client, m)
	// Metrics left over from a previous run become sendable now
	svc.Tracker().OnServiceStarted()

	prefetcher := bidding.NewPrefetcher(client, svc.Tracker(), bidding.Config{
		ProfileID:      cfg.ProfileID,
		WrapperVersion: cfg.WrapperVersion,
		Timeout:        cfg.CDBTimeout,
	}, m)

	auth := middleware.NewAuth(middleware.DefaultAuthConfig(cfg.AdminAPIKeys))

	handler := endpoints.NewRouter(endpoints.RouterConfig{
		Pipeline: svc,
		Breaker:  client,
		Bids:     prefetcher,
		Gatherer: reg,
		Auth:     auth,
	})

	server := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Bool("auth", auth.IsEnabled()).Msg("Admin server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Stopped with error")
	}

	prefetcher.CancelAll()
	prefetcher.Wait()
	if err := svc.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close metrics pipeline")
		os.Exit(1)
	}
	log.Info().Msg("Stopped")
}
