package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/s25rawlins/mev-burn-indexer/config"
	"github.com/s25rawlins/mev-burn-indexer/enrichment"
	"github.com/s25rawlins/mev-burn-indexer/ingest"
	"github.com/s25rawlins/mev-burn-indexer/logging"
	"github.com/s25rawlins/mev-burn-indexer/metrics"
	"github.com/s25rawlins/mev-burn-indexer/sink"
	"github.com/s25rawlins/mev-burn-indexer/stream"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logging.NewComponentLogger("mev-burn-indexer", "startup").
			Fatal().Err(err).Msg("Configuration error")
	}

	logging.SetLevel(cfg.LogLevel)
	logger := logging.NewComponentLogger(cfg.ServiceName, cfg.ServiceVersion)
	logger.Info().Str("config", cfg.String()).Msg("Starting indexer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sink.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open sink")
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	if err := store.Probe(ctx); err != nil {
		logger.Warn().Err(err).Msg("Initial sink probe failed")
	}

	m := metrics.New()
	enricher := enrichment.NewClient(cfg.RPCEndpoint, cfg.GRPCToken, logger)
	dial := func(ctx context.Context) (ingest.StreamSource, error) {
		return stream.Dial(ctx, cfg.GRPCEndpoint, cfg.GRPCToken, cfg.TargetAccount, logger)
	}
	loop := ingest.New(dial, enricher, store, m, cfg.IncludeFailed, logger)

	srv := metrics.NewServer(m, cfg.MetricsPort, store, loop, logger)
	if _, err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start metrics server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		// Let the in-flight record drain within the grace window.
		select {
		case <-errCh:
		case <-time.After(loop.GraceWindow + time.Second):
			logger.Warn().Msg("Shutdown grace window exceeded")
		}
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Ingestion terminated")
			store.Close()
			os.Exit(1)
		}
	}

	logger.Info().Msg("Indexer stopped")
}
