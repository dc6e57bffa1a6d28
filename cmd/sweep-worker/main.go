package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/config"
	"github.com/clinicops/scheduling-engine/internal/db"
	"github.com/clinicops/scheduling-engine/internal/waitlist"
)

// The worker only closes waitlist entries whose desired range has
// passed. Lock and offer expiry stay inside the api-server: the lock
// table is in-process there, and a cascade run from a second process
// would mint hold tokens the server cannot verify.
func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "sweep-worker").Logger()
	logger.Info().Msg("sweep-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.SweepInterval).Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, 4)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	entries := waitlist.NewPgRepository(pgPool)
	// Entry expiry never books, holds, or notifies, so nothing beyond
	// the repository needs wiring here.
	coord := waitlist.NewCoordinator(entries, nil, nil, nil, nil, nil, clock.System(), logger, waitlist.Config{})

	runOnce(rootCtx, coord, logger)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping sweep worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, coord, logger)
		}
	}
}

func runOnce(ctx context.Context, coord *waitlist.Coordinator, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	closed, err := coord.ExpireEntries(runCtx)
	if err != nil {
		logger.Error().Err(err).Msg("entry expiry run error")
		return
	}
	if closed > 0 {
		logger.Info().Int("entries_closed", closed).Dur("took", time.Since(start)).Msg("entry expiry complete")
	}
}
