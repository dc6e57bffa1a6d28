package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicops/scheduling-engine/internal/api"
	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/config"
	"github.com/clinicops/scheduling-engine/internal/db"
	"github.com/clinicops/scheduling-engine/internal/emergency"
	"github.com/clinicops/scheduling-engine/internal/events"
	"github.com/clinicops/scheduling-engine/internal/ledger"
	"github.com/clinicops/scheduling-engine/internal/notify"
	redisclient "github.com/clinicops/scheduling-engine/internal/redis"
	"github.com/clinicops/scheduling-engine/internal/schedule"
	"github.com/clinicops/scheduling-engine/internal/slotlock"
	"github.com/clinicops/scheduling-engine/internal/waitlist"
)

const version = "0.3.0"

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api-server").Logger()
	logger.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load error")
	}
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, 16)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	// Connect Redis; without it the cross-process calendar guard is off
	// and the in-process lock table stands alone.
	guard := redisclient.NopGuard()
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		guard = redisclient.NewCalendarGuard(rdb, cfg.LockTTL)
		logger.Info().Msg("connected to Redis")
	}

	// Notification sink
	var notifier notify.Gateway = notify.Nop()
	if len(cfg.KafkaBrokers) > 0 {
		sink := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.NotifyTopic)
		defer sink.Close()
		dispatcher := notify.NewDispatcher(sink, 256, logger)
		defer dispatcher.Close()
		notifier = dispatcher
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.NotifyTopic).Msg("kafka notifications enabled")
	} else {
		logger.Warn().Msg("notifications disabled (no kafka brokers configured)")
	}

	clk := clock.System()
	recorder := events.NewPgRecorder(pgPool, logger)

	schedules := schedule.NewPgStore(pgPool)
	catalog := schedule.NewPgCatalog(pgPool)
	appts := ledger.NewPgRepository(pgPool)
	engine := schedule.NewEngine(schedules, ledger.CalendarSource{Repo: appts})
	locks := slotlock.NewManager(engine, clk)

	svc := ledger.NewService(appts, catalog, locks, clk, recorder, logger, ledger.ServiceConfig{
		Policies: ledger.StaticPolicies{
			Default: ledger.CutoffPolicy{Hours: cfg.CancelCutoff, None: cfg.CancelCutoff <= 0},
		},
		WalkInComplete: cfg.WalkInComplete,
	})

	entries := waitlist.NewPgRepository(pgPool)
	coord := waitlist.NewCoordinator(entries, svc, catalog, locks, notifier, recorder, clk, logger, waitlist.Config{
		OfferWindow: cfg.OfferWindow,
	})
	svc.SetFreedSink(coord)

	resched := emergency.NewRescheduler(schedules, appts, svc, engine, notifier, recorder, clk, logger, emergency.Config{
		Lookahead: cfg.Lookahead,
		SlotStep:  cfg.SlotStep,
	})

	// Lock and offer expiry are lazy on every read; the sweep is cleanup.
	// It runs in-process because the lock table lives in this process.
	go runSweep(rootCtx, locks, coord, cfg.SweepInterval, logger)

	handler := api.NewRouter(api.RouterConfig{
		Ledger:   svc,
		Waitlist: coord,
		Resched:  resched,
		Engine:   engine,
		Types:    catalog,
		Locks:    locks,
		Guard:    guard,
		LockTTL:  cfg.LockTTL,
		SlotStep: cfg.SlotStep,
		PgPool:   pgPool,
		Redis:    rdb,
		Logger:   logger,
		Env:      cfg.Env,
		Version:  version,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	logger.Info().Msg("api-server stopped")
}

func runSweep(ctx context.Context, locks *slotlock.Manager, coord *waitlist.Coordinator, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
			removed := locks.SweepExpired()
			expired, err := coord.SweepExpiredOffers(runCtx)
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("offer sweep error")
				continue
			}
			if removed > 0 || expired > 0 {
				logger.Info().Int("locks_removed", removed).Int("offers_expired", expired).Msg("sweep complete")
			}
		}
	}
}
