package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicops/scheduling-engine/internal/emergency"
	"github.com/clinicops/scheduling-engine/internal/ledger"
	redisclient "github.com/clinicops/scheduling-engine/internal/redis"
	"github.com/clinicops/scheduling-engine/internal/schedule"
	"github.com/clinicops/scheduling-engine/internal/slotlock"
	"github.com/clinicops/scheduling-engine/internal/waitlist"
)

type RouterConfig struct {
	Ledger   *ledger.Service
	Waitlist *waitlist.Coordinator
	Resched  *emergency.Rescheduler
	Engine   *schedule.Engine
	Types    schedule.TypeCatalog
	Locks    *slotlock.Manager
	Guard    redisclient.Guard

	LockTTL  time.Duration
	SlotStep time.Duration

	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	guard := cfg.Guard
	if guard == nil {
		guard = redisclient.NopGuard()
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Availability and slot locks
	r.Get("/providers/{id}/slots", getOpenSlotsHandler(cfg.Engine, cfg.Types, cfg.SlotStep))
	r.Post("/locks", lockSlotHandler(cfg.Locks, cfg.Types, cfg.LockTTL))
	r.Get("/locks/{token}", verifyLockHandler(cfg.Locks))
	r.Delete("/locks/{token}", releaseLockHandler(cfg.Locks))

	// Appointments
	r.Post("/appointments", bookAppointmentHandler(cfg.Ledger, guard))
	r.Get("/appointments", listAppointmentsHandler(cfg.Ledger))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Ledger))
	r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Ledger))
	r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Ledger, guard))
	r.Post("/appointments/{id}/check-in", transitionHandler(cfg.Ledger.CheckIn))
	r.Post("/appointments/{id}/start", transitionHandler(cfg.Ledger.Start))
	r.Post("/appointments/{id}/complete", transitionHandler(cfg.Ledger.Complete))
	r.Post("/appointments/{id}/no-show", transitionHandler(cfg.Ledger.MarkNoShow))
	r.Get("/providers/{id}/appointments", listProviderAppointmentsHandler(cfg.Ledger))

	// Waitlist
	r.Post("/waitlist", addWaitlistHandler(cfg.Waitlist))
	r.Get("/waitlist/{id}", getWaitlistHandler(cfg.Waitlist))
	r.Delete("/waitlist/{id}", cancelWaitlistHandler(cfg.Waitlist))
	r.Post("/waitlist/{id}/offers/{offerID}/respond", respondOfferHandler(cfg.Waitlist))

	// Emergency unavailability
	r.Post("/providers/{id}/emergency-unavailability", registerUnavailabilityHandler(cfg.Resched))
	r.Post("/leaves/{leaveID}/apply", applyProposalHandler(cfg.Resched, cfg.Ledger, guard))
	r.Post("/leaves/{leaveID}/cancel-appointment", cancelAffectedHandler(cfg.Resched))

	return r
}
