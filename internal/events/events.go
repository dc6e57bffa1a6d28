// Package events records domain events (bookings, cancellations, offers)
// for audit and debugging. Recording never fails a scheduling operation;
// sinks log and move on.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const (
	AppointmentBooked      = "appointment.booked"
	AppointmentCancelled   = "appointment.cancelled"
	AppointmentRescheduled = "appointment.rescheduled"
	AppointmentNoShow      = "appointment.no_show"
	OfferExtended          = "offer.extended"
	OfferAccepted          = "offer.accepted"
	OfferDeclined          = "offer.declined"
	OfferExpired           = "offer.expired"
	LeaveRegistered        = "leave.registered"
)

type Event struct {
	Type      string
	SubjectID uuid.UUID
	Payload   map[string]any
	At        time.Time
}

type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) {}

func Nop() Recorder { return nopRecorder{} }

// LogRecorder writes events to the structured log.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(_ context.Context, ev Event) {
	r.logger.Info().
		Str("event", ev.Type).
		Str("subject_id", ev.SubjectID.String()).
		Fields(ev.Payload).
		Time("at", ev.At).
		Msg("domain event")
}

// PgRecorder appends events to the event_logs table.
type PgRecorder struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPgRecorder(pool *pgxpool.Pool, logger zerolog.Logger) *PgRecorder {
	return &PgRecorder{pool: pool, logger: logger}
}

func (r *PgRecorder) Record(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		r.logger.Error().Err(err).Str("event", ev.Type).Msg("marshal event payload")
		payload = nil
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, subject_id, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, ev.Type, ev.SubjectID, payload, ev.At)
	if err != nil {
		r.logger.Error().Err(err).Str("event", ev.Type).Msg("insert event log")
	}
}
