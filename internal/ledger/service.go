package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/events"
	"github.com/clinicops/scheduling-engine/internal/schedule"
	"github.com/clinicops/scheduling-engine/internal/slotlock"
)

// directBookTTL guards the no-token booking path: the service takes a
// short-lived lock itself so the availability check and the insert go
// through the same serialization point as interactive booking.
const directBookTTL = 5 * time.Second

// FreedSlotSink is notified whenever a cancellation or reschedule frees
// calendar time. The waitlist coordinator implements it.
type FreedSlotSink interface {
	SlotFreed(ctx context.Context, providerID uuid.UUID, interval schedule.Interval, appointmentTypeID uuid.UUID)
}

// Service is the appointment ledger: the authoritative store and state
// machine for appointments.
type Service struct {
	repo     Repository
	types    schedule.TypeCatalog
	locks    *slotlock.Manager
	policies PolicySource
	events   events.Recorder
	clock    clock.Clock
	logger   zerolog.Logger

	freed FreedSlotSink

	// walkInComplete allows confirmed → completed without an in-progress
	// step.
	walkInComplete bool
}

type ServiceConfig struct {
	Policies       PolicySource
	WalkInComplete bool
}

func NewService(repo Repository, types schedule.TypeCatalog, locks *slotlock.Manager, clk clock.Clock, rec events.Recorder, logger zerolog.Logger, cfg ServiceConfig) *Service {
	policies := cfg.Policies
	if policies == nil {
		policies = StaticPolicies{Default: CutoffPolicy{Hours: 24}}
	}
	if rec == nil {
		rec = events.Nop()
	}
	return &Service{
		repo:           repo,
		types:          types,
		locks:          locks,
		policies:       policies,
		events:         rec,
		clock:          clk,
		logger:         logger,
		walkInComplete: cfg.WalkInComplete,
	}
}

// SetFreedSink wires the waitlist coordinator in after construction; the
// coordinator itself needs the ledger to commit accepted offers.
func (s *Service) SetFreedSink(sink FreedSlotSink) {
	s.freed = sink
}

// Book admits a new appointment in scheduled. With a lock token the caller
// already holds the slot: the token is verified and must cover the
// requested interval. Without one the service acquires a short-lived lock
// itself, so concurrent direct bookings for overlapping slots serialize
// through the lock table and exactly one wins.
func (s *Service) Book(ctx context.Context, patientID, providerID, typeID uuid.UUID, start time.Time, lockToken *uuid.UUID) (*Appointment, error) {
	t, err := s.types.AppointmentType(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("load appointment type: %w", err)
	}
	interval := schedule.Interval{Start: start, End: start.Add(t.DurationFor(providerID))}
	buffer := t.BufferFor(providerID)
	// The lock must guard the visit and its trailing buffer, or a booking
	// could land tight against the previous one.
	guarded := schedule.Interval{Start: interval.Start, End: interval.End.Add(buffer)}

	var held slotlock.SlotLock
	if lockToken != nil {
		held, err = s.locks.Verify(*lockToken)
		if err != nil {
			return nil, err
		}
		if held.ProviderID != providerID || !held.Interval.Contains(guarded) {
			return nil, ErrLockMismatch
		}
	} else {
		held, err = s.locks.Acquire(ctx, providerID, interval, buffer, slotlock.PurposeBooking, directBookTTL)
		if err != nil {
			return nil, err
		}
	}

	a := &Appointment{
		ID:                uuid.New(),
		PatientID:         patientID,
		ProviderID:        providerID,
		AppointmentTypeID: typeID,
		Start:             interval.Start,
		End:               interval.End,
		Buffer:            buffer,
		Status:            StatusScheduled,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		if lockToken == nil {
			s.locks.Release(held.Token)
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	// The slot is now backed by a durable booking; the transient lock has
	// done its job and is dropped.
	s.locks.Release(held.Token)

	s.events.Record(ctx, events.Event{
		Type:      events.AppointmentBooked,
		SubjectID: a.ID,
		Payload: map[string]any{
			"provider_id": providerID.String(),
			"patient_id":  patientID.String(),
			"start":       a.Start,
		},
		At: s.clock.Now(),
	})
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("provider_id", providerID.String()).
		Time("start", a.Start).
		Msg("appointment booked")
	return a, nil
}

// Cancel transitions the appointment to cancelled, enforcing the
// provider's cutoff unless the actor may override it. Cancelling an
// already cancelled appointment is a no-op success so upstream retries are
// harmless.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	return s.cancel(ctx, id, actor, reason, nil)
}

// CancelForLeave is the system-triggered variant used by the emergency
// rescheduler; the cutoff does not apply and the leave id is recorded.
func (s *Service) CancelForLeave(ctx context.Context, id uuid.UUID, leaveID uuid.UUID, reason string) (*Appointment, error) {
	return s.cancel(ctx, id, SystemActor(), reason, &leaveID)
}

func (s *Service) cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string, leaveID *uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusCancelled {
		return a, nil
	}
	if !CanTransition(a.Status, StatusCancelled) {
		return nil, &InvalidTransitionError{From: a.Status, To: StatusCancelled}
	}
	if err := s.checkCutoff(a, actor); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	updated, err := s.repo.MarkCancelled(ctx, id, a.Status, Cancellation{
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Reason:    reason,
		At:        now,
	}, leaveID)
	if err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			// Lost a race; re-read so a concurrent cancel still reads as
			// idempotent success.
			latest, getErr := s.repo.GetByID(ctx, id)
			if getErr == nil && latest.Status == StatusCancelled {
				return latest, nil
			}
		}
		return nil, err
	}

	s.events.Record(ctx, events.Event{
		Type:      events.AppointmentCancelled,
		SubjectID: updated.ID,
		Payload:   map[string]any{"actor_role": actor.Role, "reason": reason},
		At:        now,
	})
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("actor_role", actor.Role).
		Msg("appointment cancelled")

	s.signalFreed(ctx, updated)
	return updated, nil
}

// Reschedule is an atomic cancel-and-rebook: the old record becomes
// rescheduled and a fresh record takes the new slot, linked both ways.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newStart time.Time, actor Actor, reason string) (*Appointment, error) {
	return s.reschedule(ctx, id, newStart, actor, nil)
}

// RescheduleForLeave is the system-triggered variant used by the emergency
// rescheduler.
func (s *Service) RescheduleForLeave(ctx context.Context, id uuid.UUID, newStart time.Time, leaveID uuid.UUID) (*Appointment, error) {
	return s.reschedule(ctx, id, newStart, SystemActor(), &leaveID)
}

func (s *Service) reschedule(ctx context.Context, id uuid.UUID, newStart time.Time, actor Actor, leaveID *uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, StatusRescheduled) {
		return nil, &InvalidTransitionError{From: a.Status, To: StatusRescheduled}
	}
	if err := s.checkCutoff(a, actor); err != nil {
		return nil, err
	}

	duration := a.End.Sub(a.Start)
	newInterval := schedule.Interval{Start: newStart, End: newStart.Add(duration)}

	// The new slot is claimed through the lock table like any other
	// booking, so a reschedule cannot slide under a concurrent Book or a
	// pending waitlist offer. The appointment being moved is excluded from
	// the probe; shifting within its own slot is fine.
	held, err := s.locks.AcquireExcluding(ctx, a.ProviderID, newInterval, a.Buffer, a.ID, slotlock.PurposeBooking, directBookTTL)
	if err != nil {
		return nil, err
	}
	defer s.locks.Release(held.Token)

	oldID := a.ID
	replacement := &Appointment{
		ID:                uuid.New(),
		PatientID:         a.PatientID,
		ProviderID:        a.ProviderID,
		AppointmentTypeID: a.AppointmentTypeID,
		Start:             newInterval.Start,
		End:               newInterval.End,
		Buffer:            a.Buffer,
		Status:            StatusScheduled,
		RescheduledFrom:   &oldID,
	}
	created, err := s.repo.CreateRescheduled(ctx, a.ID, a.Status, leaveID, replacement)
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, events.Event{
		Type:      events.AppointmentRescheduled,
		SubjectID: oldID,
		Payload: map[string]any{
			"replacement_id": created.ID.String(),
			"new_start":      created.Start,
		},
		At: s.clock.Now(),
	})
	s.logger.Info().
		Str("appointment_id", oldID.String()).
		Str("replacement_id", created.ID.String()).
		Time("new_start", created.Start).
		Msg("appointment rescheduled")

	// The old slot is free again.
	s.signalFreed(ctx, a)
	return created, nil
}

// CheckIn moves scheduled → confirmed.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusScheduled, StatusConfirmed)
}

// Start moves confirmed → in-progress.
func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, StatusInProgress)
}

// Complete moves in-progress → completed, or confirmed → completed when
// walk-in completion is enabled.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch a.Status {
	case StatusInProgress:
		return s.transition(ctx, id, StatusInProgress, StatusCompleted)
	case StatusConfirmed:
		if s.walkInComplete {
			return s.transition(ctx, id, StatusConfirmed, StatusCompleted)
		}
	}
	return nil, &InvalidTransitionError{From: a.Status, To: StatusCompleted}
}

// MarkNoShow moves scheduled|confirmed → no-show, allowed only once the
// start time has passed.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(a.Status, StatusNoShow) {
		return nil, &InvalidTransitionError{From: a.Status, To: StatusNoShow}
	}
	if s.clock.Now().Before(a.Start) {
		return nil, fmt.Errorf("%w: appointment has not started yet", ErrInvalidTransition)
	}
	updated, err := s.repo.TransitionStatus(ctx, id, a.Status, StatusNoShow)
	if err != nil {
		return nil, err
	}
	s.events.Record(ctx, events.Event{
		Type:      events.AppointmentNoShow,
		SubjectID: id,
		At:        s.clock.Now(),
	})
	return updated, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByProvider(ctx context.Context, providerID uuid.UUID, within schedule.Interval) ([]*Appointment, error) {
	return s.repo.ListByProvider(ctx, providerID, within, nil)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	a, err := s.repo.TransitionStatus(ctx, id, from, to)
	if err != nil {
		if errors.Is(err, ErrTransitionConflict) {
			current, getErr := s.repo.GetByID(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &InvalidTransitionError{From: current.Status, To: to}
		}
		return nil, err
	}
	return a, nil
}

func (s *Service) checkCutoff(a *Appointment, actor Actor) error {
	rule := s.policies.CancellationCutoff(a.ProviderID)
	if rule.None || actor.CanOverrideCutoff {
		return nil
	}
	hoursUntil := a.Start.Sub(s.clock.Now()).Hours()
	if hoursUntil < float64(rule.Hours) {
		return &CancellationWindowError{HoursUntilStart: hoursUntil, CutoffHours: rule.Hours}
	}
	return nil
}

func (s *Service) signalFreed(ctx context.Context, a *Appointment) {
	if s.freed == nil {
		return
	}
	s.freed.SlotFreed(ctx, a.ProviderID, a.Interval(), a.AppointmentTypeID)
}
