// Package emergency handles sudden provider unavailability: a leave
// window is registered, every appointment it hits is enumerated, and
// same-day alternatives are staged for confirmation. Nothing is
// rescheduled silently; an administrator applies or cancels each
// affected appointment.
package emergency

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/events"
	"github.com/clinicops/scheduling-engine/internal/ledger"
	"github.com/clinicops/scheduling-engine/internal/notify"
	"github.com/clinicops/scheduling-engine/internal/schedule"
)

const (
	defaultLookahead = 7 * 24 * time.Hour
	defaultSlotStep  = 15 * time.Minute

	// candidateCap bounds the slot walk per affected appointment.
	candidateCap = 64
)

// LeaveRecorder persists a leave interval on the provider's schedule.
// Both schedule stores implement it.
type LeaveRecorder interface {
	AddLeave(ctx context.Context, providerID uuid.UUID, iv schedule.Interval, reason string) (schedule.Leave, error)
}

// AppointmentSource lists a provider's appointments; satisfied by the
// ledger repositories.
type AppointmentSource interface {
	ListByProvider(ctx context.Context, providerID uuid.UUID, within schedule.Interval, statuses []ledger.Status) ([]*ledger.Appointment, error)
}

// Actions is the slice of the ledger the rescheduler drives when an
// administrator resolves an affected appointment.
type Actions interface {
	RescheduleForLeave(ctx context.Context, id uuid.UUID, newStart time.Time, leaveID uuid.UUID) (*ledger.Appointment, error)
	CancelForLeave(ctx context.Context, id uuid.UUID, leaveID uuid.UUID, reason string) (*ledger.Appointment, error)
}

// AffectedAppointment is one appointment hit by the leave, with either a
// staged proposal or a manual-review flag. Proposals are suggestions
// only; they hold nothing and are re-validated when applied.
type AffectedAppointment struct {
	Appointment  *ledger.Appointment
	Proposal     *schedule.Interval
	ManualReview bool
}

// Report is the outcome of registering an unavailability window.
type Report struct {
	Leave    schedule.Leave
	Affected []AffectedAppointment
}

type Rescheduler struct {
	leaves   LeaveRecorder
	appts    AppointmentSource
	actions  Actions
	engine   *schedule.Engine
	notifier notify.Gateway
	events   events.Recorder
	clock    clock.Clock
	logger   zerolog.Logger

	lookahead time.Duration
	slotStep  time.Duration
}

type Config struct {
	Lookahead time.Duration
	SlotStep  time.Duration
}

func NewRescheduler(leaves LeaveRecorder, appts AppointmentSource, actions Actions, engine *schedule.Engine, notifier notify.Gateway, rec events.Recorder, clk clock.Clock, logger zerolog.Logger, cfg Config) *Rescheduler {
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = defaultLookahead
	}
	step := cfg.SlotStep
	if step <= 0 {
		step = defaultSlotStep
	}
	if notifier == nil {
		notifier = notify.Nop()
	}
	if rec == nil {
		rec = events.Nop()
	}
	return &Rescheduler{
		leaves:    leaves,
		appts:     appts,
		actions:   actions,
		engine:    engine,
		notifier:  notifier,
		events:    rec,
		clock:     clk,
		logger:    logger,
		lookahead: lookahead,
		slotStep:  step,
	}
}

// RegisterUnavailability records the leave and enumerates every
// scheduled or confirmed appointment it intersects. Each gets either a
// staged same-day proposal or a manual-review flag. Proposals inside one
// run never target the same slot twice.
func (r *Rescheduler) RegisterUnavailability(ctx context.Context, providerID uuid.UUID, start, end time.Time, reason string) (*Report, error) {
	window := schedule.Interval{Start: start, End: end}
	if !window.Valid() {
		return nil, fmt.Errorf("invalid leave window %s..%s", start, end)
	}

	// Record the leave first so the slot walk already excludes it.
	leave, err := r.leaves.AddLeave(ctx, providerID, window, reason)
	if err != nil {
		return nil, fmt.Errorf("record leave: %w", err)
	}

	hit, err := r.appts.ListByProvider(ctx, providerID, window, []ledger.Status{ledger.StatusScheduled, ledger.StatusConfirmed})
	if err != nil {
		return nil, fmt.Errorf("list affected appointments: %w", err)
	}
	// ListByProvider overlaps on the buffered interval; the leave only
	// affects appointments whose clinical time intersects it.
	var affected []*ledger.Appointment
	for _, a := range hit {
		if a.Interval().Overlaps(window) {
			affected = append(affected, a)
		}
	}
	sort.Slice(affected, func(i, j int) bool {
		return affected[i].Start.Before(affected[j].Start)
	})

	report := &Report{Leave: leave}
	var staged []stagedProposal
	for _, a := range affected {
		proposal, err := r.propose(ctx, a, staged)
		if err != nil {
			return nil, err
		}

		entry := AffectedAppointment{Appointment: a}
		if proposal != nil {
			entry.Proposal = proposal
			staged = append(staged, stagedProposal{interval: *proposal, buffer: a.Buffer})
			r.notifier.Notify(ctx, notify.Notification{
				RecipientID: a.PatientID,
				Template:    notify.TemplateRescheduleProposed,
				Payload: map[string]any{
					"appointment_id": a.ID.String(),
					"old_start":      a.Start,
					"proposed_start": proposal.Start,
				},
			})
		} else {
			entry.ManualReview = true
		}
		report.Affected = append(report.Affected, entry)
	}

	r.events.Record(ctx, events.Event{
		Type:      events.LeaveRegistered,
		SubjectID: leave.ID,
		Payload: map[string]any{
			"provider_id": providerID.String(),
			"start":       start,
			"end":         end,
			"affected":    len(report.Affected),
		},
		At: r.clock.Now(),
	})
	r.logger.Info().
		Str("leave_id", leave.ID.String()).
		Str("provider_id", providerID.String()).
		Int("affected", len(report.Affected)).
		Msg("emergency unavailability registered")
	return report, nil
}

// ApplyProposal commits a staged reschedule. The target is re-validated
// by the ledger, so a slot taken since the proposal fails cleanly.
func (r *Rescheduler) ApplyProposal(ctx context.Context, appointmentID uuid.UUID, newStart time.Time, leaveID uuid.UUID) (*ledger.Appointment, error) {
	return r.actions.RescheduleForLeave(ctx, appointmentID, newStart, leaveID)
}

// CancelAffected cancels an affected appointment outright; the ledger
// feeds the freed interval to the waitlist.
func (r *Rescheduler) CancelAffected(ctx context.Context, appointmentID uuid.UUID, leaveID uuid.UUID, reason string) (*ledger.Appointment, error) {
	return r.actions.CancelForLeave(ctx, appointmentID, leaveID, reason)
}

type stagedProposal struct {
	interval schedule.Interval
	buffer   time.Duration
}

// propose finds the best alternative slot for one affected appointment:
// candidates on the same day as the original, closest in time of day
// first. A move to another day is never auto-staged; that ambiguity goes
// to manual review.
func (r *Rescheduler) propose(ctx context.Context, a *ledger.Appointment, staged []stagedProposal) (*schedule.Interval, error) {
	now := r.clock.Now()
	from := now
	if a.Start.After(from) {
		// Never propose before the original day starts losing slots.
		dayStart := time.Date(a.Start.Year(), a.Start.Month(), a.Start.Day(), 0, 0, 0, 0, a.Start.Location())
		if dayStart.After(from) {
			from = dayStart
		}
	}
	rng := schedule.Interval{Start: from, End: now.Add(r.lookahead)}
	if !rng.Valid() {
		return nil, nil
	}

	duration := a.End.Sub(a.Start)
	it, err := r.engine.OpenSlots(ctx, a.ProviderID, rng, duration, a.Buffer, r.slotStep)
	if err != nil {
		return nil, fmt.Errorf("walk open slots: %w", err)
	}

	origYear, origMonth, origDay := a.Start.Date()
	origMinute := a.Start.Hour()*60 + a.Start.Minute()

	var best *schedule.Interval
	bestScore := -1
	for _, candidate := range it.Collect(candidateCap) {
		y, m, d := candidate.Start.Date()
		if y != origYear || m != origMonth || d != origDay {
			continue
		}
		if conflictsStaged(candidate, a.Buffer, staged) {
			continue
		}
		minute := candidate.Start.Hour()*60 + candidate.Start.Minute()
		score := minute - origMinute
		if score < 0 {
			score = -score
		}
		if best == nil || score < bestScore {
			c := candidate
			best = &c
			bestScore = score
		}
	}
	return best, nil
}

func conflictsStaged(candidate schedule.Interval, buffer time.Duration, staged []stagedProposal) bool {
	for _, p := range staged {
		if candidate.Start.Before(p.interval.End.Add(p.buffer)) &&
			candidate.End.Add(buffer).After(p.interval.Start) {
			return true
		}
	}
	return false
}
