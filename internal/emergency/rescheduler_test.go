package emergency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/ledger"
	"github.com/clinicops/scheduling-engine/internal/notify"
	"github.com/clinicops/scheduling-engine/internal/schedule"
	"github.com/clinicops/scheduling-engine/internal/slotlock"
)

type harness struct {
	resched  *Rescheduler
	ledger   *ledger.Service
	appts    *ledger.MemoryRepository
	clock    *clock.Manual
	notes    *notify.Recorder
	provider uuid.UUID
	typeID   uuid.UUID
}

// Monday 2026-09-07; the clock starts at 08:00 that day.
func hday(d, hour, min int) time.Time {
	return time.Date(2026, time.September, d, hour, min, 0, 0, time.UTC)
}

// Working hours run 09:00–12:45 so the morning leave in scenario tests
// squeezes same-day alternatives down to a single slot.
func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.NewManual(hday(7, 8, 0))
	providerID := uuid.New()

	schedules := schedule.NewMemoryStore()
	var hours []schedule.DayHours
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hours = append(hours, schedule.DayHours{Weekday: wd, StartMinute: 9 * 60, EndMinute: 12*60 + 45})
	}
	schedules.Put(schedule.ProviderSchedule{ProviderID: providerID, Hours: hours})

	catalog := schedule.NewMemoryCatalog()
	typeID := uuid.New()
	catalog.Put(schedule.AppointmentType{
		ID:       typeID,
		Name:     "consultation",
		Duration: 30 * time.Minute,
		Buffer:   10 * time.Minute,
	})

	appts := ledger.NewMemoryRepository(clk)
	engine := schedule.NewEngine(schedules, ledger.CalendarSource{Repo: appts})
	locks := slotlock.NewManager(engine, clk)
	svc := ledger.NewService(appts, catalog, locks, clk, nil, zerolog.Nop(), ledger.ServiceConfig{})

	notes := notify.NewRecorder()
	resched := NewRescheduler(schedules, appts, svc, engine, notes, nil, clk, zerolog.Nop(), Config{})

	return &harness{
		resched:  resched,
		ledger:   svc,
		appts:    appts,
		clock:    clk,
		notes:    notes,
		provider: providerID,
		typeID:   typeID,
	}
}

func (h *harness) book(t *testing.T, start time.Time) *ledger.Appointment {
	t.Helper()
	a, err := h.ledger.Book(context.Background(), uuid.New(), h.provider, h.typeID, start, nil)
	require.NoError(t, err)
	return a
}

func TestRegisterUnavailability_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Three Tuesday-morning appointments; leave wipes out 09:00–12:00,
	// leaving room for exactly one appointment before close.
	first := h.book(t, hday(8, 9, 0))
	second := h.book(t, hday(8, 10, 0))
	third := h.book(t, hday(8, 11, 0))

	report, err := h.resched.RegisterUnavailability(ctx, h.provider, hday(8, 9, 0), hday(8, 12, 0), "provider ill")
	require.NoError(t, err)
	require.Len(t, report.Affected, 3)
	assert.Equal(t, "provider ill", report.Leave.Reason)

	// Affected come back in start order; the earliest claims the only
	// same-day slot and the rest go to manual review.
	assert.Equal(t, first.ID, report.Affected[0].Appointment.ID)
	require.NotNil(t, report.Affected[0].Proposal)
	assert.True(t, report.Affected[0].Proposal.Start.Equal(hday(8, 12, 0)))
	assert.False(t, report.Affected[0].ManualReview)

	for i, want := range []uuid.UUID{second.ID, third.ID} {
		got := report.Affected[i+1]
		assert.Equal(t, want, got.Appointment.ID)
		assert.Nil(t, got.Proposal)
		assert.True(t, got.ManualReview)
	}

	// Only the proposed patient was notified.
	sent := h.notes.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.TemplateRescheduleProposed, sent[0].Template)
	assert.Equal(t, first.PatientID, sent[0].RecipientID)

	// Nothing was committed: all three remain scheduled.
	for _, a := range []*ledger.Appointment{first, second, third} {
		current, err := h.ledger.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusScheduled, current.Status)
	}
}

func TestRegisterUnavailability_OnlyIntersecting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	inside := h.book(t, hday(8, 10, 0))
	outside := h.book(t, hday(8, 12, 0))

	cancelled := h.book(t, hday(8, 9, 0))
	_, err := h.ledger.Cancel(ctx, cancelled.ID, ledger.Actor{Role: "admin", CanOverrideCutoff: true}, "")
	require.NoError(t, err)

	report, err := h.resched.RegisterUnavailability(ctx, h.provider, hday(8, 9, 0), hday(8, 11, 0), "emergency")
	require.NoError(t, err)

	require.Len(t, report.Affected, 1)
	assert.Equal(t, inside.ID, report.Affected[0].Appointment.ID)
	_ = outside
}

func TestRegisterUnavailability_ConfirmedIncluded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.book(t, hday(8, 10, 0))
	_, err := h.ledger.CheckIn(ctx, a.ID)
	require.NoError(t, err)

	report, err := h.resched.RegisterUnavailability(ctx, h.provider, hday(8, 9, 0), hday(8, 12, 0), "emergency")
	require.NoError(t, err)
	require.Len(t, report.Affected, 1)
	assert.Equal(t, ledger.StatusConfirmed, report.Affected[0].Appointment.Status)
}

func TestApplyProposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.book(t, hday(8, 9, 0))
	report, err := h.resched.RegisterUnavailability(ctx, h.provider, hday(8, 9, 0), hday(8, 12, 0), "emergency")
	require.NoError(t, err)
	require.NotNil(t, report.Affected[0].Proposal)

	replacement, err := h.resched.ApplyProposal(ctx, a.ID, report.Affected[0].Proposal.Start, report.Leave.ID)
	require.NoError(t, err)
	assert.True(t, replacement.Start.Equal(hday(8, 12, 0)))
	require.NotNil(t, replacement.RescheduledFrom)
	assert.Equal(t, a.ID, *replacement.RescheduledFrom)

	old, err := h.ledger.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRescheduled, old.Status)
}

func TestApplyProposal_TargetTaken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.book(t, hday(8, 9, 0))
	report, err := h.resched.RegisterUnavailability(ctx, h.provider, hday(8, 9, 0), hday(8, 12, 0), "emergency")
	require.NoError(t, err)
	require.NotNil(t, report.Affected[0].Proposal)

	// Someone books the proposed slot before the admin confirms.
	h.book(t, report.Affected[0].Proposal.Start)

	_, err = h.resched.ApplyProposal(ctx, a.ID, report.Affected[0].Proposal.Start, report.Leave.ID)
	assert.ErrorIs(t, err, slotlock.ErrSlotConflict)
}

func TestCancelAffected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.book(t, hday(8, 10, 0))
	report, err := h.resched.RegisterUnavailability(ctx, h.provider, hday(8, 9, 0), hday(8, 12, 0), "emergency")
	require.NoError(t, err)

	cancelled, err := h.resched.CancelAffected(ctx, a.ID, report.Leave.ID, "no alternative")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.EmergencyLeaveID)
	assert.Equal(t, report.Leave.ID, *cancelled.EmergencyLeaveID)
	require.NotNil(t, cancelled.Cancellation)
	assert.Equal(t, "system", cancelled.Cancellation.ActorRole)
}
