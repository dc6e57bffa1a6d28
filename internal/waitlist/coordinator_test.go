package waitlist

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

const offerWindow = 30 * time.Minute

type harness struct {
	coord    *Coordinator
	ledger   *ledger.Service
	repo     *MemoryRepository
	appts    *ledger.MemoryRepository
	catalog  *schedule.MemoryCatalog
	locks    *slotlock.Manager
	clock    *clock.Manual
	notes    *notify.Recorder
	provider uuid.UUID
	typeID   uuid.UUID
}

// Monday 2026-09-07; the clock starts at 08:00 that day.
func hday(d, hour, min int) time.Time {
	return time.Date(2026, time.September, d, hour, min, 0, 0, time.UTC)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clk := clock.NewManual(hday(7, 8, 0))
	providerID := uuid.New()

	schedules := schedule.NewMemoryStore()
	var hours []schedule.DayHours
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hours = append(hours, schedule.DayHours{Weekday: wd, StartMinute: 8 * 60, EndMinute: 18 * 60})
	}
	schedules.Put(schedule.ProviderSchedule{ProviderID: providerID, Hours: hours})

	catalog := schedule.NewMemoryCatalog()
	typeID := uuid.New()
	catalog.Put(schedule.AppointmentType{
		ID:       typeID,
		Name:     "consultation",
		Duration: 30 * time.Minute,
	})

	appts := ledger.NewMemoryRepository(clk)
	engine := schedule.NewEngine(schedules, ledger.CalendarSource{Repo: appts})
	locks := slotlock.NewManager(engine, clk)
	svc := ledger.NewService(appts, catalog, locks, clk, nil, zerolog.Nop(), ledger.ServiceConfig{})

	repo := NewMemoryRepository(clk)
	notes := notify.NewRecorder()
	coord := NewCoordinator(repo, svc, catalog, locks, notes, nil, clk, zerolog.Nop(), Config{OfferWindow: offerWindow})
	svc.SetFreedSink(coord)

	return &harness{
		coord:    coord,
		ledger:   svc,
		repo:     repo,
		appts:    appts,
		catalog:  catalog,
		locks:    locks,
		clock:    clk,
		notes:    notes,
		provider: providerID,
		typeID:   typeID,
	}
}

func (h *harness) addEntry(t *testing.T, priority int, rangeStart time.Time) *WaitlistEntry {
	t.Helper()
	e, err := h.coord.Add(context.Background(), uuid.New(), h.provider, h.typeID,
		rangeStart, rangeStart.AddDate(0, 0, 7), priority, ContactPrefs{Email: true})
	require.NoError(t, err)
	return e
}

// bookAndCancel frees a Tuesday 10:00–10:30 slot, triggering the
// cascade through the ledger's freed-slot hook.
func (h *harness) bookAndCancel(t *testing.T) schedule.Interval {
	t.Helper()
	ctx := context.Background()
	a, err := h.ledger.Book(ctx, uuid.New(), h.provider, h.typeID, hday(8, 10, 0), nil)
	require.NoError(t, err)
	_, err = h.ledger.Cancel(ctx, a.ID, ledger.Actor{ID: a.PatientID, Role: "patient"}, "conflict")
	require.NoError(t, err)
	return a.Interval()
}

func pendingOffer(t *testing.T, h *harness, entryID uuid.UUID) *SlotOffer {
	t.Helper()
	e, err := h.repo.GetEntry(context.Background(), entryID)
	require.NoError(t, err)
	return e.PendingOffer()
}

func TestAdd_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Add(ctx, uuid.New(), h.provider, h.typeID, hday(8, 0, 0), hday(15, 0, 0), 11, ContactPrefs{})
	assert.ErrorIs(t, err, ErrInvalidPriority)

	_, err = h.coord.Add(ctx, uuid.New(), h.provider, h.typeID, hday(15, 0, 0), hday(8, 0, 0), 5, ContactPrefs{})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestOfferNext_OrderingDeterminism(t *testing.T) {
	h := newHarness(t)

	// Two fives and an eight; among the fives the earlier range start
	// wins. Creation order deliberately scrambled.
	fiveLate := h.addEntry(t, 5, hday(8, 0, 0))
	eight := h.addEntry(t, 8, hday(8, 0, 0))
	fiveEarly := h.addEntry(t, 5, hday(7, 0, 0))

	h.bookAndCancel(t)

	require.NotNil(t, pendingOffer(t, h, eight.ID), "priority 8 is offered first")
	assert.Nil(t, pendingOffer(t, h, fiveLate.ID))
	assert.Nil(t, pendingOffer(t, h, fiveEarly.ID))

	// Decline cascades to the earlier-range five.
	offer := pendingOffer(t, h, eight.ID)
	_, err := h.coord.Respond(context.Background(), eight.ID, offer.ID, false)
	require.NoError(t, err)

	assert.NotNil(t, pendingOffer(t, h, fiveEarly.ID))
	assert.Nil(t, pendingOffer(t, h, fiveLate.ID))
}

func TestOfferNext_NoCandidates(t *testing.T) {
	h := newHarness(t)

	// Only entry's range starts after the freed slot.
	h.addEntry(t, 5, hday(10, 0, 0))

	iv := h.bookAndCancel(t)

	// No offer extended, no lock held against the slot.
	offer, err := h.coord.OfferNext(context.Background(), h.provider, iv, h.typeID)
	require.NoError(t, err)
	assert.Nil(t, offer)
	assert.Equal(t, 0, h.locks.Active())
}

func TestRespond_Accept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.addEntry(t, 5, hday(8, 0, 0))
	iv := h.bookAndCancel(t)

	offer := pendingOffer(t, h, e.ID)
	require.NotNil(t, offer)
	assert.True(t, offer.Interval.Equal(iv))

	updated, err := h.coord.Respond(ctx, e.ID, offer.ID, true)
	require.NoError(t, err)
	assert.Equal(t, EntryFulfilled, updated.Status)

	// The booking landed in the ledger for the offered slot.
	appts, err := h.appts.ListByProvider(ctx, h.provider, iv, ledger.OccupyingStatuses())
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, appts[0].Start.Equal(iv.Start))
	assert.Equal(t, e.PatientID, appts[0].PatientID)

	// Accepting again is stale and books nothing.
	_, err = h.coord.Respond(ctx, e.ID, offer.ID, true)
	assert.ErrorIs(t, err, ErrStaleOffer)
	appts, err = h.appts.ListByProvider(ctx, h.provider, iv, ledger.OccupyingStatuses())
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

// acceptRaceRepo expires the offer just before the accept resolution
// lands, mimicking a sweep firing between the booking commit and the
// offer update.
type acceptRaceRepo struct {
	Repository
	raced bool
}

func (r *acceptRaceRepo) ResolveOffer(ctx context.Context, entryID, offerID uuid.UUID, to OfferStatus) (*SlotOffer, error) {
	if to == OfferAccepted && !r.raced {
		r.raced = true
		if _, err := r.Repository.ResolveOffer(ctx, entryID, offerID, OfferExpired); err != nil {
			return nil, err
		}
	}
	return r.Repository.ResolveOffer(ctx, entryID, offerID, to)
}

func TestRespond_AcceptSurvivesSweepRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.addEntry(t, 5, hday(8, 0, 0))
	iv := h.bookAndCancel(t)

	offer := pendingOffer(t, h, e.ID)
	require.NotNil(t, offer)

	raced := &acceptRaceRepo{Repository: h.repo}
	coord := NewCoordinator(raced, h.ledger, h.catalog, h.locks, h.notes, nil, h.clock, zerolog.Nop(), Config{OfferWindow: offerWindow})

	// The booking commits, so the patient keeps the slot and the entry
	// is reconciled to fulfilled even though the offer row went stale.
	updated, err := coord.Respond(ctx, e.ID, offer.ID, true)
	require.NoError(t, err)
	assert.Equal(t, EntryFulfilled, updated.Status)
	assert.True(t, raced.raced)

	appts, err := h.appts.ListByProvider(ctx, h.provider, iv, ledger.OccupyingStatuses())
	require.NoError(t, err)
	require.Len(t, appts, 1)
	assert.True(t, appts[0].Start.Equal(iv.Start))
	assert.Equal(t, e.PatientID, appts[0].PatientID)
}

func TestRespond_DeadlineInstantIsStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.addEntry(t, 5, hday(8, 0, 0))
	h.bookAndCancel(t)

	offer := pendingOffer(t, h, e.ID)
	require.NotNil(t, offer)

	// One tick before the deadline the hold is still live.
	h.clock.Set(offer.RespondBy.Add(-time.Millisecond))
	_, err := h.locks.Verify(offer.LockToken)
	require.NoError(t, err)

	// At the deadline instant the hold has lapsed, and the offer dies
	// with it rather than outliving its own lock.
	h.clock.Set(offer.RespondBy)
	_, err = h.coord.Respond(ctx, e.ID, offer.ID, true)
	assert.ErrorIs(t, err, ErrStaleOffer)

	got, err := h.repo.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, OfferExpired, got.Offers[0].Status)
}

func TestRespond_DeclineCascadeTerminates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	entries := []*WaitlistEntry{
		h.addEntry(t, 9, hday(8, 0, 0)),
		h.addEntry(t, 7, hday(8, 0, 0)),
		h.addEntry(t, 5, hday(8, 0, 0)),
	}
	h.bookAndCancel(t)

	// Each decline re-offers to the next candidate exactly once.
	for i, e := range entries {
		offer := pendingOffer(t, h, e.ID)
		require.NotNil(t, offer, "entry %d should hold the offer", i)
		_, err := h.coord.Respond(ctx, e.ID, offer.ID, false)
		require.NoError(t, err)
	}

	// All candidates exhausted: no pending offers, slot unlocked.
	for _, e := range entries {
		assert.Nil(t, pendingOffer(t, h, e.ID))
	}
	assert.Equal(t, 0, h.locks.Active())

	// Every entry saw the slot exactly once.
	for _, e := range entries {
		got, err := h.repo.GetEntry(ctx, e.ID)
		require.NoError(t, err)
		assert.Len(t, got.Offers, 1)
		assert.Equal(t, EntryActive, got.Status)
	}
}

func TestSweep_ExpiryCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	three := h.addEntry(t, 3, hday(8, 0, 0))
	seven := h.addEntry(t, 7, hday(8, 0, 0))
	h.bookAndCancel(t)

	firstOffer := pendingOffer(t, h, seven.ID)
	require.NotNil(t, firstOffer, "priority 7 is offered first")
	assert.Nil(t, pendingOffer(t, h, three.ID))

	// No response within the window; the sweep expires the offer and
	// cascades to priority 3.
	h.clock.Advance(offerWindow + time.Minute)
	expired, err := h.coord.SweepExpiredOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := h.repo.GetEntry(ctx, seven.ID)
	require.NoError(t, err)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, OfferExpired, got.Offers[0].Status)
	assert.Equal(t, EntryActive, got.Status)

	require.NotNil(t, pendingOffer(t, h, three.ID))

	// Sweeping again is a no-op.
	expired, err = h.coord.SweepExpiredOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestRespond_LazyExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	next := h.addEntry(t, 2, hday(8, 0, 0))
	e := h.addEntry(t, 6, hday(8, 0, 0))
	h.bookAndCancel(t)

	offer := pendingOffer(t, h, e.ID)
	require.NotNil(t, offer)

	// The deadline passes before the sweep runs; responding still fails
	// and the slot cascades without waiting for the sweep.
	h.clock.Advance(offerWindow + time.Minute)
	_, err := h.coord.Respond(ctx, e.ID, offer.ID, true)
	assert.ErrorIs(t, err, ErrStaleOffer)

	assert.NotNil(t, pendingOffer(t, h, next.ID))
}

func TestCancelEntry_ReleasesPendingOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	next := h.addEntry(t, 1, hday(8, 0, 0))
	e := h.addEntry(t, 8, hday(8, 0, 0))
	h.bookAndCancel(t)

	require.NotNil(t, pendingOffer(t, h, e.ID))

	cancelled, err := h.coord.CancelEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryCancelled, cancelled.Status)

	// The held slot moved on to the remaining candidate.
	assert.NotNil(t, pendingOffer(t, h, next.ID))

	// Idempotent.
	again, err := h.coord.CancelEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryCancelled, again.Status)
}

func TestExpireEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e, err := h.coord.Add(ctx, uuid.New(), h.provider, h.typeID,
		hday(7, 0, 0), hday(8, 0, 0), 5, ContactPrefs{})
	require.NoError(t, err)

	h.clock.Set(hday(9, 0, 0))
	closed, err := h.coord.ExpireEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := h.repo.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, EntryExpired, got.Status)
}

func TestOffer_NotifiesPatient(t *testing.T) {
	h := newHarness(t)

	e := h.addEntry(t, 5, hday(8, 0, 0))
	h.bookAndCancel(t)

	sent := h.notes.Sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, notify.TemplateWaitlistOffer, last.Template)
	assert.Equal(t, e.PatientID, last.RecipientID)
}
