package waitlist

import (
	"context"
	"errors"
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
	"github.com/clinicops/scheduling-engine/internal/slotlock"
)

const defaultOfferWindow = 30 * time.Minute

// Booker commits an accepted offer into the appointment ledger.
type Booker interface {
	Book(ctx context.Context, patientID, providerID, typeID uuid.UUID, start time.Time, lockToken *uuid.UUID) (*ledger.Appointment, error)
}

// Coordinator drives the slot freed → offer → hold → respond life cycle.
// It implements ledger.FreedSlotSink. Each cascade step handles exactly
// one freed interval and returns; declines, expiries, and the sweep
// drive the next iteration, so the cascade never recurses.
type Coordinator struct {
	repo     Repository
	booker   Booker
	types    schedule.TypeCatalog
	locks    *slotlock.Manager
	notifier notify.Gateway
	events   events.Recorder
	clock    clock.Clock
	logger   zerolog.Logger

	offerWindow time.Duration
}

type Config struct {
	OfferWindow time.Duration
}

func NewCoordinator(repo Repository, booker Booker, types schedule.TypeCatalog, locks *slotlock.Manager, notifier notify.Gateway, rec events.Recorder, clk clock.Clock, logger zerolog.Logger, cfg Config) *Coordinator {
	window := cfg.OfferWindow
	if window <= 0 {
		window = defaultOfferWindow
	}
	if notifier == nil {
		notifier = notify.Nop()
	}
	if rec == nil {
		rec = events.Nop()
	}
	return &Coordinator{
		repo:        repo,
		booker:      booker,
		types:       types,
		locks:       locks,
		notifier:    notifier,
		events:      rec,
		clock:       clk,
		logger:      logger,
		offerWindow: window,
	}
}

// Add creates an active waitlist entry.
func (c *Coordinator) Add(ctx context.Context, patientID, providerID, typeID uuid.UUID, rangeStart, rangeEnd time.Time, priority int, contact ContactPrefs) (*WaitlistEntry, error) {
	if priority < 0 || priority > 10 {
		return nil, ErrInvalidPriority
	}
	if !rangeEnd.After(rangeStart) {
		return nil, ErrInvalidRange
	}

	e := &WaitlistEntry{
		ID:                uuid.New(),
		PatientID:         patientID,
		ProviderID:        providerID,
		AppointmentTypeID: typeID,
		DateRangeStart:    rangeStart,
		DateRangeEnd:      rangeEnd,
		Priority:          priority,
		Status:            EntryActive,
		Contact:           contact,
	}
	if err := c.repo.CreateEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("create waitlist entry: %w", err)
	}

	c.logger.Info().
		Str("entry_id", e.ID.String()).
		Str("provider_id", providerID.String()).
		Int("priority", priority).
		Msg("waitlist entry added")
	return e, nil
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	return c.repo.GetEntry(ctx, id)
}

// SlotFreed implements ledger.FreedSlotSink: the ledger calls it after a
// cancellation or reschedule frees calendar time.
func (c *Coordinator) SlotFreed(ctx context.Context, providerID uuid.UUID, interval schedule.Interval, typeID uuid.UUID) {
	if _, err := c.OfferNext(ctx, providerID, interval, typeID); err != nil {
		c.logger.Error().Err(err).
			Str("provider_id", providerID.String()).
			Time("slot_start", interval.Start).
			Msg("offer freed slot")
	}
}

// OfferNext extends the freed slot to the single best-matching active
// entry: highest priority first, then earliest desired range start, then
// earliest entry creation. Returns (nil, nil) when no entry matches or
// when the slot was taken in the meantime.
func (c *Coordinator) OfferNext(ctx context.Context, providerID uuid.UUID, interval schedule.Interval, typeID uuid.UUID) (*SlotOffer, error) {
	entries, err := c.repo.ActiveEntries(ctx, providerID, typeID)
	if err != nil {
		return nil, fmt.Errorf("list active entries: %w", err)
	}

	var candidates []*WaitlistEntry
	for _, e := range entries {
		if e.Matches(interval) && e.PendingOffer() == nil && !e.OfferedFor(interval) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.DateRangeStart.Equal(b.DateRangeStart) {
			return a.DateRangeStart.Before(b.DateRangeStart)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	t, err := c.types.AppointmentType(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("load appointment type: %w", err)
	}

	// The hold guards the slot plus its buffer so an accepted offer books
	// under the same footprint as any other appointment.
	hold, err := c.locks.Acquire(ctx, providerID, interval, t.BufferFor(providerID), slotlock.PurposeWaitlistOffer, c.offerWindow)
	if err != nil {
		if errors.Is(err, slotlock.ErrSlotConflict) {
			// Slot was rebooked or re-locked before we got here.
			return nil, nil
		}
		return nil, err
	}

	now := c.clock.Now()
	for _, e := range candidates {
		offer := SlotOffer{
			ID:         uuid.New(),
			EntryID:    e.ID,
			ProviderID: providerID,
			Interval:   interval,
			LockToken:  hold.Token,
			Status:     OfferPending,
			OfferedAt:  now,
			RespondBy:  now.Add(c.offerWindow),
		}
		err := c.repo.AppendOffer(ctx, e.ID, offer)
		if errors.Is(err, ErrOfferPending) || errors.Is(err, ErrEntryClosed) {
			// Entry changed under us; fall through to the next candidate.
			continue
		}
		if err != nil {
			c.locks.Release(hold.Token)
			return nil, fmt.Errorf("append offer: %w", err)
		}

		c.notifier.Notify(ctx, notify.Notification{
			RecipientID: e.PatientID,
			Template:    notify.TemplateWaitlistOffer,
			Payload: map[string]any{
				"entry_id":   e.ID.String(),
				"offer_id":   offer.ID.String(),
				"start":      interval.Start,
				"end":        interval.End,
				"respond_by": offer.RespondBy,
			},
		})
		c.events.Record(ctx, events.Event{
			Type:      events.OfferExtended,
			SubjectID: offer.ID,
			Payload: map[string]any{
				"entry_id":    e.ID.String(),
				"provider_id": providerID.String(),
				"slot_start":  interval.Start,
			},
			At: now,
		})
		c.logger.Info().
			Str("offer_id", offer.ID.String()).
			Str("entry_id", e.ID.String()).
			Time("respond_by", offer.RespondBy).
			Msg("slot offered")
		return &offer, nil
	}

	c.locks.Release(hold.Token)
	return nil, nil
}

// Respond handles the patient's answer to an offer. Accepting books the
// held slot through the ledger; declining releases the hold and cascades
// to the next candidate exactly once. A response to a resolved or
// expired offer fails with ErrStaleOffer.
func (c *Coordinator) Respond(ctx context.Context, entryID, offerID uuid.UUID, accept bool) (*WaitlistEntry, error) {
	e, err := c.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	var offer *SlotOffer
	for i := range e.Offers {
		if e.Offers[i].ID == offerID {
			offer = &e.Offers[i]
			break
		}
	}
	if offer == nil {
		return nil, ErrOfferNotFound
	}
	if offer.Status != OfferPending {
		return nil, ErrStaleOffer
	}
	if !c.clock.Now().Before(offer.RespondBy) {
		// Lazy expiry so correctness never depends on sweep timing. The
		// offer dies exactly at RespondBy, the same instant its hold
		// expires.
		c.expireOffer(ctx, e, offer)
		return nil, ErrStaleOffer
	}

	if accept {
		return c.accept(ctx, e, offer)
	}
	return c.decline(ctx, e, offer)
}

func (c *Coordinator) accept(ctx context.Context, e *WaitlistEntry, offer *SlotOffer) (*WaitlistEntry, error) {
	appt, err := c.booker.Book(ctx, e.PatientID, offer.ProviderID, e.AppointmentTypeID, offer.Interval.Start, &offer.LockToken)
	if err != nil {
		if errors.Is(err, slotlock.ErrLockExpired) || errors.Is(err, slotlock.ErrLockNotFound) {
			// The hold lapsed before the response landed.
			c.expireOffer(ctx, e, offer)
			return nil, ErrStaleOffer
		}
		return nil, fmt.Errorf("book offered slot: %w", err)
	}

	if _, err := c.repo.ResolveOffer(ctx, e.ID, offer.ID, OfferAccepted); err != nil {
		if !errors.Is(err, ErrStaleOffer) {
			return nil, err
		}
		// The sweep expired the offer between the booking commit and this
		// resolution. The booking stands; the patient holds the slot, so
		// reconcile the entry instead of failing them.
		c.logger.Warn().
			Str("offer_id", offer.ID.String()).
			Str("appointment_id", appt.ID.String()).
			Msg("offer expired during accept, booking kept")
	}
	updated, err := c.repo.SetEntryStatus(ctx, e.ID, EntryActive, EntryFulfilled)
	if err != nil {
		return nil, err
	}

	c.events.Record(ctx, events.Event{
		Type:      events.OfferAccepted,
		SubjectID: offer.ID,
		Payload: map[string]any{
			"entry_id":       e.ID.String(),
			"appointment_id": appt.ID.String(),
		},
		At: c.clock.Now(),
	})
	c.logger.Info().
		Str("offer_id", offer.ID.String()).
		Str("appointment_id", appt.ID.String()).
		Msg("offer accepted")
	return updated, nil
}

func (c *Coordinator) decline(ctx context.Context, e *WaitlistEntry, offer *SlotOffer) (*WaitlistEntry, error) {
	if _, err := c.repo.ResolveOffer(ctx, e.ID, offer.ID, OfferDeclined); err != nil {
		return nil, err
	}
	c.locks.Release(offer.LockToken)

	c.events.Record(ctx, events.Event{
		Type:      events.OfferDeclined,
		SubjectID: offer.ID,
		Payload:   map[string]any{"entry_id": e.ID.String()},
		At:        c.clock.Now(),
	})
	c.logger.Info().Str("offer_id", offer.ID.String()).Msg("offer declined")

	// One cascade step per decline; the entry stays active for future
	// slots.
	if _, err := c.OfferNext(ctx, offer.ProviderID, offer.Interval, e.AppointmentTypeID); err != nil {
		c.logger.Error().Err(err).Str("offer_id", offer.ID.String()).Msg("cascade after decline")
	}
	return c.repo.GetEntry(ctx, e.ID)
}

// CancelEntry withdraws the patient from the waitlist. Idempotent:
// cancelling a cancelled entry is a no-op success. A pending offer is
// cancelled with it and its slot cascades onward.
func (c *Coordinator) CancelEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	e, err := c.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == EntryCancelled {
		return e, nil
	}
	if e.Status != EntryActive {
		return nil, ErrEntryClosed
	}

	pending := e.PendingOffer()
	updated, err := c.repo.SetEntryStatus(ctx, id, EntryActive, EntryCancelled)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		if _, err := c.repo.ResolveOffer(ctx, id, pending.ID, OfferCancelled); err != nil && !errors.Is(err, ErrStaleOffer) {
			c.logger.Error().Err(err).Str("offer_id", pending.ID.String()).Msg("cancel pending offer")
		}
		c.locks.Release(pending.LockToken)
		if _, err := c.OfferNext(ctx, pending.ProviderID, pending.Interval, e.AppointmentTypeID); err != nil {
			c.logger.Error().Err(err).Str("entry_id", id.String()).Msg("cascade after entry cancel")
		}
	}

	c.logger.Info().Str("entry_id", id.String()).Msg("waitlist entry cancelled")
	return updated, nil
}

// SweepExpiredOffers resolves every pending offer past its deadline,
// releases its hold, and cascades each freed slot to the next candidate.
// Safe to call redundantly: offers resolved in the meantime are skipped.
func (c *Coordinator) SweepExpiredOffers(ctx context.Context) (int, error) {
	due, err := c.repo.PendingOffersDue(ctx, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list due offers: %w", err)
	}

	expired := 0
	for i := range due {
		o := due[i]
		e, err := c.repo.GetEntry(ctx, o.EntryID)
		if err != nil {
			c.logger.Error().Err(err).Str("offer_id", o.ID.String()).Msg("load entry for expired offer")
			continue
		}
		if c.expireOffer(ctx, e, &o) {
			expired++
		}
	}
	return expired, nil
}

// ExpireEntries closes active entries whose desired range has passed.
// Entries still holding a pending offer are left for the offer sweep.
func (c *Coordinator) ExpireEntries(ctx context.Context) (int, error) {
	stale, err := c.repo.ActiveEntriesEndedBefore(ctx, c.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list ended entries: %w", err)
	}

	closed := 0
	for _, e := range stale {
		if e.PendingOffer() != nil {
			continue
		}
		if _, err := c.repo.SetEntryStatus(ctx, e.ID, EntryActive, EntryExpired); err != nil {
			if !errors.Is(err, ErrEntryClosed) {
				c.logger.Error().Err(err).Str("entry_id", e.ID.String()).Msg("expire entry")
			}
			continue
		}
		closed++
	}
	return closed, nil
}

// expireOffer resolves a pending offer as expired, releases its hold,
// and cascades. Reports whether this call did the resolution; a
// concurrent resolve makes it a no-op.
func (c *Coordinator) expireOffer(ctx context.Context, e *WaitlistEntry, offer *SlotOffer) bool {
	if _, err := c.repo.ResolveOffer(ctx, e.ID, offer.ID, OfferExpired); err != nil {
		if !errors.Is(err, ErrStaleOffer) {
			c.logger.Error().Err(err).Str("offer_id", offer.ID.String()).Msg("expire offer")
		}
		return false
	}
	c.locks.Release(offer.LockToken)

	c.notifier.Notify(ctx, notify.Notification{
		RecipientID: e.PatientID,
		Template:    notify.TemplateOfferExpired,
		Payload:     map[string]any{"offer_id": offer.ID.String()},
	})
	c.events.Record(ctx, events.Event{
		Type:      events.OfferExpired,
		SubjectID: offer.ID,
		Payload:   map[string]any{"entry_id": e.ID.String()},
		At:        c.clock.Now(),
	})
	c.logger.Info().Str("offer_id", offer.ID.String()).Msg("offer expired")

	if _, err := c.OfferNext(ctx, offer.ProviderID, offer.Interval, e.AppointmentTypeID); err != nil {
		c.logger.Error().Err(err).Str("offer_id", offer.ID.String()).Msg("cascade after expiry")
	}
	return true
}
