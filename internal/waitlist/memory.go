package waitlist

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/clock"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
// A single mutex makes every compare-and-swap atomic.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*WaitlistEntry
	clock   clock.Clock
}

func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[uuid.UUID]*WaitlistEntry),
		clock:   clk,
	}
}

func (r *MemoryRepository) CreateEntry(_ context.Context, e *WaitlistEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	r.entries[e.ID] = copyEntry(e)
	return nil
}

func (r *MemoryRepository) GetEntry(_ context.Context, id uuid.UUID) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return copyEntry(e), nil
}

func (r *MemoryRepository) ActiveEntries(_ context.Context, providerID, typeID uuid.UUID) ([]*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*WaitlistEntry
	for _, e := range r.entries {
		if e.Status == EntryActive && e.ProviderID == providerID && e.AppointmentTypeID == typeID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (r *MemoryRepository) SetEntryStatus(_ context.Context, id uuid.UUID, from, to EntryStatus) (*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	if e.Status != from {
		return nil, ErrEntryClosed
	}
	e.Status = to
	e.UpdatedAt = r.clock.Now()
	return copyEntry(e), nil
}

func (r *MemoryRepository) AppendOffer(_ context.Context, entryID uuid.UUID, o SlotOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	if e.Status != EntryActive {
		return ErrEntryClosed
	}
	for i := range e.Offers {
		if e.Offers[i].Status == OfferPending {
			return ErrOfferPending
		}
	}
	e.Offers = append(e.Offers, o)
	e.UpdatedAt = r.clock.Now()
	return nil
}

func (r *MemoryRepository) ResolveOffer(_ context.Context, entryID, offerID uuid.UUID, to OfferStatus) (*SlotOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	for i := range e.Offers {
		if e.Offers[i].ID != offerID {
			continue
		}
		if e.Offers[i].Status != OfferPending {
			return nil, ErrStaleOffer
		}
		e.Offers[i].Status = to
		e.UpdatedAt = r.clock.Now()
		resolved := e.Offers[i]
		return &resolved, nil
	}
	return nil, ErrOfferNotFound
}

func (r *MemoryRepository) PendingOffersDue(_ context.Context, deadline time.Time) ([]SlotOffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []SlotOffer
	for _, e := range r.entries {
		for _, o := range e.Offers {
			if o.Status == OfferPending && !o.RespondBy.After(deadline) {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) ActiveEntriesEndedBefore(_ context.Context, deadline time.Time) ([]*WaitlistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*WaitlistEntry
	for _, e := range r.entries {
		if e.Status == EntryActive && e.DateRangeEnd.Before(deadline) {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func copyEntry(e *WaitlistEntry) *WaitlistEntry {
	c := *e
	c.Offers = append([]SlotOffer(nil), e.Offers...)
	return &c
}
