package waitlist

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the durable store for waitlist entries and their offer
// history. Offer resolution is compare-and-swap on pending, so two
// concurrent responses to the same offer cannot both apply.
type Repository interface {
	CreateEntry(ctx context.Context, e *WaitlistEntry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*WaitlistEntry, error)

	// ActiveEntries returns every active entry for the provider and
	// appointment type, offers included. Ordering is the caller's job.
	ActiveEntries(ctx context.Context, providerID, typeID uuid.UUID) ([]*WaitlistEntry, error)

	// SetEntryStatus applies from → to iff the entry is currently in from.
	SetEntryStatus(ctx context.Context, id uuid.UUID, from, to EntryStatus) (*WaitlistEntry, error)

	// AppendOffer adds a pending offer to an active entry. Fails with
	// ErrOfferPending if the entry already has one, ErrEntryClosed if the
	// entry is not active.
	AppendOffer(ctx context.Context, entryID uuid.UUID, o SlotOffer) error

	// ResolveOffer moves a pending offer to a terminal status. Returns
	// ErrStaleOffer when the offer is not pending.
	ResolveOffer(ctx context.Context, entryID, offerID uuid.UUID, to OfferStatus) (*SlotOffer, error)

	// PendingOffersDue returns every pending offer whose RespondBy is at
	// or before the deadline.
	PendingOffersDue(ctx context.Context, deadline time.Time) ([]SlotOffer, error)

	// ActiveEntriesEndedBefore returns active entries whose desired range
	// has fully passed.
	ActiveEntriesEndedBefore(ctx context.Context, deadline time.Time) ([]*WaitlistEntry, error)
}
