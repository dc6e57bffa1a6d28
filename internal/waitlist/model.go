package waitlist

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/schedule"
)

type EntryStatus string

const (
	EntryActive    EntryStatus = "active"
	EntryFulfilled EntryStatus = "fulfilled"
	EntryExpired   EntryStatus = "expired"
	EntryCancelled EntryStatus = "cancelled"
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferAccepted  OfferStatus = "accepted"
	OfferDeclined  OfferStatus = "declined"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

var (
	ErrEntryNotFound = errors.New("waitlist entry not found")
	ErrOfferNotFound = errors.New("slot offer not found")

	// ErrStaleOffer means the offer is no longer pending: it was already
	// accepted, declined, expired, or cancelled.
	ErrStaleOffer = errors.New("offer is no longer pending")

	// ErrOfferPending guards the one-pending-offer-per-entry invariant.
	ErrOfferPending = errors.New("entry already has a pending offer")

	ErrEntryClosed     = errors.New("waitlist entry is not active")
	ErrInvalidPriority = errors.New("priority must be between 0 and 10")
	ErrInvalidRange    = errors.New("date range end must be after start")
)

// ContactPrefs records which channels the patient wants offers on.
// Delivery itself is external; the prefs ride along in the notification
// payload.
type ContactPrefs struct {
	Email bool
	SMS   bool
	Push  bool
}

// WaitlistEntry is a patient waiting for any slot of a given type with a
// given provider inside a date range. Priority runs 0–10, higher first.
type WaitlistEntry struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	ProviderID        uuid.UUID
	AppointmentTypeID uuid.UUID
	DateRangeStart    time.Time
	DateRangeEnd      time.Time
	Priority          int
	Status            EntryStatus
	Contact           ContactPrefs
	Offers            []SlotOffer
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Matches reports whether the freed interval lies inside the entry's
// desired range.
func (e *WaitlistEntry) Matches(iv schedule.Interval) bool {
	return !iv.Start.Before(e.DateRangeStart) && !iv.End.After(e.DateRangeEnd)
}

// OfferedFor reports whether the entry already received an offer for
// this exact interval, in any status. An entry that declined or sat out
// a slot is never re-offered the same slot.
func (e *WaitlistEntry) OfferedFor(iv schedule.Interval) bool {
	for i := range e.Offers {
		if e.Offers[i].Interval.Equal(iv) {
			return true
		}
	}
	return false
}

// PendingOffer returns the entry's pending offer, or nil.
func (e *WaitlistEntry) PendingOffer() *SlotOffer {
	for i := range e.Offers {
		if e.Offers[i].Status == OfferPending {
			return &e.Offers[i]
		}
	}
	return nil
}

// SlotOffer is a time-bounded proposal of one freed slot to one entry.
// LockToken references the waitlist-offer slot lock held for the patient
// until RespondBy.
type SlotOffer struct {
	ID         uuid.UUID
	EntryID    uuid.UUID
	ProviderID uuid.UUID
	Interval   schedule.Interval
	LockToken  uuid.UUID
	Status     OfferStatus
	OfferedAt  time.Time
	RespondBy  time.Time
}
