package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/schedule"
)

// Repository is the durable store for appointments. Status transitions are
// compare-and-swap on the expected current status, so two concurrent
// transitions of the same record cannot both apply; the loser gets
// ErrTransitionConflict.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ListByProvider returns appointments whose buffered interval overlaps
	// within, filtered to the given statuses (all statuses when empty).
	ListByProvider(ctx context.Context, providerID uuid.UUID, within schedule.Interval, statuses []Status) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, error)

	// TransitionStatus applies from → to iff the record is currently in
	// from.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	// MarkCancelled applies from → cancelled with cancellation metadata
	// and, for system-triggered cancellations, the emergency leave id.
	MarkCancelled(ctx context.Context, id uuid.UUID, from Status, c Cancellation, leaveID *uuid.UUID) (*Appointment, error)

	// CreateRescheduled atomically marks the old record rescheduled
	// (pointing forward at the replacement) and inserts the replacement in
	// scheduled. The two writes commit together or not at all, so the
	// ledger never holds both records in scheduled.
	CreateRescheduled(ctx context.Context, oldID uuid.UUID, from Status, leaveID *uuid.UUID, replacement *Appointment) (*Appointment, error)
}

// CalendarSource adapts a Repository to schedule.BookingSource: the
// availability engine sees every appointment that still occupies calendar
// time.
type CalendarSource struct {
	Repo Repository
}

func (c CalendarSource) ActiveBookings(ctx context.Context, providerID uuid.UUID, within schedule.Interval) ([]schedule.Booking, error) {
	appts, err := c.Repo.ListByProvider(ctx, providerID, within, OccupyingStatuses())
	if err != nil {
		return nil, err
	}
	out := make([]schedule.Booking, 0, len(appts))
	for _, a := range appts {
		out = append(out, schedule.Booking{
			ID:       a.ID,
			Interval: a.Interval(),
			Buffer:   a.Buffer,
		})
	}
	return out, nil
}
