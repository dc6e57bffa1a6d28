package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/schedule"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusConfirmed   Status = "confirmed"
	StatusInProgress  Status = "in-progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no-show"
	StatusRescheduled Status = "rescheduled"
)

// transitions is the full appointment state machine. Terminal states have
// no outgoing edges.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusConfirmed:  {StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether from → to is a legal edge. The confirmed →
// completed edge additionally requires the walk-in completion flag, which
// the service checks.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// OccupyingStatuses are the statuses under which an appointment still holds
// its calendar time for conflict purposes.
func OccupyingStatuses() []Status {
	return []Status{StatusScheduled, StatusConfirmed, StatusInProgress, StatusCompleted}
}

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrTransitionConflict  = errors.New("appointment changed concurrently")

	// ErrCancellationWindow means the cancellation cutoff has passed and
	// the actor may not override it.
	ErrCancellationWindow = errors.New("cancellation window has closed")

	ErrInvalidTransition = errors.New("invalid appointment status transition")

	// ErrLockMismatch means a supplied lock token does not cover the slot
	// being booked.
	ErrLockMismatch = errors.New("lock does not cover the requested slot")
)

// CancellationWindowError carries the numbers behind a cutoff rejection.
type CancellationWindowError struct {
	HoursUntilStart float64
	CutoffHours     int
}

func (e *CancellationWindowError) Error() string {
	return fmt.Sprintf("cancellation window has closed: %.1fh until start, cutoff %dh",
		e.HoursUntilStart, e.CutoffHours)
}

func (e *CancellationWindowError) Unwrap() error { return ErrCancellationWindow }

// InvalidTransitionError names the rejected edge.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// Actor is who is asking for a mutation, as a capability rather than a role
// string comparison: the ability to override the cutoff rides with the
// actor.
type Actor struct {
	ID                uuid.UUID
	Role              string
	CanOverrideCutoff bool
}

// SystemActor is used for system-triggered mutations (emergency leave).
func SystemActor() Actor {
	return Actor{Role: "system", CanOverrideCutoff: true}
}

// Cancellation is recorded on the appointment when it is cancelled.
type Cancellation struct {
	ActorID   uuid.UUID
	ActorRole string
	Reason    string
	At        time.Time
}

// Appointment is the authoritative record of a booked encounter. End is the
// clinical end (start + duration); Buffer is the idle time the provider
// needs afterwards. Records are never deleted; terminal statuses carry the
// history, and the RescheduledTo/RescheduledFrom links form a forward-only
// revision chain.
type Appointment struct {
	ID                uuid.UUID
	PatientID         uuid.UUID
	ProviderID        uuid.UUID
	AppointmentTypeID uuid.UUID
	Start             time.Time
	End               time.Time
	Buffer            time.Duration
	Status            Status
	Cancellation      *Cancellation
	RescheduledTo     *uuid.UUID
	RescheduledFrom   *uuid.UUID
	EmergencyLeaveID  *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Interval is the clinical slot the appointment holds.
func (a *Appointment) Interval() schedule.Interval {
	return schedule.Interval{Start: a.Start, End: a.End}
}

// BusyUntil is when the provider frees up, buffer included.
func (a *Appointment) BusyUntil() time.Time {
	return a.End.Add(a.Buffer)
}

// CutoffPolicy is a provider's cancellation rule. None means cancellation
// is always allowed.
type CutoffPolicy struct {
	Hours int
	None  bool
}

// PolicySource resolves the cancellation cutoff for a provider.
type PolicySource interface {
	CancellationCutoff(providerID uuid.UUID) CutoffPolicy
}

// StaticPolicies is a PolicySource with a default rule and per-provider
// overrides.
type StaticPolicies struct {
	Default     CutoffPolicy
	PerProvider map[uuid.UUID]CutoffPolicy
}

func (p StaticPolicies) CancellationCutoff(providerID uuid.UUID) CutoffPolicy {
	if rule, ok := p.PerProvider[providerID]; ok {
		return rule
	}
	return p.Default
}
