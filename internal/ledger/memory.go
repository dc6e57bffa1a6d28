package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/schedule"
)

// MemoryRepository keeps appointments in a mutex-guarded map. All status
// transitions happen under the mutex, which gives the same
// compare-and-swap guarantee the Postgres repository gets from conditional
// UPDATEs.
type MemoryRepository struct {
	mu    sync.Mutex
	appts map[uuid.UUID]*Appointment
	clock clock.Clock
}

func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	return &MemoryRepository{
		appts: make(map[uuid.UUID]*Appointment),
		clock: clk,
	}
}

func (r *MemoryRepository) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := *a
	r.appts[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) ListByProvider(_ context.Context, providerID uuid.UUID, within schedule.Interval, statuses []Status) ([]*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var out []*Appointment
	for _, a := range r.appts {
		if a.ProviderID != providerID {
			continue
		}
		if len(wanted) > 0 && !wanted[a.Status] {
			continue
		}
		if !a.Start.Before(within.End) || !within.Start.Before(a.BusyUntil()) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (r *MemoryRepository) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []*Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			cp := *a
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) TransitionStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.casLocked(id, from, func(a *Appointment) {
		a.Status = to
	})
}

func (r *MemoryRepository) MarkCancelled(_ context.Context, id uuid.UUID, from Status, c Cancellation, leaveID *uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.casLocked(id, from, func(a *Appointment) {
		a.Status = StatusCancelled
		cc := c
		a.Cancellation = &cc
		a.EmergencyLeaveID = leaveID
	})
}

func (r *MemoryRepository) CreateRescheduled(_ context.Context, oldID uuid.UUID, from Status, leaveID *uuid.UUID, replacement *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.casLocked(oldID, from, func(a *Appointment) {
		a.Status = StatusRescheduled
		id := replacement.ID
		a.RescheduledTo = &id
		a.EmergencyLeaveID = leaveID
	})
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	replacement.CreatedAt = now
	replacement.UpdatedAt = now
	cp := *replacement
	r.appts[replacement.ID] = &cp
	return replacement, nil
}

func (r *MemoryRepository) casLocked(id uuid.UUID, from Status, apply func(*Appointment)) (*Appointment, error) {
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrTransitionConflict
	}
	apply(a)
	a.UpdatedAt = r.clock.Now()
	cp := *a
	return &cp, nil
}

var _ Repository = (*MemoryRepository)(nil)
