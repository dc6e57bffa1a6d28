package slotlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/schedule"
)

var (
	// ErrSlotConflict means the interval is taken: an active lock overlaps
	// it, or the provider's calendar is not free. Callers re-query
	// availability and retry.
	ErrSlotConflict = errors.New("slot is not available")

	ErrLockExpired  = errors.New("slot lock has expired")
	ErrLockNotFound = errors.New("slot lock not found")
)

// Purpose tags why a lock is held.
type Purpose string

const (
	PurposeBooking       Purpose = "booking"
	PurposeWaitlistOffer Purpose = "waitlist-offer"
)

// SlotLock is a transient exclusive claim on a provider interval. It exists
// between "show the user this slot" and "confirm the booking" and dies with
// its TTL; it is never durable state.
type SlotLock struct {
	Token      uuid.UUID
	ProviderID uuid.UUID
	Interval   schedule.Interval // guarded span, trailing buffer included
	Purpose    Purpose
	ExpiresAt  time.Time
}

// FreeChecker is the availability probe consulted at acquisition time.
// *schedule.Engine satisfies it.
type FreeChecker interface {
	IsFree(ctx context.Context, providerID uuid.UUID, candidate schedule.Interval, buffer time.Duration, excludeID uuid.UUID) (bool, error)
}

// Manager owns the lock table. A single mutex serializes every check and
// mutation, so the overlap scan and the insert in Acquire are one
// indivisible step: of N concurrent acquires for overlapping intervals,
// exactly one wins. Expiry is evaluated lazily against the clock on every
// read, so correctness never depends on SweepExpired having run.
type Manager struct {
	mu      sync.Mutex
	locks   map[uuid.UUID]SlotLock
	checker FreeChecker
	clock   clock.Clock
}

func NewManager(checker FreeChecker, clk clock.Clock) *Manager {
	return &Manager{
		locks:   make(map[uuid.UUID]SlotLock),
		checker: checker,
		clock:   clk,
	}
}

// Acquire claims [interval) plus its trailing buffer on the provider's
// calendar for ttl. The stored lock covers the padded interval, so a lock
// taken for a 25-minute visit with a 10-minute buffer guards 35 minutes.
// It fails immediately with ErrSlotConflict on contention; there is no
// queueing.
func (m *Manager) Acquire(ctx context.Context, providerID uuid.UUID, interval schedule.Interval, buffer time.Duration, purpose Purpose, ttl time.Duration) (SlotLock, error) {
	return m.AcquireExcluding(ctx, providerID, interval, buffer, uuid.Nil, purpose, ttl)
}

// AcquireExcluding is Acquire with one existing appointment ignored by the
// availability probe. Reschedules use it so an appointment may move onto a
// slot that only its own current booking occupies.
func (m *Manager) AcquireExcluding(ctx context.Context, providerID uuid.UUID, interval schedule.Interval, buffer time.Duration, excludeID uuid.UUID, purpose Purpose, ttl time.Duration) (SlotLock, error) {
	if !interval.Valid() {
		return SlotLock{}, fmt.Errorf("lock interval end %s not after start %s", interval.End, interval.Start)
	}
	if buffer < 0 {
		return SlotLock{}, fmt.Errorf("lock buffer must not be negative, got %s", buffer)
	}
	if ttl <= 0 {
		return SlotLock{}, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	// Calendar check happens outside the critical section: bookings are
	// only ever admitted while holding a lock on their interval, so the
	// lock table below is the true serialization point.
	if m.checker != nil {
		free, err := m.checker.IsFree(ctx, providerID, interval, buffer, excludeID)
		if err != nil {
			return SlotLock{}, fmt.Errorf("availability check: %w", err)
		}
		if !free {
			return SlotLock{}, ErrSlotConflict
		}
	}

	guarded := schedule.Interval{Start: interval.Start, End: interval.End.Add(buffer)}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeLocked(now)
	for _, l := range m.locks {
		if l.ProviderID == providerID && l.Interval.Overlaps(guarded) {
			return SlotLock{}, ErrSlotConflict
		}
	}

	lock := SlotLock{
		Token:      uuid.New(),
		ProviderID: providerID,
		Interval:   guarded,
		Purpose:    purpose,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[lock.Token] = lock
	return lock, nil
}

// Verify returns the lock for token if it is still live. A lock is live
// strictly before its expiry instant.
func (m *Manager) Verify(token uuid.UUID) (SlotLock, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[token]
	if !ok {
		return SlotLock{}, ErrLockNotFound
	}
	if !now.Before(l.ExpiresAt) {
		delete(m.locks, token)
		return SlotLock{}, ErrLockExpired
	}
	return l, nil
}

// Release drops the lock if present. Releasing an unknown or already
// released token is a no-op.
func (m *Manager) Release(token uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, token)
}

// SweepExpired removes every lock past its expiry and returns how many were
// dropped. It is a cleanup optimization; Acquire and Verify do not depend
// on it.
func (m *Manager) SweepExpired() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(now)
}

func (m *Manager) purgeLocked(now time.Time) int {
	n := 0
	for token, l := range m.locks {
		if !now.Before(l.ExpiresAt) {
			delete(m.locks, token)
			n++
		}
	}
	return n
}

// Active returns how many live locks exist, for readiness reporting.
func (m *Manager) Active() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, l := range m.locks {
		if now.Before(l.ExpiresAt) {
			n++
		}
	}
	return n
}
