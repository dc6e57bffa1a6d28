package schedule

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var ErrScheduleNotFound = errors.New("provider schedule not found")

// MemoryStore holds provider schedules in memory. Schedule returns a copy,
// so iterators and IsFree see a stable snapshot even while leave is being
// recorded concurrently.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]*ProviderSchedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[uuid.UUID]*ProviderSchedule)}
}

func (s *MemoryStore) Put(ps ProviderSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copySchedule(&ps)
	s.schedules[ps.ProviderID] = cp
}

func (s *MemoryStore) Schedule(_ context.Context, providerID uuid.UUID) (*ProviderSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.schedules[providerID]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return copySchedule(ps), nil
}

// AddLeave records a leave interval for a provider and returns it.
func (s *MemoryStore) AddLeave(_ context.Context, providerID uuid.UUID, iv Interval, reason string) (Leave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.schedules[providerID]
	if !ok {
		return Leave{}, ErrScheduleNotFound
	}
	lv := Leave{ID: uuid.New(), Interval: iv, Reason: reason}
	ps.Leaves = append(ps.Leaves, lv)
	return lv, nil
}

func copySchedule(ps *ProviderSchedule) *ProviderSchedule {
	cp := &ProviderSchedule{
		ProviderID: ps.ProviderID,
		Hours:      append([]DayHours(nil), ps.Hours...),
		Breaks:     append([]DayBreak(nil), ps.Breaks...),
		Leaves:     append([]Leave(nil), ps.Leaves...),
	}
	return cp
}
