package slotlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/scheduling-engine/internal/clock"
	"github.com/clinicops/scheduling-engine/internal/schedule"
)

type alwaysFree struct{}

func (alwaysFree) IsFree(context.Context, uuid.UUID, schedule.Interval, time.Duration, uuid.UUID) (bool, error) {
	return true, nil
}

type neverFree struct{}

func (neverFree) IsFree(context.Context, uuid.UUID, schedule.Interval, time.Duration, uuid.UUID) (bool, error) {
	return false, nil
}

func interval(startMin, endMin int) schedule.Interval {
	base := time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC)
	return schedule.Interval{
		Start: base.Add(time.Duration(startMin) * time.Minute),
		End:   base.Add(time.Duration(endMin) * time.Minute),
	}
}

func TestAcquire_OverlapRejected(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, time.September, 7, 8, 0, 0, 0, time.UTC))
	m := NewManager(alwaysFree{}, clk)
	providerID := uuid.New()
	ctx := context.Background()

	// 10:00-10:30 held, 10:15-10:45 overlaps, 10:30-11:00 does not.
	_, err := m.Acquire(ctx, providerID, interval(600, 630), 0, PurposeBooking,120*time.Second)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, providerID, interval(615, 645), 0, PurposeBooking,120*time.Second)
	assert.ErrorIs(t, err, ErrSlotConflict)

	_, err = m.Acquire(ctx, providerID, interval(630, 660), 0, PurposeBooking,120*time.Second)
	assert.NoError(t, err, "adjacent interval must not conflict")
}

func TestAcquire_BufferExtendsGuard(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, time.September, 7, 8, 0, 0, 0, time.UTC))
	m := NewManager(alwaysFree{}, clk)
	providerID := uuid.New()
	ctx := context.Background()

	// A 10:00-10:30 visit with a 10 minute buffer guards through 10:40.
	lock, err := m.Acquire(ctx, providerID, interval(600, 630), 10*time.Minute, PurposeBooking, time.Minute)
	require.NoError(t, err)
	assert.True(t, lock.Interval.End.Equal(interval(600, 640).End))

	_, err = m.Acquire(ctx, providerID, interval(635, 665), 0, PurposeBooking, time.Minute)
	assert.ErrorIs(t, err, ErrSlotConflict, "start inside the buffer must conflict")

	// An earlier candidate whose own buffer reaches forward into the held
	// slot conflicts too: 09:30-09:55 plus 10 minutes touches 10:05.
	_, err = m.Acquire(ctx, providerID, interval(570, 595), 10*time.Minute, PurposeBooking, time.Minute)
	assert.ErrorIs(t, err, ErrSlotConflict)

	_, err = m.Acquire(ctx, providerID, interval(640, 670), 0, PurposeBooking, time.Minute)
	assert.NoError(t, err, "start at the guarded boundary is free")
}

// freeOnlyFor reports the calendar busy unless the probe excludes the
// given appointment.
type freeOnlyFor struct{ excluded uuid.UUID }

func (f freeOnlyFor) IsFree(_ context.Context, _ uuid.UUID, _ schedule.Interval, _ time.Duration, excludeID uuid.UUID) (bool, error) {
	return excludeID == f.excluded, nil
}

func TestAcquireExcluding_SkipsOwnBooking(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, time.September, 7, 8, 0, 0, 0, time.UTC))
	apptID := uuid.New()
	m := NewManager(freeOnlyFor{excluded: apptID}, clk)
	providerID := uuid.New()
	ctx := context.Background()

	_, err := m.Acquire(ctx, providerID, interval(600, 630), 0, PurposeBooking, time.Minute)
	assert.ErrorIs(t, err, ErrSlotConflict)

	_, err = m.AcquireExcluding(ctx, providerID, interval(600, 630), 0, apptID, PurposeBooking, time.Minute)
	assert.NoError(t, err, "the moving appointment's own slot is not a conflict")
}

func TestAcquire_OtherProviderUnaffected(t *testing.T) {
	clk := clock.NewManual(time.Now())
	m := NewManager(alwaysFree{}, clk)
	ctx := context.Background()

	_, err := m.Acquire(ctx, uuid.New(), interval(600, 630), 0, PurposeBooking,time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, uuid.New(), interval(600, 630), 0, PurposeBooking,time.Minute)
	assert.NoError(t, err)
}

func TestAcquire_UnavailableCalendar(t *testing.T) {
	clk := clock.NewManual(time.Now())
	m := NewManager(neverFree{}, clk)

	_, err := m.Acquire(context.Background(), uuid.New(), interval(600, 630), 0, PurposeBooking,time.Minute)
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestAcquire_ExpiredLockDoesNotBlock(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, time.September, 7, 8, 0, 0, 0, time.UTC))
	m := NewManager(alwaysFree{}, clk)
	providerID := uuid.New()
	ctx := context.Background()

	_, err := m.Acquire(ctx, providerID, interval(600, 630), 0, PurposeBooking,120*time.Second)
	require.NoError(t, err)

	// Within the TTL the overlapping acquire fails; one tick past it the
	// stale lock is purged lazily and the acquire succeeds, with no sweep
	// in between.
	clk.Advance(119 * time.Second)
	_, err = m.Acquire(ctx, providerID, interval(615, 645), 0, PurposeBooking,120*time.Second)
	assert.ErrorIs(t, err, ErrSlotConflict)

	clk.Advance(2 * time.Second)
	_, err = m.Acquire(ctx, providerID, interval(615, 645), 0, PurposeBooking,120*time.Second)
	assert.NoError(t, err)
}

func TestVerify_TTLBoundary(t *testing.T) {
	start := time.Date(2026, time.September, 7, 8, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	m := NewManager(alwaysFree{}, clk)

	lock, err := m.Acquire(context.Background(), uuid.New(), interval(600, 630), 0, PurposeBooking,120*time.Second)
	require.NoError(t, err)

	clk.Set(lock.ExpiresAt.Add(-time.Millisecond))
	got, err := m.Verify(lock.Token)
	require.NoError(t, err)
	assert.Equal(t, lock.Token, got.Token)

	clk.Set(lock.ExpiresAt.Add(time.Millisecond))
	_, err = m.Verify(lock.Token)
	assert.ErrorIs(t, err, ErrLockExpired)

	// Once reported expired the token is gone for good.
	_, err = m.Verify(lock.Token)
	assert.ErrorIs(t, err, ErrLockNotFound)
}

func TestRelease_Idempotent(t *testing.T) {
	clk := clock.NewManual(time.Now())
	m := NewManager(alwaysFree{}, clk)

	lock, err := m.Acquire(context.Background(), uuid.New(), interval(600, 630), 0, PurposeBooking,time.Minute)
	require.NoError(t, err)

	m.Release(lock.Token)
	m.Release(lock.Token)
	m.Release(uuid.New())

	_, err = m.Verify(lock.Token)
	assert.ErrorIs(t, err, ErrLockNotFound)
}

func TestSweepExpired(t *testing.T) {
	clk := clock.NewManual(time.Now())
	m := NewManager(alwaysFree{}, clk)
	ctx := context.Background()

	_, err := m.Acquire(ctx, uuid.New(), interval(600, 630), 0, PurposeBooking,time.Minute)
	require.NoError(t, err)
	keep, err := m.Acquire(ctx, uuid.New(), interval(600, 630), 0, PurposeWaitlistOffer, time.Hour)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.SweepExpired())
	assert.Equal(t, 0, m.SweepExpired(), "second sweep finds nothing")

	_, err = m.Verify(keep.Token)
	assert.NoError(t, err)
}

func TestAcquire_ConcurrentOverlap_ExactlyOneWins(t *testing.T) {
	clk := clock.NewManual(time.Now())
	m := NewManager(alwaysFree{}, clk)
	providerID := uuid.New()

	const workers = 32
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background(), providerID, interval(600, 630), 0, PurposeBooking,time.Minute)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			require.True(t, errors.Is(err, ErrSlotConflict), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}
