package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceBookings is a BookingSource over a fixed slice.
type sliceBookings struct {
	bookings []Booking
}

func (s *sliceBookings) ActiveBookings(_ context.Context, _ uuid.UUID, within Interval) ([]Booking, error) {
	var out []Booking
	for _, b := range s.bookings {
		if b.Interval.Start.Before(within.End) && within.Start.Before(b.BusyUntil()) {
			out = append(out, b)
		}
	}
	return out, nil
}

func weekdayHours(start, end int) []DayHours {
	var hs []DayHours
	for wd := time.Monday; wd <= time.Friday; wd++ {
		hs = append(hs, DayHours{Weekday: wd, StartMinute: start, EndMinute: end})
	}
	return hs
}

// 2026-09-07 is a Monday.
func day(hour, min int) time.Time {
	return time.Date(2026, time.September, 7, hour, min, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T, ps ProviderSchedule, bookings []Booking) (*Engine, uuid.UUID) {
	t.Helper()
	store := NewMemoryStore()
	store.Put(ps)
	return NewEngine(store, &sliceBookings{bookings: bookings}), ps.ProviderID
}

func TestIsFree_BufferedConflict(t *testing.T) {
	providerID := uuid.New()
	existing := Booking{
		ID:       uuid.New(),
		Interval: Interval{Start: day(9, 0), End: day(9, 25)},
		Buffer:   10 * time.Minute,
	}
	eng, pid := newTestEngine(t, ProviderSchedule{
		ProviderID: providerID,
		Hours:      weekdayHours(8*60, 18*60),
	}, []Booking{existing})

	// Busy through 09:35 (25 min visit + 10 min buffer).
	free, err := eng.IsFree(context.Background(), pid, Interval{Start: day(9, 35), End: day(10, 0)}, 0, uuid.Nil)
	require.NoError(t, err)
	assert.True(t, free, "start at buffer boundary should be free")

	free, err = eng.IsFree(context.Background(), pid, Interval{Start: day(9, 25), End: day(9, 45)}, 0, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, free, "start inside buffer should conflict")

	// An earlier candidate may end exactly where the booking starts.
	free, err = eng.IsFree(context.Background(), pid, Interval{Start: day(8, 30), End: day(9, 0)}, 0, uuid.Nil)
	require.NoError(t, err)
	assert.True(t, free, "ending adjacent to a booking start should be free")
}

func TestIsFree_CandidateBufferBlocksNextBooking(t *testing.T) {
	providerID := uuid.New()
	existing := Booking{
		ID:       uuid.New(),
		Interval: Interval{Start: day(10, 0), End: day(10, 30)},
	}
	eng, pid := newTestEngine(t, ProviderSchedule{
		ProviderID: providerID,
		Hours:      weekdayHours(8*60, 18*60),
	}, []Booking{existing})

	// Candidate ends 09:55 but carries a 10 minute buffer reaching 10:05.
	free, err := eng.IsFree(context.Background(), pid, Interval{Start: day(9, 25), End: day(9, 55)}, 10*time.Minute, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, free)

	free, err = eng.IsFree(context.Background(), pid, Interval{Start: day(9, 20), End: day(9, 50)}, 10*time.Minute, uuid.Nil)
	require.NoError(t, err)
	assert.True(t, free, "buffer ending exactly at the next start should be free")
}

func TestIsFree_ScheduleShape(t *testing.T) {
	providerID := uuid.New()
	ps := ProviderSchedule{
		ProviderID: providerID,
		Hours:      weekdayHours(9*60, 17*60),
		Breaks:     []DayBreak{{Weekday: time.Monday, StartMinute: 12 * 60, EndMinute: 13 * 60}},
		Leaves: []Leave{{
			ID:       uuid.New(),
			Interval: Interval{Start: day(15, 0), End: day(16, 0)},
			Reason:   "conference",
		}},
	}
	eng, pid := newTestEngine(t, ps, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		ival     Interval
		wantFree bool
	}{
		{"inside working hours", Interval{Start: day(9, 0), End: day(9, 30)}, true},
		{"before opening", Interval{Start: day(8, 30), End: day(9, 0)}, false},
		{"past closing", Interval{Start: day(16, 45), End: day(17, 15)}, false},
		{"overlaps lunch break", Interval{Start: day(11, 45), End: day(12, 15)}, false},
		{"ends at break start", Interval{Start: day(11, 30), End: day(12, 0)}, true},
		{"inside leave", Interval{Start: day(15, 15), End: day(15, 45)}, false},
		{"straddles leave end", Interval{Start: day(15, 45), End: day(16, 15)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			free, err := eng.IsFree(ctx, pid, tc.ival, 0, uuid.Nil)
			require.NoError(t, err)
			assert.Equal(t, tc.wantFree, free)
		})
	}

	// Saturday has no working hours at all.
	sat := time.Date(2026, time.September, 12, 10, 0, 0, 0, time.UTC)
	free, err := eng.IsFree(ctx, pid, Interval{Start: sat, End: sat.Add(30 * time.Minute)}, 0, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestIsFree_ExcludeAppointment(t *testing.T) {
	providerID := uuid.New()
	moving := Booking{
		ID:       uuid.New(),
		Interval: Interval{Start: day(9, 0), End: day(9, 30)},
	}
	eng, pid := newTestEngine(t, ProviderSchedule{
		ProviderID: providerID,
		Hours:      weekdayHours(8*60, 18*60),
	}, []Booking{moving})

	// Without the exclusion the move target collides with itself.
	free, err := eng.IsFree(context.Background(), pid, Interval{Start: day(9, 15), End: day(9, 45)}, 0, uuid.Nil)
	require.NoError(t, err)
	assert.False(t, free)

	free, err = eng.IsFree(context.Background(), pid, Interval{Start: day(9, 15), End: day(9, 45)}, 0, moving.ID)
	require.NoError(t, err)
	assert.True(t, free)
}

func TestOpenSlots_WalksAscendingAndSkipsBusy(t *testing.T) {
	providerID := uuid.New()
	booked := Booking{
		ID:       uuid.New(),
		Interval: Interval{Start: day(9, 30), End: day(10, 0)},
		Buffer:   10 * time.Minute,
	}
	eng, pid := newTestEngine(t, ProviderSchedule{
		ProviderID: providerID,
		Hours:      weekdayHours(9*60, 11*60),
	}, []Booking{booked})

	it, err := eng.OpenSlots(context.Background(), pid,
		Interval{Start: day(9, 0), End: day(11, 0)},
		30*time.Minute, 0, 30*time.Minute)
	require.NoError(t, err)

	got := it.Collect(0)
	want := []Interval{
		{Start: day(9, 0), End: day(9, 30)},
		// 09:30 and 10:00 collide with the booking and its buffer.
		{Start: day(10, 30), End: day(11, 0)},
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, got[i].Equal(want[i]), "slot %d: got %v want %v", i, got[i], want[i])
	}

	// The iterator restarts cleanly.
	it.Reset()
	again := it.Collect(0)
	require.Len(t, again, len(want))
	assert.True(t, again[0].Equal(want[0]))
}

func TestOpenSlots_LazyAndBounded(t *testing.T) {
	providerID := uuid.New()
	eng, pid := newTestEngine(t, ProviderSchedule{
		ProviderID: providerID,
		Hours:      weekdayHours(9*60, 17*60),
	}, nil)

	it, err := eng.OpenSlots(context.Background(), pid,
		Interval{Start: day(9, 0), End: day(17, 0)},
		20*time.Minute, 5*time.Minute, 5*time.Minute)
	require.NoError(t, err)

	first, ok := it.Next()
	require.True(t, ok)
	assert.True(t, first.Start.Equal(day(9, 0)))

	second, ok := it.Next()
	require.True(t, ok)
	assert.True(t, second.Start.Equal(day(9, 5)), "next candidate advances by step")

	// Draining terminates.
	rest := it.Collect(0)
	assert.NotEmpty(t, rest)
	_, ok = it.Next()
	assert.False(t, ok)
}
