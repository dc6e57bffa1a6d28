package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleSource resolves the calendar shape for one provider.
type ScheduleSource interface {
	Schedule(ctx context.Context, providerID uuid.UUID) (*ProviderSchedule, error)
}

// BookingSource lists the bookings that occupy calendar time for a provider
// within an interval. Implementations must exclude appointments whose status
// no longer holds the slot (cancelled, no-show, rescheduled).
type BookingSource interface {
	ActiveBookings(ctx context.Context, providerID uuid.UUID, within Interval) ([]Booking, error)
}

// Engine answers "is this provider free over [start, end)" and enumerates
// open slots. It reads a snapshot per call and never mutates shared state,
// so it is safe for concurrent use.
type Engine struct {
	schedules ScheduleSource
	bookings  BookingSource
}

func NewEngine(schedules ScheduleSource, bookings BookingSource) *Engine {
	return &Engine{schedules: schedules, bookings: bookings}
}

// IsFree reports whether the provider is free over the candidate interval.
// buffer is the idle time the candidate itself needs after its end; pass 0
// for a pure interval probe. excludeID lets a reschedule ignore the
// appointment being moved.
func (e *Engine) IsFree(ctx context.Context, providerID uuid.UUID, candidate Interval, buffer time.Duration, excludeID uuid.UUID) (bool, error) {
	if !candidate.Valid() {
		return false, fmt.Errorf("candidate interval end %s not after start %s", candidate.End, candidate.Start)
	}

	ps, err := e.schedules.Schedule(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("load provider schedule: %w", err)
	}
	if !fitsSchedule(ps, candidate) {
		return false, nil
	}

	// Pad the lookup window so bookings whose buffer reaches into the
	// candidate are included.
	window := Interval{
		Start: candidate.Start.Add(-24 * time.Hour),
		End:   candidate.End.Add(buffer),
	}
	booked, err := e.bookings.ActiveBookings(ctx, providerID, window)
	if err != nil {
		return false, fmt.Errorf("load bookings: %w", err)
	}

	for _, b := range booked {
		if excludeID != uuid.Nil && b.ID == excludeID {
			continue
		}
		if conflicts(candidate, buffer, b) {
			return false, nil
		}
	}
	return true, nil
}

// conflicts implements the buffered overlap rule: the candidate collides
// with an existing booking [s, e) carrying buffer b iff
// start < e+b && end+candidateBuffer > s. The half-open comparison means a
// candidate may start exactly when a booking's buffer ends, and may end
// exactly where a later booking starts.
func conflicts(candidate Interval, candidateBuffer time.Duration, b Booking) bool {
	return candidate.Start.Before(b.BusyUntil()) &&
		candidate.End.Add(candidateBuffer).After(b.Interval.Start)
}

// fitsSchedule checks working hours, recurring breaks, and leave. The
// candidate must sit entirely inside one working window of its weekday.
func fitsSchedule(ps *ProviderSchedule, candidate Interval) bool {
	for _, lv := range ps.Leaves {
		if candidate.Overlaps(lv.Interval) {
			return false
		}
	}

	// Working windows never span midnight, so neither may a candidate.
	endOfDay := atMinute(candidate.Start, 24*60)
	if candidate.End.After(endOfDay) {
		return false
	}

	wd := candidate.Start.Weekday()
	inHours := false
	startMin := minuteOfDay(candidate.Start)
	endMin := minuteOfDay(candidate.End)
	if candidate.End.Equal(endOfDay) {
		endMin = 24 * 60
	}
	for _, h := range ps.hoursOn(wd) {
		if startMin >= h.StartMinute && endMin <= h.EndMinute {
			inHours = true
			break
		}
	}
	if !inHours {
		return false
	}

	for _, br := range ps.breaksOn(wd) {
		if startMin < br.EndMinute && endMin > br.StartMinute {
			return false
		}
	}
	return true
}

// SlotIterator lazily yields open [start, end) windows in ascending order.
// It walks a snapshot captured at construction; concurrent calendar changes
// are not observed, and Reset restarts the walk from the beginning.
type SlotIterator struct {
	ps       *ProviderSchedule
	booked   []Booking
	rng      Interval
	duration time.Duration
	buffer   time.Duration
	step     time.Duration

	cursor time.Time
}

// OpenSlots captures a snapshot and returns an iterator over candidate
// windows of the given duration within rng, stepping candidate starts by
// step. buffer is the idle time each candidate needs after it.
func (e *Engine) OpenSlots(ctx context.Context, providerID uuid.UUID, rng Interval, duration, buffer, step time.Duration) (*SlotIterator, error) {
	if duration <= 0 || step <= 0 {
		return nil, fmt.Errorf("duration and step must be positive")
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("range end %s not after start %s", rng.End, rng.Start)
	}

	ps, err := e.schedules.Schedule(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("load provider schedule: %w", err)
	}
	booked, err := e.bookings.ActiveBookings(ctx, providerID, Interval{
		Start: rng.Start.Add(-24 * time.Hour),
		End:   rng.End.Add(buffer),
	})
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	it := &SlotIterator{
		ps:       ps,
		booked:   booked,
		rng:      rng,
		duration: duration,
		buffer:   buffer,
		step:     step,
	}
	it.Reset()
	return it, nil
}

// Reset restarts the iterator at the beginning of its range.
func (it *SlotIterator) Reset() {
	it.cursor = it.rng.Start
}

// Next returns the next open window, or ok=false when the range is
// exhausted.
func (it *SlotIterator) Next() (Interval, bool) {
	for t := it.cursor; !t.Add(it.duration).After(it.rng.End); t = t.Add(it.step) {
		candidate := Interval{Start: t, End: t.Add(it.duration)}
		if !fitsSchedule(it.ps, candidate) {
			continue
		}
		open := true
		for _, b := range it.booked {
			if conflicts(candidate, it.buffer, b) {
				open = false
				break
			}
		}
		if open {
			it.cursor = t.Add(it.step)
			return candidate, true
		}
	}
	it.cursor = it.rng.End
	return Interval{}, false
}

// Collect drains at most max slots from the iterator. max <= 0 drains all.
func (it *SlotIterator) Collect(max int) []Interval {
	var out []Interval
	for {
		if max > 0 && len(out) >= max {
			return out
		}
		iv, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, iv)
	}
}
