package schedule

import (
	"time"

	"github.com/google/uuid"
)

// Interval is a half-open time range [Start, End) on a single provider's
// calendar.
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start, end time.Time) Interval {
	return Interval{Start: start, End: end}
}

func (iv Interval) Valid() bool {
	return iv.End.After(iv.Start)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether two half-open intervals share any instant.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether other lies entirely within iv.
func (iv Interval) Contains(other Interval) bool {
	return !other.Start.Before(iv.Start) && !other.End.After(iv.End)
}

func (iv Interval) Equal(other Interval) bool {
	return iv.Start.Equal(other.Start) && iv.End.Equal(other.End)
}

// AppointmentType is reference data: how long a visit of this type runs and
// how much idle time the provider needs afterwards. Overrides allow a
// provider to run a type longer or shorter than the default.
type AppointmentType struct {
	ID       uuid.UUID
	Name     string
	Duration time.Duration
	Buffer   time.Duration

	Overrides map[uuid.UUID]TypeOverride // keyed by provider id
}

type TypeOverride struct {
	Duration time.Duration
	Buffer   time.Duration
}

// DurationFor returns the visit duration for a provider, honoring overrides.
func (t AppointmentType) DurationFor(providerID uuid.UUID) time.Duration {
	if ov, ok := t.Overrides[providerID]; ok && ov.Duration > 0 {
		return ov.Duration
	}
	return t.Duration
}

// BufferFor returns the post-visit buffer for a provider, honoring overrides.
func (t AppointmentType) BufferFor(providerID uuid.UUID) time.Duration {
	if ov, ok := t.Overrides[providerID]; ok && ov.Buffer > 0 {
		return ov.Buffer
	}
	return t.Buffer
}

// DayHours is a working window on one weekday, expressed as minutes from
// midnight in the provider's location.
type DayHours struct {
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
}

// DayBreak is a recurring break (lunch, rounds) on one weekday.
type DayBreak struct {
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
}

// Leave is an absolute interval during which the provider is unavailable.
// Emergency unavailability is recorded as a leave with a reason.
type Leave struct {
	ID       uuid.UUID
	Interval Interval
	Reason   string
}

// ProviderSchedule is the read-only calendar shape for one provider:
// working hours, recurring breaks, and leave. The engine never mutates it.
type ProviderSchedule struct {
	ProviderID uuid.UUID
	Hours      []DayHours
	Breaks     []DayBreak
	Leaves     []Leave
}

// hoursOn returns the working windows for a weekday. A day with no entry is
// a non-working day.
func (ps ProviderSchedule) hoursOn(wd time.Weekday) []DayHours {
	var out []DayHours
	for _, h := range ps.Hours {
		if h.Weekday == wd {
			out = append(out, h)
		}
	}
	return out
}

func (ps ProviderSchedule) breaksOn(wd time.Weekday) []DayBreak {
	var out []DayBreak
	for _, b := range ps.Breaks {
		if b.Weekday == wd {
			out = append(out, b)
		}
	}
	return out
}

// Booking is the availability engine's view of an appointment that occupies
// calendar time: its clinical interval plus the provider's post-visit
// buffer.
type Booking struct {
	ID       uuid.UUID
	Interval Interval
	Buffer   time.Duration
}

// BusyUntil is the instant the provider becomes free again after this
// booking.
func (b Booking) BusyUntil() time.Time {
	return b.Interval.End.Add(b.Buffer)
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func atMinute(day time.Time, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location()).
		Add(time.Duration(minute) * time.Minute)
}
