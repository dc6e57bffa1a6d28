// Package notify decouples scheduling decisions from notification
// delivery. Dispatch is fire-and-forget: a slow or failing channel must
// never stall a booking or hold a slot lock past its TTL.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	TemplateWaitlistOffer      = "waitlist_offer"
	TemplateOfferExpired       = "waitlist_offer_expired"
	TemplateAppointmentBooked  = "appointment_booked"
	TemplateCancelledByClinic  = "appointment_cancelled_by_clinic"
	TemplateRescheduleProposed = "reschedule_proposed"
)

type Notification struct {
	RecipientID uuid.UUID
	Template    string
	Payload     map[string]any
}

// Gateway accepts notifications for delivery. Implementations must not
// block the caller.
type Gateway interface {
	Notify(ctx context.Context, n Notification)
}

// Sink performs the actual delivery and is allowed to block; the
// Dispatcher keeps it off the scheduling path.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher is a Gateway backed by a buffered channel and a single
// delivery goroutine. When the buffer is full the notification is
// dropped and logged; scheduling never waits.
type Dispatcher struct {
	sink   Sink
	ch     chan Notification
	logger zerolog.Logger
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func NewDispatcher(sink Sink, buffer int, logger zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	d := &Dispatcher{
		sink:   sink,
		ch:     make(chan Notification, buffer),
		logger: logger,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	select {
	case d.ch <- n:
	default:
		d.logger.Warn().
			Str("template", n.Template).
			Str("recipient_id", n.RecipientID.String()).
			Msg("notification buffer full, dropping")
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.sink.Deliver(ctx, n); err != nil {
			d.logger.Error().Err(err).
				Str("template", n.Template).
				Str("recipient_id", n.RecipientID.String()).
				Msg("notification delivery failed")
		}
		cancel()
	}
}

// Close drains the buffer and stops the delivery goroutine.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.ch)
	})
	d.wg.Wait()
}

// Recorder is a synchronous Gateway that keeps every notification in
// memory. Used in tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

type nopGateway struct{}

func (nopGateway) Notify(context.Context, Notification) {}

func Nop() Gateway { return nopGateway{} }
