package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/emergency"
	"github.com/clinicops/scheduling-engine/internal/ledger"
	redisclient "github.com/clinicops/scheduling-engine/internal/redis"
	"github.com/clinicops/scheduling-engine/internal/schedule"
	"github.com/clinicops/scheduling-engine/internal/slotlock"
	"github.com/clinicops/scheduling-engine/internal/waitlist"
)

// slotListCap bounds one availability response.
const slotListCap = 100

func getOpenSlotsHandler(engine *schedule.Engine, types schedule.TypeCatalog, step time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		typeID, err := uuid.Parse(r.URL.Query().Get("type_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_type_id", "type_id must be a valid UUID")
			return
		}
		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339")
			return
		}
		to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		if err != nil || !to.After(from) {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC 3339 and after from")
			return
		}

		t, err := types.AppointmentType(r.Context(), typeID)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		it, err := engine.OpenSlots(r.Context(), providerID,
			schedule.Interval{Start: from, End: to},
			t.DurationFor(providerID), t.BufferFor(providerID), step)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		slots := make([]SlotResponse, 0, slotListCap)
		for _, iv := range it.Collect(slotListCap) {
			slots = append(slots, SlotResponse{Start: iv.Start, End: iv.End})
		}
		writeJSON(w, http.StatusOK, slots)
	}
}

func lockSlotHandler(locks *slotlock.Manager, types schedule.TypeCatalog, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LockSlotRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		providerID, _ := uuid.Parse(req.ProviderID)
		typeID, _ := uuid.Parse(req.AppointmentTypeID)

		t, err := types.AppointmentType(r.Context(), typeID)
		if err != nil {
			handleDomainError(w, err)
			return
		}

		lock, err := locks.Acquire(r.Context(), providerID,
			schedule.Interval{Start: req.Start, End: req.End},
			t.BufferFor(providerID), slotlock.PurposeBooking, ttl)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toLockResponse(lock))
	}
}

func verifyLockHandler(locks *slotlock.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := pathUUID(w, r, "token")
		if !ok {
			return
		}
		lock, err := locks.Verify(token)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLockResponse(lock))
	}
}

func releaseLockHandler(locks *slotlock.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := pathUUID(w, r, "token")
		if !ok {
			return
		}
		locks.Release(token)
		w.WriteHeader(http.StatusNoContent)
	}
}

func bookAppointmentHandler(svc *ledger.Service, guard redisclient.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		patientID, _ := uuid.Parse(req.PatientID)
		providerID, _ := uuid.Parse(req.ProviderID)
		typeID, _ := uuid.Parse(req.AppointmentTypeID)

		var lockToken *uuid.UUID
		if req.LockToken != "" {
			token, err := uuid.Parse(req.LockToken)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_lock_token", "lock_token must be a valid UUID")
				return
			}
			lockToken = &token
		}

		var appt *ledger.Appointment
		err := guard.WithProviderCalendar(r.Context(), providerID, func(ctx context.Context) error {
			var bookErr error
			appt, bookErr = svc.Book(ctx, patientID, providerID, typeID, req.Start, lockToken)
			return bookErr
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.ListByPatient(r.Context(), patientID, limit, offset)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		out := make([]AppointmentResponse, 0, len(appts))
		for _, a := range appts {
			out = append(out, toAppointmentResponse(a))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func listProviderAppointmentsHandler(svc *ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC 3339")
			return
		}
		to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
		if err != nil || !to.After(from) {
			writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC 3339 and after from")
			return
		}

		appts, err := svc.ListByProvider(r.Context(), providerID, schedule.Interval{Start: from, End: to})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		out := make([]AppointmentResponse, 0, len(appts))
		for _, a := range appts {
			out = append(out, toAppointmentResponse(a))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func cancelAppointmentHandler(svc *ledger.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req CancelAppointmentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		appt, err := svc.Cancel(r.Context(), id, toActor(req.Actor), req.Reason)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *ledger.Service, guard redisclient.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleAppointmentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		// A reschedule writes the provider's calendar like a booking does,
		// so it goes through the same calendar guard.
		current, err := svc.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		var appt *ledger.Appointment
		err = guard.WithProviderCalendar(r.Context(), current.ProviderID, func(ctx context.Context) error {
			var rErr error
			appt, rErr = svc.Reschedule(ctx, id, req.NewStart, toActor(req.Actor), req.Reason)
			return rErr
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func transitionHandler(apply func(ctx context.Context, id uuid.UUID) (*ledger.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		appt, err := apply(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func addWaitlistHandler(coord *waitlist.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddWaitlistRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		patientID, _ := uuid.Parse(req.PatientID)
		providerID, _ := uuid.Parse(req.ProviderID)
		typeID, _ := uuid.Parse(req.AppointmentTypeID)

		entry, err := coord.Add(r.Context(), patientID, providerID, typeID,
			req.RangeStart, req.RangeEnd, req.Priority, waitlist.ContactPrefs{
				Email: req.Contact.Email,
				SMS:   req.Contact.SMS,
				Push:  req.Contact.Push,
			})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toWaitlistResponse(entry))
	}
}

func getWaitlistHandler(coord *waitlist.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		entry, err := coord.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWaitlistResponse(entry))
	}
}

func cancelWaitlistHandler(coord *waitlist.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		entry, err := coord.CancelEntry(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWaitlistResponse(entry))
	}
}

func respondOfferHandler(coord *waitlist.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		offerID, ok := pathUUID(w, r, "offerID")
		if !ok {
			return
		}
		var req RespondOfferRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		entry, err := coord.Respond(r.Context(), entryID, offerID, req.Decision == "accept")
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toWaitlistResponse(entry))
	}
}

func registerUnavailabilityHandler(resched *emergency.Rescheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req RegisterUnavailabilityRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		report, err := resched.RegisterUnavailability(r.Context(), providerID, req.Start, req.End, req.Reason)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toUnavailabilityResponse(report))
	}
}

func applyProposalHandler(resched *emergency.Rescheduler, svc *ledger.Service, guard redisclient.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leaveID, ok := pathUUID(w, r, "leaveID")
		if !ok {
			return
		}
		var req ApplyProposalRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		apptID, _ := uuid.Parse(req.AppointmentID)

		// Applying a proposal reschedules the appointment, so it writes
		// the provider's calendar under the same guard as booking.
		current, err := svc.Get(r.Context(), apptID)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		var appt *ledger.Appointment
		err = guard.WithProviderCalendar(r.Context(), current.ProviderID, func(ctx context.Context) error {
			var aErr error
			appt, aErr = resched.ApplyProposal(ctx, apptID, req.NewStart, leaveID)
			return aErr
		})
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAffectedHandler(resched *emergency.Rescheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		leaveID, ok := pathUUID(w, r, "leaveID")
		if !ok {
			return
		}
		var req CancelAffectedRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		apptID, _ := uuid.Parse(req.AppointmentID)

		appt, err := resched.CancelAffected(r.Context(), apptID, leaveID, req.Reason)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func toActor(a ActorRequest) ledger.Actor {
	id, _ := uuid.Parse(a.ID)
	return ledger.Actor{ID: id, Role: a.Role, CanOverrideCutoff: a.OverrideCutoff}
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// handleDomainError maps sentinel errors onto HTTP statuses. Conflict
// and expiry are expected, retryable conditions, not server faults.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, schedule.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, schedule.ErrTypeNotFound):
		writeError(w, http.StatusNotFound, "appointment_type_not_found", err.Error())
	case errors.Is(err, slotlock.ErrLockNotFound):
		writeError(w, http.StatusNotFound, "lock_not_found", err.Error())
	case errors.Is(err, slotlock.ErrLockExpired):
		writeError(w, http.StatusGone, "lock_expired", err.Error())
	case errors.Is(err, slotlock.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", "slot is taken or being held, pick another")
	case errors.Is(err, ledger.ErrLockMismatch):
		writeError(w, http.StatusConflict, "lock_mismatch", err.Error())
	case errors.Is(err, ledger.ErrCancellationWindow):
		writeError(w, http.StatusUnprocessableEntity, "cancellation_window_closed", err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, waitlist.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "waitlist_entry_not_found", err.Error())
	case errors.Is(err, waitlist.ErrOfferNotFound):
		writeError(w, http.StatusNotFound, "offer_not_found", err.Error())
	case errors.Is(err, waitlist.ErrStaleOffer):
		writeError(w, http.StatusConflict, "stale_offer", "offer has already been resolved or expired")
	case errors.Is(err, waitlist.ErrEntryClosed):
		writeError(w, http.StatusConflict, "waitlist_entry_closed", err.Error())
	case errors.Is(err, waitlist.ErrInvalidPriority),
		errors.Is(err, waitlist.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_waitlist_request", err.Error())
	case errors.Is(err, redisclient.ErrCalendarBusy):
		writeError(w, http.StatusConflict, "calendar_busy", "provider calendar is busy, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
