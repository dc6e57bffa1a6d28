package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/clinicops/scheduling-engine/internal/emergency"
	"github.com/clinicops/scheduling-engine/internal/ledger"
	"github.com/clinicops/scheduling-engine/internal/slotlock"
	"github.com/clinicops/scheduling-engine/internal/waitlist"
)

var validate = validator.New()

type LockSlotRequest struct {
	ProviderID        string    `json:"provider_id" validate:"required,uuid"`
	AppointmentTypeID string    `json:"appointment_type_id" validate:"required,uuid"`
	Start             time.Time `json:"start" validate:"required"`
	End               time.Time `json:"end" validate:"required,gtfield=Start"`
}

type LockResponse struct {
	Token     uuid.UUID `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type BookAppointmentRequest struct {
	PatientID         string    `json:"patient_id" validate:"required,uuid"`
	ProviderID        string    `json:"provider_id" validate:"required,uuid"`
	AppointmentTypeID string    `json:"appointment_type_id" validate:"required,uuid"`
	Start             time.Time `json:"start" validate:"required"`
	LockToken         string    `json:"lock_token" validate:"omitempty,uuid"`
}

type ActorRequest struct {
	ID             string `json:"id" validate:"required,uuid"`
	Role           string `json:"role" validate:"required,oneof=patient provider admin system"`
	OverrideCutoff bool   `json:"override_cutoff"`
}

type CancelAppointmentRequest struct {
	Actor  ActorRequest `json:"actor" validate:"required"`
	Reason string       `json:"reason" validate:"max=500"`
}

type RescheduleAppointmentRequest struct {
	NewStart time.Time    `json:"new_start" validate:"required"`
	Actor    ActorRequest `json:"actor" validate:"required"`
	Reason   string       `json:"reason" validate:"max=500"`
}

type AppointmentResponse struct {
	ID                uuid.UUID  `json:"id"`
	PatientID         uuid.UUID  `json:"patient_id"`
	ProviderID        uuid.UUID  `json:"provider_id"`
	AppointmentTypeID uuid.UUID  `json:"appointment_type_id"`
	Start             time.Time  `json:"start"`
	End               time.Time  `json:"end"`
	BufferMinutes     int        `json:"buffer_minutes"`
	Status            string     `json:"status"`
	RescheduledTo     *uuid.UUID `json:"rescheduled_to,omitempty"`
	RescheduledFrom   *uuid.UUID `json:"rescheduled_from,omitempty"`
	CancelReason      string     `json:"cancel_reason,omitempty"`
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type AddWaitlistRequest struct {
	PatientID         string    `json:"patient_id" validate:"required,uuid"`
	ProviderID        string    `json:"provider_id" validate:"required,uuid"`
	AppointmentTypeID string    `json:"appointment_type_id" validate:"required,uuid"`
	RangeStart        time.Time `json:"range_start" validate:"required"`
	RangeEnd          time.Time `json:"range_end" validate:"required,gtfield=RangeStart"`
	Priority          int       `json:"priority" validate:"min=0,max=10"`
	Contact           struct {
		Email bool `json:"email"`
		SMS   bool `json:"sms"`
		Push  bool `json:"push"`
	} `json:"contact"`
}

type RespondOfferRequest struct {
	Decision string `json:"decision" validate:"required,oneof=accept decline"`
}

type OfferResponse struct {
	ID        uuid.UUID `json:"id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Status    string    `json:"status"`
	OfferedAt time.Time `json:"offered_at"`
	RespondBy time.Time `json:"respond_by"`
}

type WaitlistEntryResponse struct {
	ID                uuid.UUID       `json:"id"`
	PatientID         uuid.UUID       `json:"patient_id"`
	ProviderID        uuid.UUID       `json:"provider_id"`
	AppointmentTypeID uuid.UUID       `json:"appointment_type_id"`
	RangeStart        time.Time       `json:"range_start"`
	RangeEnd          time.Time       `json:"range_end"`
	Priority          int             `json:"priority"`
	Status            string          `json:"status"`
	Offers            []OfferResponse `json:"offers,omitempty"`
}

type RegisterUnavailabilityRequest struct {
	Start  time.Time `json:"start" validate:"required"`
	End    time.Time `json:"end" validate:"required,gtfield=Start"`
	Reason string    `json:"reason" validate:"required,max=500"`
}

type AffectedAppointmentResponse struct {
	Appointment  AppointmentResponse `json:"appointment"`
	Proposal     *SlotResponse       `json:"proposal,omitempty"`
	ManualReview bool                `json:"manual_review"`
}

type UnavailabilityResponse struct {
	LeaveID  uuid.UUID                     `json:"leave_id"`
	Affected []AffectedAppointmentResponse `json:"affected"`
}

type ApplyProposalRequest struct {
	AppointmentID string    `json:"appointment_id" validate:"required,uuid"`
	NewStart      time.Time `json:"new_start" validate:"required"`
}

type CancelAffectedRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"max=500"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *ledger.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                a.ID,
		PatientID:         a.PatientID,
		ProviderID:        a.ProviderID,
		AppointmentTypeID: a.AppointmentTypeID,
		Start:             a.Start,
		End:               a.End,
		BufferMinutes:     int(a.Buffer.Minutes()),
		Status:            string(a.Status),
		RescheduledTo:     a.RescheduledTo,
		RescheduledFrom:   a.RescheduledFrom,
	}
	if a.Cancellation != nil {
		resp.CancelReason = a.Cancellation.Reason
	}
	return resp
}

func toWaitlistResponse(e *waitlist.WaitlistEntry) WaitlistEntryResponse {
	resp := WaitlistEntryResponse{
		ID:                e.ID,
		PatientID:         e.PatientID,
		ProviderID:        e.ProviderID,
		AppointmentTypeID: e.AppointmentTypeID,
		RangeStart:        e.DateRangeStart,
		RangeEnd:          e.DateRangeEnd,
		Priority:          e.Priority,
		Status:            string(e.Status),
	}
	for _, o := range e.Offers {
		resp.Offers = append(resp.Offers, OfferResponse{
			ID:        o.ID,
			Start:     o.Interval.Start,
			End:       o.Interval.End,
			Status:    string(o.Status),
			OfferedAt: o.OfferedAt,
			RespondBy: o.RespondBy,
		})
	}
	return resp
}

func toLockResponse(l slotlock.SlotLock) LockResponse {
	return LockResponse{Token: l.Token, ExpiresAt: l.ExpiresAt}
}

func toUnavailabilityResponse(r *emergency.Report) UnavailabilityResponse {
	resp := UnavailabilityResponse{LeaveID: r.Leave.ID}
	for _, aff := range r.Affected {
		item := AffectedAppointmentResponse{
			Appointment:  toAppointmentResponse(aff.Appointment),
			ManualReview: aff.ManualReview,
		}
		if aff.Proposal != nil {
			item.Proposal = &SlotResponse{Start: aff.Proposal.Start, End: aff.Proposal.End}
		}
		resp.Affected = append(resp.Affected, item)
	}
	return resp
}

// decodeAndValidate parses the JSON body and runs struct validation;
// a false return means the error response was already written.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
