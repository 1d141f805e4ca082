package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/promptuario/clinic-scheduling/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleServiceError maps the scheduling error taxonomy onto HTTP statuses.
// Every rejection carries a stable code plus an actionable message.
func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, scheduling.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, scheduling.ErrReturnRequestNotFound):
		writeError(w, http.StatusNotFound, "return_request_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", "slot no longer available, choose another")
	case errors.Is(err, scheduling.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, scheduling.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, scheduling.ErrDoctorUnavailable):
		writeError(w, http.StatusConflict, "doctor_unavailable", err.Error())
	case errors.Is(err, scheduling.ErrOutOfHours):
		writeError(w, http.StatusUnprocessableEntity, "out_of_hours", err.Error())
	case errors.Is(err, scheduling.ErrPastOrImmediate):
		writeError(w, http.StatusUnprocessableEntity, "past_or_immediate", err.Error())
	case errors.Is(err, scheduling.ErrReasonRequired):
		writeError(w, http.StatusUnprocessableEntity, "reason_required", err.Error())
	case errors.Is(err, scheduling.ErrInvalidType):
		writeError(w, http.StatusUnprocessableEntity, "invalid_appointment_type", err.Error())
	case errors.Is(err, scheduling.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, scheduling.ErrInconsistent):
		writeError(w, http.StatusInternalServerError, "inconsistent_state", "booking state diverged, operator attention required")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
