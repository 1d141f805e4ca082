package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/promptuario/clinic-scheduling/internal/scheduling"
)

type BookAppointmentRequest struct {
	DoctorID        string `json:"doctor_id"`
	PatientID       string `json:"patient_id"`
	Date            string `json:"date"` // 2006-01-02
	Time            string `json:"time"` // 15:04
	Reason          string `json:"reason"`
	AppointmentType string `json:"appointment_type,omitempty"`
	ReturnRequestID string `json:"return_request_id,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type RescheduleAppointmentRequest struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	DoctorID string `json:"doctor_id,omitempty"` // empty keeps the original doctor
	Reason   string `json:"reason,omitempty"`
}

type ReturnRequestRequest struct {
	Notes string `json:"notes,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	DoctorID           uuid.UUID  `json:"doctor_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	Date               string     `json:"date"`
	Time               string     `json:"time"`
	DurationMinutes    int        `json:"duration_minutes"`
	AppointmentType    string     `json:"appointment_type"`
	Status             string     `json:"status"`
	Reason             string     `json:"reason"`
	Notes              string     `json:"notes,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	RescheduledTo      *uuid.UUID `json:"rescheduled_to,omitempty"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		DoctorID:           a.DoctorID,
		PatientID:          a.PatientID,
		Date:               a.ScheduledDate.Format("2006-01-02"),
		Time:               a.ScheduledTime.String(),
		DurationMinutes:    a.DurationMinutes,
		AppointmentType:    string(a.Type),
		Status:             string(a.Status),
		Reason:             a.Reason,
		Notes:              a.Notes,
		CancelledAt:        a.CancelledAt,
		CancellationReason: a.CancellationReason,
		RescheduledTo:      a.RescheduledTo,
	}
}

type SlotResponse struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type SlotsResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Slots    []SlotResponse `json:"slots"`
}

type ReturnRequestResponse struct {
	ID                    uuid.UUID  `json:"id"`
	OriginalAppointmentID uuid.UUID  `json:"original_appointment_id"`
	PatientID             uuid.UUID  `json:"patient_id"`
	DoctorID              uuid.UUID  `json:"doctor_id"`
	Status                string     `json:"status"`
	Notes                 string     `json:"notes,omitempty"`
	NewAppointmentID      *uuid.UUID `json:"new_appointment_id,omitempty"`
}

func toReturnRequestResponse(rr *scheduling.ReturnRequest) ReturnRequestResponse {
	return ReturnRequestResponse{
		ID:                    rr.ID,
		OriginalAppointmentID: rr.OriginalAppointmentID,
		PatientID:             rr.PatientID,
		DoctorID:              rr.DoctorID,
		Status:                string(rr.Status),
		Notes:                 rr.Notes,
		NewAppointmentID:      rr.NewAppointmentID,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
