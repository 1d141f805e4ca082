package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound        = errors.New("doctor not found")
	ErrPatientNotFound       = errors.New("patient not found")
	ErrAppointmentNotFound   = errors.New("appointment not found")
	ErrReturnRequestNotFound = errors.New("return request not found")

	// ErrSlotTaken: an active appointment already occupies the slot.
	ErrSlotTaken = errors.New("slot already has an active appointment")
	// ErrInconsistent: an atomicity guarantee could not be upheld. Should be
	// unreachable when transactions are scoped correctly; never swallowed.
	ErrInconsistent = errors.New("appointment state changed mid-operation")
)

// ListFilter narrows ListAppointments. Zero UUIDs mean no filter.
type ListFilter struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Limit     int
	Offset    int
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// For conflict checks and slot generation
	HasActiveAppointment(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) (bool, error)
	ListActiveSlots(ctx context.Context, doctorID uuid.UUID, fromDate, toDate time.Time) ([]Slot, error)

	// CreateAppointment inserts the appointment and, when fulfills is set,
	// marks that pending return request scheduled in the same transaction.
	// A violation of the active-slot uniqueness backstop maps to ErrSlotTaken.
	CreateAppointment(ctx context.Context, appt *Appointment, fulfills *uuid.UUID) (*Appointment, error)

	// UpdateAppointmentStatus is a compare-and-set transition; a miss returns
	// ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	// CancelAppointment is the cancel-specific CAS: it also records
	// cancelled_at and the cancellation reason.
	CancelAppointment(ctx context.Context, id uuid.UUID, from Status, reason string, at time.Time) (*Appointment, error)

	// RescheduleAppointment atomically inserts the replacement, cancels the
	// original (CAS from its observed status) and links the two. A CAS miss
	// aborts the transaction with ErrInconsistent; a uniqueness violation on
	// the replacement aborts with ErrSlotTaken.
	RescheduleAppointment(ctx context.Context, original *Appointment, replacement *Appointment, cancelReason string, at time.Time) (*Appointment, error)

	CreateReturnRequest(ctx context.Context, rr *ReturnRequest) (*ReturnRequest, error)
	GetReturnRequestByID(ctx context.Context, id uuid.UUID) (*ReturnRequest, error)
	UpdateReturnRequestStatus(ctx context.Context, id uuid.UUID, from, to ReturnStatus) (*ReturnRequest, error)

	// Reminder worker
	FindNeedingReminder(ctx context.Context, from, to time.Time) ([]Appointment, error)

	InsertNotification(ctx context.Context, n Notification) error
	InsertEvent(ctx context.Context, ev ScheduleEvent) error
}
