package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusCheckedIn  Status = "checked_in"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// ActiveStatuses are the statuses that occupy a doctor's slot. Terminal
// appointments free the slot immediately.
var ActiveStatuses = []Status{StatusScheduled, StatusConfirmed, StatusCheckedIn, StatusInProgress}

func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type AppointmentType string

const (
	TypeFirstVisit AppointmentType = "first_visit"
	TypeReturn     AppointmentType = "return"
	TypeEmergency  AppointmentType = "emergency"
	TypeRoutine    AppointmentType = "routine"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeFirstVisit, TypeReturn, TypeEmergency, TypeRoutine:
		return true
	}
	return false
}

// TimeOfDay is a clock time expressed as minutes since midnight.
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay parses "15:04" clock strings.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute()), nil
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// At anchors the clock time on a calendar day in the given location.
func (t TimeOfDay) At(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Accepting bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	ScheduledDate   time.Time // calendar day, time part zero
	ScheduledTime   TimeOfDay
	DurationMinutes int
	Type            AppointmentType
	Status          Status

	Reason string
	Notes  string

	CreatedBy          uuid.UUID
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CancelledAt        *time.Time
	CancellationReason string

	// RescheduledTo links the original appointment to its replacement.
	RescheduledTo *uuid.UUID
}

// StartAt is the appointment's start instant in clinic-local time.
func (a *Appointment) StartAt(loc *time.Location) time.Time {
	return a.ScheduledTime.At(a.ScheduledDate, loc)
}

// SlotKey identifies the (doctor, date, time) resource an active appointment
// occupies. It doubles as the distributed lock key suffix.
func SlotKey(doctorID uuid.UUID, date time.Time, t TimeOfDay) string {
	return fmt.Sprintf("%s:%s:%s", doctorID, date.Format("2006-01-02"), t)
}

// DateOnly strips the clock from t, keeping its calendar day. Dates are
// normalized to UTC midnight so SlotKey and storage agree on the day.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Slot is a candidate (date, time) pair for a doctor. Derived, never stored.
type Slot struct {
	Date time.Time
	Time TimeOfDay
}

func (s Slot) StartAt(loc *time.Location) time.Time {
	return s.Time.At(s.Date, loc)
}

type ReturnStatus string

const (
	ReturnPending   ReturnStatus = "pending"
	ReturnScheduled ReturnStatus = "scheduled"
	ReturnCancelled ReturnStatus = "cancelled"
)

// ReturnRequest asks for a follow-up visit after an appointment. It is
// fulfilled as a side effect of booking, not through a booking path of its own.
type ReturnRequest struct {
	ID                    uuid.UUID
	OriginalAppointmentID uuid.UUID
	PatientID             uuid.UUID
	DoctorID              uuid.UUID
	RequestedBy           uuid.UUID
	Status                ReturnStatus
	Notes                 string
	NewAppointmentID      *uuid.UUID
	CreatedAt             time.Time
}

type NotificationType string

const (
	NotificationReminder      NotificationType = "reminder"
	NotificationCancellation  NotificationType = "cancellation"
	NotificationRescheduling  NotificationType = "rescheduling"
	NotificationDoctorAbsence NotificationType = "doctor_absence"
)

type Notification struct {
	ID            int64
	AppointmentID uuid.UUID
	Type          NotificationType
	Message       string
	SentAt        time.Time
	IsRead        bool
}

type ScheduleEvent struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
