package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/promptuario/clinic-scheduling/internal/config"
	"github.com/promptuario/clinic-scheduling/internal/metrics"
	redisclient "github.com/promptuario/clinic-scheduling/internal/redis"
)

const (
	EventBooked          = "APPOINTMENT_BOOKED"
	EventConfirmed       = "APPOINTMENT_CONFIRMED"
	EventCheckedIn       = "APPOINTMENT_CHECKED_IN"
	EventInProgress      = "APPOINTMENT_IN_PROGRESS"
	EventCompleted       = "APPOINTMENT_COMPLETED"
	EventCancelled       = "APPOINTMENT_CANCELLED"
	EventNoShow          = "APPOINTMENT_NO_SHOW"
	EventRescheduled     = "APPOINTMENT_RESCHEDULED"
	EventReturnRequested = "RETURN_REQUESTED"
	EventReturnFulfilled = "RETURN_FULFILLED"
	EventReminderSent    = "REMINDER_SENT"
)

var (
	ErrOutOfHours        = errors.New("requested time is outside business hours")
	ErrPastOrImmediate   = errors.New("requested time must be in the future")
	ErrForbidden         = errors.New("actor lacks authority for this action")
	ErrDoctorUnavailable = errors.New("doctor is not accepting bookings")
	ErrSlotBeingBooked   = errors.New("slot is currently being booked, please retry")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("booking reason is required")
	ErrInvalidType       = errors.New("invalid appointment type")
)

// EventSink receives lifecycle events for downstream messaging.
// Fire-and-forget: a failed publish is logged, never surfaced.
type EventSink interface {
	Publish(ctx context.Context, eventType string, payload map[string]any) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, string, map[string]any) error { return nil }

// Service is the booking coordinator: the only component with write
// authority over appointment state.
type Service struct {
	repo     Repository
	locker   redisclient.Locker
	sink     EventSink
	met      *metrics.SchedulingMetrics
	schedule ScheduleProvider
	cfg      config.Config
	loc      *time.Location
	now      func() time.Time
}

// NewService builds the coordinator. A nil provider falls back to a static
// Monday-Friday schedule parsed from cfg.WorkingHours; a nil sink discards
// events; nil metrics disable instrumentation.
func NewService(repo Repository, locker redisclient.Locker, sink EventSink, met *metrics.SchedulingMetrics, provider ScheduleProvider, cfg config.Config) (*Service, error) {
	if provider == nil {
		windows, err := ParseWindows(cfg.WorkingHours)
		if err != nil {
			return nil, fmt.Errorf("working hours: %w", err)
		}
		provider = StaticSchedule{Template: NewWeekdayTemplate(windows)}
	}
	if sink == nil {
		sink = NopSink{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		sink:     sink,
		met:      met,
		schedule: provider,
		cfg:      cfg,
		loc:      loc,
		now:      time.Now,
	}, nil
}

// SetNowFunc overrides the clock; tests supply fixed instants.
func (s *Service) SetNowFunc(fn func() time.Time) {
	s.now = fn
}

// AvailableSlots computes the open slots for the doctor from tomorrow
// through horizonDays ahead (the configured horizon when horizonDays <= 0).
func (s *Service) AvailableSlots(ctx context.Context, doctorID uuid.UUID, horizonDays int) ([]Slot, error) {
	if horizonDays <= 0 {
		horizonDays = s.cfg.HorizonDays
	}

	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Accepting {
		return nil, ErrDoctorUnavailable
	}

	now := s.now().In(s.loc)
	from := DateOnly(now.AddDate(0, 0, 1))
	to := DateOnly(now.AddDate(0, 0, horizonDays))

	bookedSlots, err := s.repo.ListActiveSlots(ctx, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}
	booked := make(map[string]bool, len(bookedSlots))
	for _, b := range bookedSlots {
		booked[SlotKey(doctorID, b.Date, b.Time)] = true
	}

	start := time.Now()
	slots := GenerateSlots(s.schedule, doctorID, now, horizonDays, s.cfg.SlotMinutes, booked, s.loc)
	s.met.ObserveSlotGeneration(time.Since(start).Seconds())

	return slots, nil
}

// HasConflict reports whether an active appointment occupies the slot.
func (s *Service) HasConflict(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) (bool, error) {
	return s.repo.HasActiveAppointment(ctx, doctorID, DateOnly(date), t)
}

type BookParams struct {
	DoctorID  uuid.UUID
	PatientID uuid.UUID
	Date      time.Time
	Time      TimeOfDay
	Reason    string
	Type      AppointmentType

	// ReturnRequestID fulfills a pending return request in the same
	// transaction as the booking.
	ReturnRequestID *uuid.UUID
}

// Book reserves a slot for a patient. The conflict check is re-run inside a
// per-slot distributed lock so concurrent requests for the same slot cannot
// both succeed; the partial unique index is the storage backstop.
func (s *Service) Book(ctx context.Context, p BookParams, actor Actor) (*Appointment, error) {
	appt, err := s.book(ctx, p, actor)
	s.met.ObserveBooking(bookingOutcome(err))
	return appt, err
}

func (s *Service) book(ctx context.Context, p BookParams, actor Actor) (*Appointment, error) {
	if p.Reason == "" {
		return nil, ErrReasonRequired
	}
	if p.Type == "" {
		p.Type = TypeFirstVisit
	}
	if !p.Type.Valid() {
		return nil, ErrInvalidType
	}

	if _, err := s.repo.GetPatientByID(ctx, p.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	date := DateOnly(p.Date)
	now := s.now()

	if err := s.validateNewSlot(ctx, p.DoctorID, date, p.Time, now); err != nil {
		return nil, err
	}

	// Pre-check for a friendly error before entering the critical section.
	taken, err := s.repo.HasActiveAppointment(ctx, p.DoctorID, date, p.Time)
	if err != nil {
		return nil, fmt.Errorf("check conflict: %w", err)
	}
	if taken {
		return nil, ErrSlotTaken
	}

	if !actor.Role.Valid() || !actor.CanBook(p.PatientID, p.DoctorID) {
		return nil, ErrForbidden
	}

	if p.ReturnRequestID != nil {
		rr, err := s.repo.GetReturnRequestByID(ctx, *p.ReturnRequestID)
		if err != nil {
			return nil, err
		}
		if rr.Status != ReturnPending || rr.PatientID != p.PatientID {
			return nil, ErrReturnRequestNotFound
		}
		p.Type = TypeReturn
	}

	var created *Appointment

	err = s.locker.WithSlotLock(ctx, SlotKey(p.DoctorID, date, p.Time), func(lockCtx context.Context) error {
		// Re-check inside the critical section.
		taken, err := s.repo.HasActiveAppointment(lockCtx, p.DoctorID, date, p.Time)
		if err != nil {
			return fmt.Errorf("check conflict: %w", err)
		}
		if taken {
			return ErrSlotTaken
		}

		appt := &Appointment{
			ID:              uuid.New(),
			DoctorID:        p.DoctorID,
			PatientID:       p.PatientID,
			ScheduledDate:   date,
			ScheduledTime:   p.Time,
			DurationMinutes: s.cfg.SlotMinutes,
			Type:            p.Type,
			Status:          StatusScheduled,
			Reason:          p.Reason,
			CreatedBy:       actor.UserID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		created, err = s.repo.CreateAppointment(lockCtx, appt, p.ReturnRequestID)
		if err != nil {
			return err
		}

		s.logEvent(lockCtx, created.ID, EventBooked, map[string]any{
			"doctor_id":  p.DoctorID.String(),
			"patient_id": p.PatientID.String(),
			"date":       date.Format("2006-01-02"),
			"time":       p.Time.String(),
		})
		if p.ReturnRequestID != nil {
			s.logEvent(lockCtx, created.ID, EventReturnFulfilled, map[string]any{
				"return_request_id": p.ReturnRequestID.String(),
			})
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.publish(ctx, EventBooked, map[string]any{
		"appointment_id": created.ID.String(),
		"doctor_id":      created.DoctorID.String(),
		"patient_id":     created.PatientID.String(),
	})

	return created, nil
}

// Cancel applies the cancellation policy. An ineligible appointment (wrong
// status or inside the notice window) yields false with no error and no state
// change; only authority and storage failures are errors.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, actor Actor) (bool, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return false, err
	}

	if !actor.CanCancel(appt) {
		s.met.ObserveCancellation("forbidden")
		return false, ErrForbidden
	}

	now := s.now()
	if !CanBeCancelled(appt, now, s.cfg.CancellationNotice, s.loc) {
		s.met.ObserveCancellation("policy_violation")
		return false, nil
	}

	cancelled, err := s.repo.CancelAppointment(ctx, id, appt.Status, reason, now)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Lost a CAS race: someone else transitioned it first.
			s.met.ObserveCancellation("policy_violation")
			return false, nil
		}
		s.met.ObserveCancellation("error")
		return false, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, cancelled.ID, EventCancelled, map[string]any{
		"reason": reason,
		"actor":  string(actor.Role),
	})
	s.notifyAppointment(ctx, cancelled, NotificationCancellation,
		fmt.Sprintf("Appointment on %s at %s was cancelled", cancelled.ScheduledDate.Format("2006-01-02"), cancelled.ScheduledTime))
	s.publish(ctx, EventCancelled, map[string]any{
		"appointment_id": cancelled.ID.String(),
	})
	s.met.ObserveCancellation("success")

	return true, nil
}

type RescheduleParams struct {
	Date time.Time
	Time TimeOfDay

	// NewDoctorID moves the booking to another doctor; nil keeps the original.
	NewDoctorID *uuid.UUID

	// Reason for the replacement appointment; when empty a reference to the
	// original slot is synthesized (reason is never carried over).
	Reason string
}

// Reschedule replaces an active appointment with a new one: create-then-
// cancel in a single storage transaction, never an in-place move, so the
// audit trail keeps one row per booking. On failure the original is
// untouched and no replacement exists.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, p RescheduleParams, actor Actor) (*Appointment, error) {
	appt, err := s.reschedule(ctx, id, p, actor)
	s.met.ObserveReschedule(bookingOutcome(err))
	return appt, err
}

func (s *Service) reschedule(ctx context.Context, id uuid.UUID, p RescheduleParams, actor Actor) (*Appointment, error) {
	original, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !original.Status.IsActive() {
		return nil, ErrInvalidTransition
	}

	doctorID := original.DoctorID
	if p.NewDoctorID != nil {
		doctorID = *p.NewDoctorID
	}

	if !actor.CanCancel(original) || !actor.CanBook(original.PatientID, doctorID) {
		return nil, ErrForbidden
	}

	date := DateOnly(p.Date)
	now := s.now()

	if err := s.validateNewSlot(ctx, doctorID, date, p.Time, now); err != nil {
		return nil, err
	}

	taken, err := s.repo.HasActiveAppointment(ctx, doctorID, date, p.Time)
	if err != nil {
		return nil, fmt.Errorf("check conflict: %w", err)
	}
	if taken {
		return nil, ErrSlotTaken
	}

	reason := p.Reason
	if reason == "" {
		reason = fmt.Sprintf("Rescheduled from %s at %s",
			original.ScheduledDate.Format("2006-01-02"), original.ScheduledTime)
	}
	cancelReason := fmt.Sprintf("Rescheduled to %s at %s", date.Format("2006-01-02"), p.Time)

	replacement := &Appointment{
		ID:              uuid.New(),
		DoctorID:        doctorID,
		PatientID:       original.PatientID,
		ScheduledDate:   date,
		ScheduledTime:   p.Time,
		DurationMinutes: original.DurationMinutes,
		Type:            original.Type,
		Status:          StatusScheduled,
		Reason:          reason,
		CreatedBy:       actor.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var created *Appointment

	err = s.locker.WithSlotLock(ctx, SlotKey(doctorID, date, p.Time), func(lockCtx context.Context) error {
		taken, err := s.repo.HasActiveAppointment(lockCtx, doctorID, date, p.Time)
		if err != nil {
			return fmt.Errorf("check conflict: %w", err)
		}
		if taken {
			return ErrSlotTaken
		}

		created, err = s.repo.RescheduleAppointment(lockCtx, original, replacement, cancelReason, now)
		if err != nil {
			return err
		}

		s.logEvent(lockCtx, original.ID, EventRescheduled, map[string]any{
			"new_appointment_id": created.ID.String(),
			"date":               date.Format("2006-01-02"),
			"time":               p.Time.String(),
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.notifyAppointment(ctx, original, NotificationRescheduling,
		fmt.Sprintf("Appointment moved to %s at %s", date.Format("2006-01-02"), p.Time))
	s.publish(ctx, EventRescheduled, map[string]any{
		"original_appointment_id": original.ID.String(),
		"new_appointment_id":      created.ID.String(),
	})

	return created, nil
}

// Confirm moves a scheduled appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanConfirm(appt) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, appt, StatusConfirmed, EventConfirmed, actor)
}

// CheckIn is the front-desk arrival mark.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanCheckIn() {
		return nil, ErrForbidden
	}
	return s.transition(ctx, appt, StatusCheckedIn, EventCheckedIn, actor)
}

// BeginCare marks the start of the encounter by the assigned doctor.
func (s *Service) BeginCare(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanBeginCare(appt) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, appt, StatusInProgress, EventInProgress, actor)
}

// Complete is the medical-record signal: the assigned doctor finalized the
// record, closing the appointment.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanComplete(appt) {
		return nil, ErrForbidden
	}
	return s.transition(ctx, appt, StatusCompleted, EventCompleted, actor)
}

// MarkNoShow records that the patient did not appear.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanMarkNoShow() {
		return nil, ErrForbidden
	}
	return s.transition(ctx, appt, StatusNoShow, EventNoShow, actor)
}

func (s *Service) transition(ctx context.Context, appt *Appointment, to Status, event string, actor Actor) (*Appointment, error) {
	if !CanTransition(appt.Status, to) {
		return nil, ErrInvalidTransition
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// CAS miss: the appointment moved concurrently.
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("transition to %s: %w", to, err)
	}

	s.logEvent(ctx, updated.ID, event, map[string]any{
		"actor": string(actor.Role),
	})
	s.publish(ctx, event, map[string]any{
		"appointment_id": updated.ID.String(),
	})
	s.met.ObserveTransition(string(to))

	return updated, nil
}

// RequestReturn opens a pending follow-up request for a completed
// appointment. It is fulfilled later as a side effect of booking.
func (s *Service) RequestReturn(ctx context.Context, originalID uuid.UUID, notes string, actor Actor) (*ReturnRequest, error) {
	original, err := s.repo.GetAppointmentByID(ctx, originalID)
	if err != nil {
		return nil, err
	}
	if !actor.CanCancel(original) {
		return nil, ErrForbidden
	}
	if original.Status != StatusCompleted {
		return nil, ErrInvalidTransition
	}

	rr := &ReturnRequest{
		ID:                    uuid.New(),
		OriginalAppointmentID: original.ID,
		PatientID:             original.PatientID,
		DoctorID:              original.DoctorID,
		RequestedBy:           actor.UserID,
		Status:                ReturnPending,
		Notes:                 notes,
		CreatedAt:             s.now(),
	}

	created, err := s.repo.CreateReturnRequest(ctx, rr)
	if err != nil {
		return nil, fmt.Errorf("create return request: %w", err)
	}

	s.logEvent(ctx, original.ID, EventReturnRequested, map[string]any{
		"return_request_id": created.ID.String(),
	})

	return created, nil
}

// CancelReturnRequest drops a pending return request.
func (s *Service) CancelReturnRequest(ctx context.Context, id uuid.UUID, actor Actor) (*ReturnRequest, error) {
	rr, err := s.repo.GetReturnRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RolePatient && actor.ProfileID != rr.PatientID {
		return nil, ErrForbidden
	}
	if actor.Role == RoleDoctor && actor.ProfileID != rr.DoctorID {
		return nil, ErrForbidden
	}

	updated, err := s.repo.UpdateReturnRequestStatus(ctx, id, ReturnPending, ReturnCancelled)
	if err != nil {
		if errors.Is(err, ErrReturnRequestNotFound) {
			return nil, ErrInvalidTransition
		}
		return nil, fmt.Errorf("cancel return request: %w", err)
	}
	return updated, nil
}

// GetAppointment retrieves an appointment the actor may see.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanView(appt) {
		return nil, ErrForbidden
	}
	return appt, nil
}

// ListAppointments scopes the listing to what the actor may see: patients
// their own, doctors their own, attendants and admins everything.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter, actor Actor) ([]Appointment, error) {
	switch actor.Role {
	case RolePatient:
		f.PatientID = actor.ProfileID
	case RoleDoctor:
		f.DoctorID = actor.ProfileID
	case RoleAttendant, RoleAdmin:
	default:
		return nil, ErrForbidden
	}
	return s.repo.ListAppointments(ctx, f)
}

// SendDueReminders is called periodically by the reminder worker. It emits
// one reminder per active appointment starting inside the lead window.
func (s *Service) SendDueReminders(ctx context.Context) (int, error) {
	now := s.now().In(s.loc)
	from := naive(now)
	to := naive(now.Add(s.cfg.ReminderLead))

	due, err := s.repo.FindNeedingReminder(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("find appointments needing reminder: %w", err)
	}

	sent := 0
	for i := range due {
		appt := &due[i]
		msg := fmt.Sprintf("Reminder: appointment on %s at %s",
			appt.ScheduledDate.Format("2006-01-02"), appt.ScheduledTime)

		if err := s.repo.InsertNotification(ctx, Notification{
			AppointmentID: appt.ID,
			Type:          NotificationReminder,
			Message:       msg,
			SentAt:        s.now(),
		}); err != nil {
			log.Printf("failed to record reminder for appointment %s: %v", appt.ID, err)
			continue
		}

		s.logEvent(ctx, appt.ID, EventReminderSent, map[string]any{})
		s.publish(ctx, EventReminderSent, map[string]any{
			"appointment_id": appt.ID.String(),
		})
		sent++
	}

	return sent, nil
}

func (s *Service) validateNewSlot(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay, now time.Time) error {
	doctor, err := s.repo.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return err
	}
	if !doctor.Accepting {
		return ErrDoctorUnavailable
	}

	start := t.At(date, s.loc)
	if !start.After(now) {
		return ErrPastOrImmediate
	}
	if !withinHours(s.schedule, doctorID, date, t, s.cfg.SlotMinutes) {
		return ErrOutOfHours
	}
	if !s.schedule.IsAvailable(doctorID, start) {
		return ErrDoctorUnavailable
	}
	return nil
}

func (s *Service) notifyAppointment(ctx context.Context, appt *Appointment, kind NotificationType, msg string) {
	err := s.repo.InsertNotification(ctx, Notification{
		AppointmentID: appt.ID,
		Type:          kind,
		Message:       msg,
		SentAt:        s.now(),
	})
	if err != nil {
		log.Printf("failed to record %s notification for appointment %s: %v", kind, appt.ID, err)
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	apptID := appointmentID

	ev := ScheduleEvent{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert schedule event %s for appointment %s: %v", eventType, appointmentID, err)
	}
}

func (s *Service) publish(ctx context.Context, eventType string, payload map[string]any) {
	if err := s.sink.Publish(ctx, eventType, payload); err != nil {
		log.Printf("failed to publish event %s: %v", eventType, err)
	}
}

// naive reinterprets clinic-local wall time as UTC so it compares against
// the timezone-less scheduled_date + scheduled_time columns.
func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}

func bookingOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrSlotTaken):
		return "slot_taken"
	case errors.Is(err, ErrSlotBeingBooked):
		return "contended"
	case errors.Is(err, ErrOutOfHours):
		return "out_of_hours"
	case errors.Is(err, ErrPastOrImmediate):
		return "past"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}
