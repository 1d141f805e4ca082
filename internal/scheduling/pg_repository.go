package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DB is the subset of pgxpool.Pool the repository needs; pgxmock satisfies
// it in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

const appointmentColumns = `
	id, doctor_id, patient_id, scheduled_date, scheduled_time,
	duration_minutes, appointment_type, status, reason, notes,
	created_by, created_at, updated_at, cancelled_at, cancellation_reason,
	rescheduled_to`

// Helpers

func encodeTimeOfDay(t TimeOfDay) pgtype.Time {
	return pgtype.Time{Microseconds: int64(t) * 60 * 1_000_000, Valid: true}
}

func decodeTimeOfDay(t pgtype.Time) TimeOfDay {
	return TimeOfDay(t.Microseconds / (60 * 1_000_000))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Specialty,
		&d.Accepting,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var scheduledTime pgtype.Time

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.ScheduledDate,
		&scheduledTime,
		&a.DurationMinutes,
		&a.Type,
		&a.Status,
		&a.Reason,
		&a.Notes,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CancelledAt,
		&a.CancellationReason,
		&a.RescheduledTo,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.ScheduledTime = decodeTimeOfDay(scheduledTime)
	return &a, nil
}

func scanReturnRequest(row pgx.Row) (*ReturnRequest, error) {
	var rr ReturnRequest
	err := row.Scan(
		&rr.ID,
		&rr.OriginalAppointmentID,
		&rr.PatientID,
		&rr.DoctorID,
		&rr.RequestedBy,
		&rr.Status,
		&rr.Notes,
		&rr.NewAppointmentID,
		&rr.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReturnRequestNotFound
		}
		return nil, err
	}
	return &rr, nil
}

// Interface methods

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, specialty, accepting, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1::uuid IS NULL OR patient_id = $1)
		  AND ($2::uuid IS NULL OR doctor_id = $2)
		ORDER BY scheduled_date, scheduled_time
		LIMIT $3 OFFSET $4
	`, nullableUUID(f.PatientID), nullableUUID(f.DoctorID), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) HasActiveAppointment(ctx context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1
			  AND scheduled_date = $2
			  AND scheduled_time = $3
			  AND status = ANY($4)
		)
	`, doctorID, date, encodeTimeOfDay(t), activeStatusStrings()).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *PgRepository) ListActiveSlots(ctx context.Context, doctorID uuid.UUID, fromDate, toDate time.Time) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT scheduled_date, scheduled_time
		FROM appointments
		WHERE doctor_id = $1
		  AND scheduled_date BETWEEN $2 AND $3
		  AND status = ANY($4)
		ORDER BY scheduled_date, scheduled_time
	`, doctorID, fromDate, toDate, activeStatusStrings())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		var s Slot
		var t pgtype.Time
		if err := rows.Scan(&s.Date, &t); err != nil {
			return nil, err
		}
		s.Time = decodeTimeOfDay(t)
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func (r *PgRepository) CreateAppointment(ctx context.Context, appt *Appointment, fulfills *uuid.UUID) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create appointment: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := insertAppointment(ctx, tx, appt)
	if err != nil {
		return nil, err
	}

	if fulfills != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE return_requests
			SET status = 'scheduled',
			    new_appointment_id = $2
			WHERE id = $1
			  AND status = 'pending'
		`, *fulfills, created.ID)
		if err != nil {
			return nil, fmt.Errorf("fulfill return request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrReturnRequestNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create appointment: %w", err)
	}
	return created, nil
}

func insertAppointment(ctx context.Context, tx pgx.Tx, appt *Appointment) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, doctor_id, patient_id, scheduled_date, scheduled_time,
			duration_minutes, appointment_type, status, reason, notes,
			created_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING `+appointmentColumns+`
	`,
		appt.ID, appt.DoctorID, appt.PatientID, appt.ScheduledDate,
		encodeTimeOfDay(appt.ScheduledTime), appt.DurationMinutes, appt.Type,
		appt.Status, appt.Reason, appt.Notes, appt.CreatedBy, appt.CreatedAt,
	)

	created, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID, from Status, reason string, at time.Time) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancelled_at = $3,
		    cancellation_reason = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+appointmentColumns+`
	`, id, from, at, reason)
	return scanAppointment(row)
}

func (r *PgRepository) RescheduleAppointment(ctx context.Context, original, replacement *Appointment, cancelReason string, at time.Time) (*Appointment, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reschedule: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := insertAppointment(ctx, tx, replacement)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancelled_at = $3,
		    cancellation_reason = $4,
		    rescheduled_to = $5,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
	`, original.ID, original.Status, at, cancelReason, created.ID)
	if err != nil {
		return nil, fmt.Errorf("cancel original appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The original changed status between our read and this write.
		return nil, ErrInconsistent
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reschedule: %w", err)
	}
	return created, nil
}

func (r *PgRepository) CreateReturnRequest(ctx context.Context, rr *ReturnRequest) (*ReturnRequest, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO return_requests (
			id, original_appointment_id, patient_id, doctor_id,
			requested_by, status, notes, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, original_appointment_id, patient_id, doctor_id,
		          requested_by, status, notes, new_appointment_id, created_at
	`, rr.ID, rr.OriginalAppointmentID, rr.PatientID, rr.DoctorID,
		rr.RequestedBy, rr.Status, rr.Notes, rr.CreatedAt)
	return scanReturnRequest(row)
}

func (r *PgRepository) GetReturnRequestByID(ctx context.Context, id uuid.UUID) (*ReturnRequest, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, original_appointment_id, patient_id, doctor_id,
		       requested_by, status, notes, new_appointment_id, created_at
		FROM return_requests
		WHERE id = $1
	`, id)
	return scanReturnRequest(row)
}

func (r *PgRepository) UpdateReturnRequestStatus(ctx context.Context, id uuid.UUID, from, to ReturnStatus) (*ReturnRequest, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE return_requests
		SET status = $2
		WHERE id = $1
		  AND status = $3
		RETURNING id, original_appointment_id, patient_id, doctor_id,
		          requested_by, status, notes, new_appointment_id, created_at
	`, id, to, from)
	return scanReturnRequest(row)
}

func (r *PgRepository) FindNeedingReminder(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		WHERE a.status = ANY($1)
		  AND a.scheduled_date + a.scheduled_time BETWEEN $2 AND $3
		  AND NOT EXISTS (
			SELECT 1 FROM appointment_notifications n
			WHERE n.appointment_id = a.id
			  AND n.notification_type = 'reminder'
		  )
		ORDER BY a.scheduled_date, a.scheduled_time
	`, activeStatusStrings(), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (r *PgRepository) InsertNotification(ctx context.Context, n Notification) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO appointment_notifications (appointment_id, notification_type, message, sent_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, n.AppointmentID, n.Type, n.Message, nullableTime(n.SentAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev ScheduleEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO schedule_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert schedule event: %w", err)
	}
	return nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func activeStatusStrings() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
