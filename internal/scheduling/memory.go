package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded Repository for tests. Its single lock
// makes every method atomic, mirroring the transactional guarantees of the
// Postgres implementation including the active-slot uniqueness backstop.
type MemoryRepository struct {
	mu             sync.Mutex
	doctors        map[uuid.UUID]Doctor
	patients       map[uuid.UUID]Patient
	appointments   map[uuid.UUID]Appointment
	returnRequests map[uuid.UUID]ReturnRequest
	notifications  []Notification
	events         []ScheduleEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		doctors:        make(map[uuid.UUID]Doctor),
		patients:       make(map[uuid.UUID]Patient),
		appointments:   make(map[uuid.UUID]Appointment),
		returnRequests: make(map[uuid.UUID]ReturnRequest),
	}
}

func (m *MemoryRepository) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = d
}

func (m *MemoryRepository) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Appointment
	for _, a := range m.appointments {
		if f.PatientID != uuid.Nil && a.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != uuid.Nil && a.DoctorID != f.DoctorID {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ScheduledDate.Equal(result[j].ScheduledDate) {
			return result[i].ScheduledDate.Before(result[j].ScheduledDate)
		}
		return result[i].ScheduledTime < result[j].ScheduledTime
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(result) {
		return nil, nil
	}
	if offset+limit > len(result) {
		limit = len(result) - offset
	}
	return result[offset : offset+limit], nil
}

func (m *MemoryRepository) HasActiveAppointment(_ context.Context, doctorID uuid.UUID, date time.Time, t TimeOfDay) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotOccupied(doctorID, date, t), nil
}

func (m *MemoryRepository) slotOccupied(doctorID uuid.UUID, date time.Time, t TimeOfDay) bool {
	key := SlotKey(doctorID, date, t)
	for _, a := range m.appointments {
		if a.Status.IsActive() && SlotKey(a.DoctorID, a.ScheduledDate, a.ScheduledTime) == key {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) ListActiveSlots(_ context.Context, doctorID uuid.UUID, fromDate, toDate time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var slots []Slot
	for _, a := range m.appointments {
		if a.DoctorID != doctorID || !a.Status.IsActive() {
			continue
		}
		if a.ScheduledDate.Before(fromDate) || a.ScheduledDate.After(toDate) {
			continue
		}
		slots = append(slots, Slot{Date: a.ScheduledDate, Time: a.ScheduledTime})
	}
	return slots, nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, appt *Appointment, fulfills *uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slotOccupied(appt.DoctorID, appt.ScheduledDate, appt.ScheduledTime) {
		return nil, ErrSlotTaken
	}

	if fulfills != nil {
		rr, ok := m.returnRequests[*fulfills]
		if !ok || rr.Status != ReturnPending {
			return nil, ErrReturnRequestNotFound
		}
		rr.Status = ReturnScheduled
		id := appt.ID
		rr.NewAppointmentID = &id
		m.returnRequests[*fulfills] = rr
	}

	m.appointments[appt.ID] = *appt
	stored := m.appointments[appt.ID]
	return &stored, nil
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return &a, nil
}

func (m *MemoryRepository) CancelAppointment(_ context.Context, id uuid.UUID, from Status, reason string, at time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelLocked(id, from, reason, at, nil)
}

func (m *MemoryRepository) cancelLocked(id uuid.UUID, from Status, reason string, at time.Time, rescheduledTo *uuid.UUID) (*Appointment, error) {
	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCancelled
	cancelledAt := at
	a.CancelledAt = &cancelledAt
	a.CancellationReason = reason
	a.RescheduledTo = rescheduledTo
	a.UpdatedAt = at
	m.appointments[id] = a
	return &a, nil
}

func (m *MemoryRepository) RescheduleAppointment(_ context.Context, original, replacement *Appointment, cancelReason string, at time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.slotOccupied(replacement.DoctorID, replacement.ScheduledDate, replacement.ScheduledTime) {
		return nil, ErrSlotTaken
	}

	newID := replacement.ID
	if _, err := m.cancelLocked(original.ID, original.Status, cancelReason, at, &newID); err != nil {
		return nil, ErrInconsistent
	}

	m.appointments[replacement.ID] = *replacement
	stored := m.appointments[replacement.ID]
	return &stored, nil
}

func (m *MemoryRepository) CreateReturnRequest(_ context.Context, rr *ReturnRequest) (*ReturnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnRequests[rr.ID] = *rr
	stored := m.returnRequests[rr.ID]
	return &stored, nil
}

func (m *MemoryRepository) GetReturnRequestByID(_ context.Context, id uuid.UUID) (*ReturnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.returnRequests[id]
	if !ok {
		return nil, ErrReturnRequestNotFound
	}
	return &rr, nil
}

func (m *MemoryRepository) UpdateReturnRequestStatus(_ context.Context, id uuid.UUID, from, to ReturnStatus) (*ReturnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rr, ok := m.returnRequests[id]
	if !ok || rr.Status != from {
		return nil, ErrReturnRequestNotFound
	}
	rr.Status = to
	m.returnRequests[id] = rr
	return &rr, nil
}

func (m *MemoryRepository) FindNeedingReminder(_ context.Context, from, to time.Time) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reminded := make(map[uuid.UUID]bool)
	for _, n := range m.notifications {
		if n.Type == NotificationReminder {
			reminded[n.AppointmentID] = true
		}
	}

	var result []Appointment
	for _, a := range m.appointments {
		if !a.Status.IsActive() || reminded[a.ID] {
			continue
		}
		start := a.StartAt(time.UTC)
		if start.Before(from) || start.After(to) {
			continue
		}
		result = append(result, a)
	}
	return result, nil
}

func (m *MemoryRepository) InsertNotification(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = int64(len(m.notifications) + 1)
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev ScheduleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Notifications returns a snapshot for test assertions.
func (m *MemoryRepository) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}

// Events returns a snapshot for test assertions.
func (m *MemoryRepository) Events() []ScheduleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScheduleEvent, len(m.events))
	copy(out, m.events)
	return out
}
