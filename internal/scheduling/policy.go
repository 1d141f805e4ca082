package scheduling

import "github.com/google/uuid"

type Role string

const (
	RolePatient   Role = "patient"
	RoleAttendant Role = "attendant"
	RoleDoctor    Role = "doctor"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleAttendant, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller. ProfileID is the linked patient profile
// for patients and the linked doctor profile for doctors; it is unused for
// attendants and admins.
type Actor struct {
	UserID    uuid.UUID
	Role      Role
	ProfileID uuid.UUID
}

// CanBook reports whether the actor may create an appointment for the given
// patient with the given doctor. Patients book for themselves only; every
// staff role may proxy-book any patient with any doctor.
func (a Actor) CanBook(patientID, doctorID uuid.UUID) bool {
	switch a.Role {
	case RolePatient:
		return a.ProfileID == patientID
	case RoleAttendant, RoleAdmin, RoleDoctor:
		return true
	}
	return false
}

// CanCancel reports whether the actor may cancel the appointment. The
// notice-period guard is separate (see CanBeCancelled); this is authority only.
func (a Actor) CanCancel(appt *Appointment) bool {
	switch a.Role {
	case RolePatient:
		return a.ProfileID == appt.PatientID
	case RoleDoctor:
		return a.ProfileID == appt.DoctorID
	case RoleAttendant, RoleAdmin:
		return true
	}
	return false
}

// CanConfirm uses the same scoping as cancellation.
func (a Actor) CanConfirm(appt *Appointment) bool {
	return a.CanCancel(appt)
}

// CanCheckIn: front-desk operation.
func (a Actor) CanCheckIn() bool {
	return a.Role == RoleAttendant || a.Role == RoleAdmin
}

// CanMarkNoShow: front-desk operation.
func (a Actor) CanMarkNoShow() bool {
	return a.Role == RoleAttendant || a.Role == RoleAdmin
}

// CanBeginCare: only the assigned doctor starts the encounter.
func (a Actor) CanBeginCare(appt *Appointment) bool {
	return a.Role == RoleDoctor && a.ProfileID == appt.DoctorID
}

// CanComplete: completion is driven by the assigned doctor finalizing the
// medical record.
func (a Actor) CanComplete(appt *Appointment) bool {
	return a.Role == RoleDoctor && a.ProfileID == appt.DoctorID
}

// CanView reports whether the actor may read the appointment.
func (a Actor) CanView(appt *Appointment) bool {
	switch a.Role {
	case RolePatient:
		return a.ProfileID == appt.PatientID
	case RoleDoctor:
		return a.ProfileID == appt.DoctorID
	case RoleAttendant, RoleAdmin:
		return true
	}
	return false
}
