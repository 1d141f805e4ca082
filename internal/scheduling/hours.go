package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Window is one business-hours block, e.g. 08:00-12:00.
type Window struct {
	Start TimeOfDay
	End   TimeOfDay
}

// Contains reports whether an appointment of the given duration starting at t
// fits entirely inside the window.
func (w Window) Contains(t TimeOfDay, durationMinutes int) bool {
	return t >= w.Start && t+TimeOfDay(durationMinutes) <= w.End
}

// ParseWindows parses "08:00-12:00,13:00-17:00".
func ParseWindows(s string) ([]Window, error) {
	var windows []Window
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.Split(part, "-")
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid working-hours window %q", part)
		}
		start, err := ParseTimeOfDay(strings.TrimSpace(bounds[0]))
		if err != nil {
			return nil, err
		}
		end, err := ParseTimeOfDay(strings.TrimSpace(bounds[1]))
		if err != nil {
			return nil, err
		}
		if end <= start {
			return nil, fmt.Errorf("working-hours window %q ends before it starts", part)
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	if len(windows) == 0 {
		return nil, fmt.Errorf("no working-hours windows in %q", s)
	}
	return windows, nil
}

// WorkingHoursTemplate maps weekdays to business windows. Days without an
// entry are closed.
type WorkingHoursTemplate map[time.Weekday][]Window

// NewWeekdayTemplate applies the same windows Monday through Friday.
func NewWeekdayTemplate(windows []Window) WorkingHoursTemplate {
	t := make(WorkingHoursTemplate, 5)
	for d := time.Monday; d <= time.Friday; d++ {
		t[d] = windows
	}
	return t
}

// ScheduleProvider supplies working hours and absence exclusions for a
// doctor. Absence storage lives outside this core; implementations answer
// whatever their source of truth says.
type ScheduleProvider interface {
	WindowsOn(doctorID uuid.UUID, weekday time.Weekday) []Window
	IsAvailable(doctorID uuid.UUID, at time.Time) bool
}

// StaticSchedule serves one clinic-wide template and records no absences.
type StaticSchedule struct {
	Template WorkingHoursTemplate
}

func (s StaticSchedule) WindowsOn(_ uuid.UUID, weekday time.Weekday) []Window {
	return s.Template[weekday]
}

func (s StaticSchedule) IsAvailable(uuid.UUID, time.Time) bool {
	return true
}

// withinHours reports whether the requested time fits a business window on
// that weekday for the doctor.
func withinHours(p ScheduleProvider, doctorID uuid.UUID, date time.Time, t TimeOfDay, durationMinutes int) bool {
	for _, w := range p.WindowsOn(doctorID, date.Weekday()) {
		if w.Contains(t, durationMinutes) {
			return true
		}
	}
	return false
}
