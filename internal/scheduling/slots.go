package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// GenerateSlots computes the open slots for a doctor from tomorrow through
// horizonDays ahead, clinic-local. It is a pure function of its inputs: the
// booked set is a snapshot of active appointments keyed by SlotKey, taken by
// the caller at the same instant as now. Output is ordered ascending by
// (date, time).
func GenerateSlots(p ScheduleProvider, doctorID uuid.UUID, now time.Time, horizonDays, slotMinutes int, booked map[string]bool, loc *time.Location) []Slot {
	if horizonDays <= 0 || slotMinutes <= 0 {
		return nil
	}

	now = now.In(loc)
	var slots []Slot

	for offset := 1; offset <= horizonDays; offset++ {
		day := now.AddDate(0, 0, offset)
		date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

		for _, w := range p.WindowsOn(doctorID, date.Weekday()) {
			for t := w.Start; t+TimeOfDay(slotMinutes) <= w.End; t += TimeOfDay(slotMinutes) {
				if booked[SlotKey(doctorID, date, t)] {
					continue
				}
				if !p.IsAvailable(doctorID, t.At(date, loc)) {
					continue
				}
				slots = append(slots, Slot{Date: date, Time: t})
			}
		}
	}

	return slots
}
