package scheduling

import "time"

// transitions is the full lifecycle graph. Terminal states have no entry, so
// nothing ever leaves them.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusConfirmed, StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanBeCancelled reports whether the appointment may still be cancelled at
// the given instant: the status must allow the transition and the remaining
// lead time must be at least the notice period. The boundary is inclusive.
func CanBeCancelled(a *Appointment, now time.Time, notice time.Duration, loc *time.Location) bool {
	if !CanTransition(a.Status, StatusCancelled) {
		return false
	}
	return a.StartAt(loc).Sub(now) >= notice
}
