// Package status derives an event's status from wall-clock time.
package status

import (
	"time"

	"carecal/internal/model"
)

// Calculate maps (now, start, end, previous) to a status. Cancelled is
// absorbing; everything else is a function of time alone.
func Calculate(now, start, end time.Time, previous model.Status) model.Status {
	if previous == model.StatusCancelled {
		return model.StatusCancelled
	}
	if now.Before(start) {
		return model.StatusUpcoming
	}
	if now.Before(end) {
		return model.StatusOngoing
	}
	return model.StatusEnded
}

// Reconcile returns ev with its status recomputed at now and whether it
// differs from the stored value. ev itself is not modified.
func Reconcile(ev model.Event, now time.Time) (model.Event, bool) {
	next := Calculate(now, ev.StartTime, ev.EndTime, ev.Status)
	if next == ev.Status {
		return ev, false
	}
	out := ev.Clone()
	out.Status = next
	return out, true
}

// Initial is the status a freshly created event starts with.
func Initial(now, start, end time.Time) model.Status {
	if start.After(now) {
		return model.StatusUpcoming
	}
	return Calculate(now, start, end, model.StatusUpcoming)
}
