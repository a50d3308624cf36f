package events

import (
	"sort"

	"carecal/internal/model"
)

// SortActiveFirst orders Upcoming/Ongoing events before all others. Active
// events ascend by start time (next up first); the rest (Ended, Cancelled)
// descend by start time (most recent first). Ties fall back to event_id so
// page boundaries are stable across calls.
func SortActiveFirst(evs []model.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		aActive, bActive := a.Status.Active(), b.Status.Active()
		if aActive != bActive {
			return aActive
		}
		if !a.StartTime.Equal(b.StartTime) {
			if aActive {
				return a.StartTime.Before(b.StartTime)
			}
			return a.StartTime.After(b.StartTime)
		}
		return a.EventID < b.EventID
	})
}

// SortByStart orders events by ascending start time.
func SortByStart(evs []model.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i], evs[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.EventID < b.EventID
	})
}

// Paginate slices an already sorted set. A non-positive take returns
// everything after skip.
func Paginate(evs []model.Event, skip, take int) model.Page {
	total := len(evs)
	if skip < 0 {
		skip = 0
	}
	if skip > total {
		skip = total
	}
	end := total
	if take > 0 && take < total-skip {
		end = skip + take
	}
	items := make([]model.Event, end-skip)
	copy(items, evs[skip:end])
	return model.Page{Items: items, Total: total}
}
