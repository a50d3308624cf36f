// Package ics renders event listings as iCalendar feeds for subscription
// from desktop and mobile calendar clients.
package ics

import (
	"io"
	"strings"

	ical "github.com/arran4/golang-ical"

	"carecal/internal/model"
)

const productID = "-//carecal//event feed//EN"

// Feed describes one exported calendar.
type Feed struct {
	// Name is shown by clients as the calendar title (X-WR-CALNAME).
	Name   string
	Events []model.Event
}

// Build converts the feed into a VCALENDAR. Each event becomes a VEVENT with
// UID <event_id>@carecal. Cancelled events are kept with STATUS:CANCELLED so
// subscribed clients drop them; generated occurrences point at their series
// root through RELATED-TO.
func Build(feed Feed) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetMethod(ical.MethodPublish)
	if feed.Name != "" {
		cal.SetXWRCalName(feed.Name)
	}

	for _, ev := range feed.Events {
		ve := cal.AddEvent(uid(ev.EventID))
		ve.SetSummary(ev.Name)
		ve.SetStartAt(ev.StartTime)
		ve.SetEndAt(ev.EndTime)
		ve.SetDtStampTime(ev.UpdatedAt)
		ve.SetCreatedTime(ev.CreatedAt)
		ve.SetModifiedAt(ev.UpdatedAt)
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		ve.SetProperty(ical.ComponentPropertyCategories, string(ev.Type))
		ve.SetStatus(objectStatus(ev.Status))
		if desc := describe(ev); desc != "" {
			ve.SetDescription(desc)
		}
		if ev.SeriesID != "" {
			ve.SetProperty(ical.ComponentPropertyRelatedTo, uid(ev.SeriesID))
		}
	}
	return cal
}

// Write serializes the feed to w.
func Write(w io.Writer, feed Feed) error {
	return Build(feed).SerializeTo(w)
}

func uid(eventID string) string {
	return eventID + "@carecal"
}

func objectStatus(s model.Status) ical.ObjectStatus {
	if s == model.StatusCancelled {
		return ical.ObjectStatusCancelled
	}
	return ical.ObjectStatusConfirmed
}

func describe(ev model.Event) string {
	var parts []string
	if cc := ev.CareConfiguration; cc != nil {
		if cc.SubType != "" {
			parts = append(parts, "Care: "+cc.SubType)
		}
		if cc.Frequency != "" {
			parts = append(parts, "Frequency: "+string(cc.Frequency))
		}
	}
	if len(ev.RoomIDs) > 0 {
		parts = append(parts, "Rooms: "+strings.Join(ev.RoomIDs, ", "))
	}
	return strings.Join(parts, "\n")
}
