package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// EventType is the category of an event. Care is the only category that
// carries a CareConfiguration.
type EventType string

const (
	TypeCare     EventType = "Care"
	TypeSocial   EventType = "Social"
	TypeVisit    EventType = "Visit"
	TypeActivity EventType = "Activity"
	TypeMedical  EventType = "Medical"
	TypeOther    EventType = "Other"
)

var eventTypes = []EventType{TypeCare, TypeSocial, TypeVisit, TypeActivity, TypeMedical, TypeOther}

// EventTypes returns all supported categories.
func EventTypes() []EventType {
	out := make([]EventType, len(eventTypes))
	copy(out, eventTypes)
	return out
}

func (t EventType) Valid() bool {
	for _, v := range eventTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusUpcoming  Status = "Upcoming"
	StatusOngoing   Status = "Ongoing"
	StatusEnded     Status = "Ended"
	StatusCancelled Status = "Cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUpcoming, StatusOngoing, StatusEnded, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status sorts into the "active" group of a listing.
func (s Status) Active() bool {
	return s == StatusUpcoming || s == StatusOngoing
}

type Frequency string

const (
	FrequencyOneTime Frequency = "OneTime"
	FrequencyDaily   Frequency = "Daily"
	FrequencyWeekly  Frequency = "Weekly"
	FrequencyMonthly Frequency = "Monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyOneTime, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Recurring reports whether the frequency fans out into more occurrences.
func (f Frequency) Recurring() bool {
	return f == FrequencyDaily || f == FrequencyWeekly || f == FrequencyMonthly
}

// CareConfiguration is attached to Care events only.
type CareConfiguration struct {
	SubType   string    `json:"sub_type"`
	Frequency Frequency `json:"frequency"`
}

// Event is one stored occurrence. Generated occurrences of a recurring care
// event point back at their root through SeriesID.
type Event struct {
	EventID       string    `json:"event_id"`
	InstitutionID string    `json:"institution_id"`
	SeriesID      string    `json:"series_id,omitempty"`
	Name          string    `json:"name"`
	Type          EventType `json:"type"`
	Status        Status    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Location      string    `json:"location"`
	RoomIDs       []string  `json:"room_ids"`

	CareConfiguration *CareConfiguration `json:"care_configuration,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate slices and the care
// configuration without aliasing the original.
func (e Event) Clone() Event {
	out := e
	if e.RoomIDs != nil {
		out.RoomIDs = append([]string{}, e.RoomIDs...)
	}
	if e.CareConfiguration != nil {
		cc := *e.CareConfiguration
		out.CareConfiguration = &cc
	}
	return out
}

// Duration is EndTime - StartTime.
func (e Event) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// EventInput is the create payload.
type EventInput struct {
	Name              string             `json:"name"`
	Type              EventType          `json:"type"`
	StartTime         time.Time          `json:"start_time"`
	EndTime           time.Time          `json:"end_time"`
	Location          *string            `json:"location,omitempty"`
	RoomIDs           []string           `json:"room_ids,omitempty"`
	CareConfiguration *CareConfiguration `json:"care_configuration,omitempty"`
}

// OptionalCare distinguishes an absent care_configuration key (Set == false)
// from an explicit null (Set == true, Value == nil).
type OptionalCare struct {
	Set   bool
	Value *CareConfiguration
}

func (o *OptionalCare) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var cc CareConfiguration
	if err := json.Unmarshal(data, &cc); err != nil {
		return err
	}
	o.Value = &cc
	return nil
}

// EventPatch is a partial update; nil pointers leave the field untouched.
type EventPatch struct {
	Name              *string      `json:"name,omitempty"`
	Type              *EventType   `json:"type,omitempty"`
	Status            *Status      `json:"status,omitempty"`
	StartTime         *time.Time   `json:"start_time,omitempty"`
	EndTime           *time.Time   `json:"end_time,omitempty"`
	Location          *string      `json:"location,omitempty"`
	RoomIDs           *[]string    `json:"room_ids,omitempty"`
	CareConfiguration OptionalCare `json:"care_configuration"`
}

// ListFilter narrows a listing. Zero values mean "no constraint".
type ListFilter struct {
	Take int
	Skip int

	Type   EventType
	Status Status

	// StartDate keeps events starting at or after it; EndDate keeps events
	// ending at or before it.
	StartDate *time.Time
	EndDate   *time.Time

	// Search is a case-insensitive substring match on Name.
	Search string
}

// Page is a slice of a sorted listing plus the size of the whole set.
type Page struct {
	Items []Event `json:"items"`
	Total int     `json:"total"`
}
