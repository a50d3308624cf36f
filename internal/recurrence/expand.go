// Package recurrence materializes the follow-up occurrences of a recurring
// care event.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"carecal/internal/model"
)

const (
	DefaultHorizonMonths  = 3
	DefaultMaxOccurrences = 100
)

// Config controls how far and how many occurrences are generated.
type Config struct {
	// Location is the zone in which day/week/month steps are taken. If nil,
	// time.Local is used.
	Location *time.Location

	// HorizonMonths bounds generation to starts strictly before
	// now + HorizonMonths calendar months.
	HorizonMonths int

	// MaxOccurrences is a safety cap on generated occurrences per call.
	MaxOccurrences int
}

// Result wraps the generated occurrences. Truncated is set when the cap was
// reached before the horizon.
type Result struct {
	Occurrences []model.Event
	Until       time.Time
	Truncated   bool
}

type Expander struct {
	cfg Config
}

func New(cfg Config) *Expander {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.HorizonMonths <= 0 {
		cfg.HorizonMonths = DefaultHorizonMonths
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = DefaultMaxOccurrences
	}
	return &Expander{cfg: cfg}
}

// Expand returns the occurrences that follow base, excluding base itself.
// Each keeps base's duration and descriptive fields, starts out Upcoming and
// links back to base through SeriesID. Nothing is generated for OneTime or
// an empty frequency.
func (x *Expander) Expand(base model.Event, freq model.Frequency, now time.Time) (Result, error) {
	if freq == "" || freq == model.FrequencyOneTime {
		return Result{}, nil
	}
	if !freq.Valid() {
		return Result{}, fmt.Errorf("recurrence: unknown frequency %q", freq)
	}
	if !base.EndTime.After(base.StartTime) {
		return Result{}, errors.New("recurrence: base event has non-positive duration")
	}

	loc := x.cfg.Location
	anchor := base.StartTime.In(loc)
	until := now.In(loc).AddDate(0, x.cfg.HorizonMonths, 0)
	result := Result{Until: until}

	// rrule works at second precision; the remainder is added back below.
	whole := anchor.Truncate(time.Second)
	frac := anchor.Sub(whole)

	opt := rruleOption(whole, freq)
	opt.Until = until
	// +1 for the anchor itself, +1 more so hitting the cap is observable.
	opt.Count = x.cfg.MaxOccurrences + 2

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return Result{}, fmt.Errorf("recurrence: build rule: %w", err)
	}
	dur := base.Duration()

	starts := make([]time.Time, 0, x.cfg.MaxOccurrences)
	for _, t := range r.All() {
		t = t.Add(frac)
		if !t.After(anchor) || !t.Before(until) {
			continue
		}
		starts = append(starts, t)
	}
	if len(starts) > x.cfg.MaxOccurrences {
		starts = starts[:x.cfg.MaxOccurrences]
		result.Truncated = true
	}

	result.Occurrences = make([]model.Event, 0, len(starts))
	for _, s := range starts {
		result.Occurrences = append(result.Occurrences, makeOccurrence(base, s, s.Add(dur)))
	}
	return result, nil
}

func rruleOption(anchor time.Time, freq model.Frequency) rrule.ROption {
	opt := rrule.ROption{Dtstart: anchor}
	switch freq {
	case model.FrequencyDaily:
		opt.Freq = rrule.DAILY
	case model.FrequencyWeekly:
		opt.Freq = rrule.WEEKLY
	case model.FrequencyMonthly:
		opt.Freq = rrule.MONTHLY
		// Anchors on the 29th-31st clamp to the last day of shorter months:
		// take the latest existing day in 28..anchorDay of each month.
		if d := anchor.Day(); d > 28 {
			days := make([]int, 0, d-27)
			for i := 28; i <= d; i++ {
				days = append(days, i)
			}
			opt.Bymonthday = days
			opt.Bysetpos = []int{-1}
		}
	}
	return opt
}

func makeOccurrence(base model.Event, start, end time.Time) model.Event {
	ev := base.Clone()
	ev.EventID = ""
	ev.SeriesID = base.EventID
	ev.Status = model.StatusUpcoming
	ev.StartTime = start
	ev.EndTime = end
	ev.CreatedAt = time.Time{}
	ev.UpdatedAt = time.Time{}
	return ev
}
