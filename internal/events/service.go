// Package events orchestrates the event lifecycle: create (with recurrence
// fan-out), update, delete, and time-ordered listing with lazy status
// reconciliation.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	appLog "carecal/internal/log"
	"carecal/internal/model"
	"carecal/internal/recurrence"
	"carecal/internal/status"
	"carecal/internal/store"
	"carecal/internal/validate"
)

// ErrNotFound is returned (wrapped) for unknown events and institutions.
var ErrNotFound = store.ErrNotFound

// EventStore is the persistence the service needs.
type EventStore interface {
	Create(ctx context.Context, ev *model.Event) error
	FindByID(ctx context.Context, eventID string) (*model.Event, error)
	FindMany(ctx context.Context, q store.Query) ([]model.Event, error)
	Update(ctx context.Context, ev *model.Event) error
	UpdateStatuses(ctx context.Context, changes []store.StatusChange) error
	Delete(ctx context.Context, eventID string) error
	Count(ctx context.Context, q store.Query) (int, error)
}

// InstitutionDirectory resolves tenant names.
type InstitutionDirectory interface {
	InstitutionName(ctx context.Context, institutionID string) (string, error)
}

// Expander generates follow-up occurrences of a recurring event.
type Expander interface {
	Expand(base model.Event, freq model.Frequency, now time.Time) (recurrence.Result, error)
}

// Recorder receives lifecycle counters. All methods must be safe for
// concurrent use.
type Recorder interface {
	EventCreated(t model.EventType)
	OccurrencesGenerated(n int, truncated bool)
	ExpansionFailed()
	StatusReconciled(to model.Status)
}

type noopRecorder struct{}

func (noopRecorder) EventCreated(model.EventType)   {}
func (noopRecorder) OccurrencesGenerated(int, bool) {}
func (noopRecorder) ExpansionFailed()               {}
func (noopRecorder) StatusReconciled(model.Status)  {}

// CreateReport describes a create call including its recurrence fan-out.
// ExpansionErr is set when fan-out stopped early; the root event and any
// occurrences written before the failure are kept.
type CreateReport struct {
	Event        model.Event
	Generated    int
	Truncated    bool
	ExpansionErr error
}

type Service struct {
	store        EventStore
	institutions InstitutionDirectory
	expander     Expander
	now          func() time.Time
	metrics      Recorder
	tracer       trace.Tracer
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

func NewService(st EventStore, institutions InstitutionDirectory, expander Expander, opts ...Option) *Service {
	s := &Service{
		store:        st,
		institutions: institutions,
		expander:     expander,
		now:          time.Now,
		metrics:      noopRecorder{},
		tracer:       otel.Tracer("carecal/events"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateEvent stores a new event for institutionID and, for recurring care
// events, its follow-up occurrences. The root event is returned even if the
// fan-out fails partway.
func (s *Service) CreateEvent(ctx context.Context, institutionID string, in model.EventInput) (*model.Event, error) {
	rep, err := s.CreateEventWithReport(ctx, institutionID, in)
	if err != nil {
		return nil, err
	}
	return &rep.Event, nil
}

func (s *Service) CreateEventWithReport(ctx context.Context, institutionID string, in model.EventInput) (rep CreateReport, err error) {
	ctx, span := s.startSpan(ctx, "events.Create", attribute.String("institution_id", institutionID))
	defer func() { endSpan(span, err) }()

	instName, err := s.institutionName(ctx, institutionID)
	if err != nil {
		return CreateReport{}, err
	}

	location := instName
	if in.Location != nil && strings.TrimSpace(*in.Location) != "" {
		location = *in.Location
	}

	if err := validate.Create(in); err != nil {
		return CreateReport{}, err
	}

	now := s.now()
	ev := model.Event{
		InstitutionID: institutionID,
		Name:          in.Name,
		Type:          in.Type,
		Status:        status.Initial(now, in.StartTime, in.EndTime),
		StartTime:     in.StartTime,
		EndTime:       in.EndTime,
		Location:      location,
		RoomIDs:       append([]string{}, in.RoomIDs...),
	}
	if in.CareConfiguration != nil {
		cc := *in.CareConfiguration
		ev.CareConfiguration = &cc
	}

	if err := s.store.Create(ctx, &ev); err != nil {
		return CreateReport{}, err
	}
	s.metrics.EventCreated(ev.Type)
	appLog.Info("event created",
		"event_id", ev.EventID,
		"institution_id", institutionID,
		"type", ev.Type,
		"status", ev.Status,
	)

	rep.Event = ev
	if ev.CareConfiguration != nil && ev.CareConfiguration.Frequency.Recurring() {
		rep.Generated, rep.Truncated, rep.ExpansionErr = s.fanOut(ctx, ev, now)
		span.SetAttributes(attribute.Int("recurrence.generated", rep.Generated))
	}
	return rep, nil
}

// fanOut persists generated occurrences one at a time and stops at the
// first failure.
func (s *Service) fanOut(ctx context.Context, root model.Event, now time.Time) (int, bool, error) {
	freq := root.CareConfiguration.Frequency
	res, err := s.expander.Expand(root, freq, now)
	if err != nil {
		s.metrics.ExpansionFailed()
		appLog.Error("recurrence expansion failed", err, "event_id", root.EventID, "frequency", freq)
		return 0, false, err
	}

	written := 0
	for i := range res.Occurrences {
		occ := res.Occurrences[i]
		if err := s.store.Create(ctx, &occ); err != nil {
			s.metrics.ExpansionFailed()
			s.metrics.OccurrencesGenerated(written, res.Truncated)
			appLog.Error("recurrence occurrence write failed; keeping written prefix", err,
				"event_id", root.EventID,
				"written", written,
				"planned", len(res.Occurrences),
			)
			return written, res.Truncated, err
		}
		written++
	}

	s.metrics.OccurrencesGenerated(written, res.Truncated)
	appLog.Info("recurrence expanded",
		"event_id", root.EventID,
		"frequency", freq,
		"generated", written,
		"truncated", res.Truncated,
		"until", res.Until,
	)
	return written, res.Truncated, nil
}

// UpdateEvent applies patch to an existing event. Status is recomputed from
// time unless the patch cancels the event.
func (s *Service) UpdateEvent(ctx context.Context, eventID string, patch model.EventPatch) (_ *model.Event, err error) {
	ctx, span := s.startSpan(ctx, "events.Update", attribute.String("event_id", eventID))
	defer func() { endSpan(span, err) }()

	existing, err := s.find(ctx, eventID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	current, _ := status.Reconcile(*existing, now)
	if err := validate.Update(current, patch); err != nil {
		return nil, err
	}

	merged := applyPatch(current, patch)
	if patch.Status != nil && *patch.Status == model.StatusCancelled {
		merged.Status = model.StatusCancelled
	} else {
		merged.Status = status.Calculate(now, merged.StartTime, merged.EndTime, current.Status)
	}

	if err := s.store.Update(ctx, &merged); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return nil, err
	}
	appLog.Info("event updated", "event_id", eventID, "status", merged.Status)
	return &merged, nil
}

func applyPatch(ev model.Event, patch model.EventPatch) model.Event {
	out := ev.Clone()
	if patch.Name != nil {
		out.Name = *patch.Name
	}
	if patch.Type != nil {
		out.Type = *patch.Type
	}
	if patch.StartTime != nil {
		out.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		out.EndTime = *patch.EndTime
	}
	if patch.Location != nil {
		out.Location = *patch.Location
	}
	if patch.RoomIDs != nil {
		out.RoomIDs = append([]string{}, (*patch.RoomIDs)...)
	}
	if patch.CareConfiguration.Set {
		out.CareConfiguration = nil
		if v := patch.CareConfiguration.Value; v != nil {
			cc := *v
			out.CareConfiguration = &cc
		}
	}
	return out
}

// DeleteEvent hard-deletes a single event. Occurrences of a series are
// independent records and are left in place.
func (s *Service) DeleteEvent(ctx context.Context, eventID string) (err error) {
	ctx, span := s.startSpan(ctx, "events.Delete", attribute.String("event_id", eventID))
	defer func() { endSpan(span, err) }()

	if err := s.store.Delete(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return err
	}
	appLog.Info("event deleted", "event_id", eventID)
	return nil
}

// GetEventByID loads an event and persists a status correction if time has
// moved it on since it was stored.
func (s *Service) GetEventByID(ctx context.Context, eventID string) (_ *model.Event, err error) {
	ctx, span := s.startSpan(ctx, "events.Get", attribute.String("event_id", eventID))
	defer func() { endSpan(span, err) }()

	ev, err := s.find(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out, err := s.reconcile(ctx, []model.Event{*ev})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (s *Service) find(ctx context.Context, eventID string) (*model.Event, error) {
	ev, err := s.store.FindByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return nil, err
	}
	return ev, nil
}

// reconcile recomputes every status at the same instant and writes the
// changed ones in a single batch. Concurrent callers may write the same
// correction twice; the write is idempotent.
func (s *Service) reconcile(ctx context.Context, evs []model.Event) ([]model.Event, error) {
	now := s.now()
	out := make([]model.Event, len(evs))
	var changes []store.StatusChange
	for i, ev := range evs {
		next, changed := status.Reconcile(ev, now)
		out[i] = next
		if changed {
			changes = append(changes, store.StatusChange{EventID: next.EventID, Status: next.Status})
		}
	}
	if len(changes) == 0 {
		return out, nil
	}
	if err := s.store.UpdateStatuses(ctx, changes); err != nil {
		return nil, err
	}
	for _, c := range changes {
		s.metrics.StatusReconciled(c.Status)
	}
	appLog.Debug("statuses reconciled", "count", len(changes))
	return out, nil
}

// ListEvents returns one page of an institution's events: Upcoming and
// Ongoing first by ascending start, then the rest by descending start.
func (s *Service) ListEvents(ctx context.Context, institutionID string, f model.ListFilter) (_ model.Page, err error) {
	ctx, span := s.startSpan(ctx, "events.List", attribute.String("institution_id", institutionID))
	defer func() { endSpan(span, err) }()

	evs, err := s.candidates(ctx, institutionID, "", f)
	if err != nil {
		return model.Page{}, err
	}
	SortActiveFirst(evs)
	return Paginate(evs, f.Skip, f.Take), nil
}

// ListEventsByRoom is ListEvents scoped to roomID and ordered by ascending
// start only.
func (s *Service) ListEventsByRoom(ctx context.Context, institutionID, roomID string, f model.ListFilter) (_ model.Page, err error) {
	ctx, span := s.startSpan(ctx, "events.ListByRoom",
		attribute.String("institution_id", institutionID),
		attribute.String("room_id", roomID),
	)
	defer func() { endSpan(span, err) }()

	if roomID == "" {
		return model.Page{}, validate.Errorf(validate.RuleRoomRequired, "room id is required")
	}
	evs, err := s.candidates(ctx, institutionID, roomID, f)
	if err != nil {
		return model.Page{}, err
	}
	SortByStart(evs)
	return Paginate(evs, f.Skip, f.Take), nil
}

// CountEvents counts matching events. Without a status filter the store
// counts directly; with one, the reconciled candidate set is counted.
func (s *Service) CountEvents(ctx context.Context, institutionID string, f model.ListFilter) (int, error) {
	if f.Status == "" {
		if _, err := s.institutionName(ctx, institutionID); err != nil {
			return 0, err
		}
		return s.store.Count(ctx, storeQuery(institutionID, "", f))
	}
	evs, err := s.candidates(ctx, institutionID, "", f)
	if err != nil {
		return 0, err
	}
	return len(evs), nil
}

// candidates loads the filtered set, reconciles it, and applies the status
// filter against the recomputed statuses.
func (s *Service) candidates(ctx context.Context, institutionID, roomID string, f model.ListFilter) ([]model.Event, error) {
	if _, err := s.institutionName(ctx, institutionID); err != nil {
		return nil, err
	}
	evs, err := s.store.FindMany(ctx, storeQuery(institutionID, roomID, f))
	if err != nil {
		return nil, err
	}
	evs, err = s.reconcile(ctx, evs)
	if err != nil {
		return nil, err
	}
	if f.Status == "" {
		return evs, nil
	}
	kept := evs[:0]
	for _, ev := range evs {
		if ev.Status == f.Status {
			kept = append(kept, ev)
		}
	}
	return kept, nil
}

func (s *Service) institutionName(ctx context.Context, institutionID string) (string, error) {
	name, err := s.institutions.InstitutionName(ctx, institutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("institution %s: %w", institutionID, ErrNotFound)
		}
		return "", err
	}
	return name, nil
}

func storeQuery(institutionID, roomID string, f model.ListFilter) store.Query {
	return store.Query{
		InstitutionID: institutionID,
		RoomID:        roomID,
		Type:          f.Type,
		StartFrom:     f.StartDate,
		EndUntil:      f.EndDate,
		Search:        f.Search,
	}
}
