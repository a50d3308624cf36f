package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"carecal/internal/events"
	"carecal/internal/ics"
	appLog "carecal/internal/log"
	"carecal/internal/model"
	"carecal/internal/validate"
)

const maxBodyBytes = 1 << 20

type recurrenceDTO struct {
	Generated int    `json:"generated"`
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
}

type createResponse struct {
	model.Event
	Recurrence *recurrenceDTO `json:"recurrence,omitempty"`
}

type countResponse struct {
	Total int `json:"total"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	institutionID := mux.Vars(r)["institutionID"]

	var in model.EventInput
	if !decodeBody(w, r, &in) {
		return
	}

	rep, err := s.svc.CreateEventWithReport(r.Context(), institutionID, in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := createResponse{Event: rep.Event}
	if cc := rep.Event.CareConfiguration; cc != nil && cc.Frequency.Recurring() {
		resp.Recurrence = &recurrenceDTO{Generated: rep.Generated, Truncated: rep.Truncated}
		if rep.ExpansionErr != nil {
			resp.Recurrence.Error = rep.ExpansionErr.Error()
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.GetEventByID(r.Context(), mux.Vars(r)["eventID"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch model.EventPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	ev, err := s.svc.UpdateEvent(r.Context(), mux.Vars(r)["eventID"], patch)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteEvent(r.Context(), mux.Vars(r)["eventID"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	page, err := s.svc.ListEvents(r.Context(), mux.Vars(r)["institutionID"], f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListByRoom(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	page, err := s.svc.ListEventsByRoom(r.Context(), vars["institutionID"], vars["roomID"], f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	n, err := s.svc.CountEvents(r.Context(), mux.Vars(r)["institutionID"], f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Total: n})
}

func (s *Server) handleListICS(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	institutionID := mux.Vars(r)["institutionID"]
	page, err := s.svc.ListEvents(r.Context(), institutionID, f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeFeed(w, r, institutionID, "", page.Items)
}

func (s *Server) handleListByRoomICS(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	page, err := s.svc.ListEventsByRoom(r.Context(), vars["institutionID"], vars["roomID"], f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeFeed(w, r, vars["institutionID"], vars["roomID"], page.Items)
}

func (s *Server) writeFeed(w http.ResponseWriter, r *http.Request, institutionID, roomID string, evs []model.Event) {
	name := institutionID
	if s.institutions != nil {
		if n, err := s.institutions.InstitutionName(r.Context(), institutionID); err == nil {
			name = n
		} else if !errors.Is(err, events.ErrNotFound) {
			s.writeServiceError(w, r, err)
			return
		}
	}
	if roomID != "" {
		name += " / " + roomID
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := ics.Write(w, ics.Feed{Name: name, Events: evs}); err != nil {
		appLog.Error("failed to write calendar feed", err, "institution_id", institutionID)
	}
}

// parseFilter reads take, skip, type, status, start_date, end_date and
// search. Dates accept RFC 3339 or YYYY-MM-DD in the configured timezone.
func (s *Server) parseFilter(r *http.Request) (model.ListFilter, error) {
	q := r.URL.Query()
	f := model.ListFilter{
		Take:   parseIntDefault(q.Get("take"), 0),
		Skip:   parseIntDefault(q.Get("skip"), 0),
		Search: strings.TrimSpace(q.Get("search")),
	}
	if f.Skip < 0 {
		f.Skip = 0
	}

	if v := q.Get("type"); v != "" {
		t := model.EventType(v)
		if !t.Valid() {
			return f, validate.Errorf(validate.RuleInvalidFilter, "unknown event type %q", v)
		}
		f.Type = t
	}
	if v := q.Get("status"); v != "" {
		st := model.Status(v)
		if !st.Valid() {
			return f, validate.Errorf(validate.RuleInvalidFilter, "unknown status %q", v)
		}
		f.Status = st
	}

	var err error
	if f.StartDate, err = s.parseDate(q.Get("start_date"), false); err != nil {
		return f, validate.Errorf(validate.RuleInvalidFilter, "start_date: %v", err)
	}
	if f.EndDate, err = s.parseDate(q.Get("end_date"), true); err != nil {
		return f, validate.Errorf(validate.RuleInvalidFilter, "end_date: %v", err)
	}
	return f, nil
}

// parseDate returns nil for an empty value. A bare date used as an upper
// bound covers the whole day.
func (s *Server) parseDate(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return &t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", v, s.loc)
	if err != nil {
		return nil, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	if endOfDay {
		d = d.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &d, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *validate.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errResp{Error: ve.Message, Rule: ve.Rule})
	case errors.Is(err, events.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		appLog.Error("request failed", err, "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
