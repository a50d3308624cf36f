package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"carecal/internal/events"
	appLog "carecal/internal/log"
	"carecal/internal/model"
)

// EventService is the lifecycle API the HTTP layer drives.
type EventService interface {
	CreateEventWithReport(ctx context.Context, institutionID string, in model.EventInput) (events.CreateReport, error)
	UpdateEvent(ctx context.Context, eventID string, patch model.EventPatch) (*model.Event, error)
	DeleteEvent(ctx context.Context, eventID string) error
	GetEventByID(ctx context.Context, eventID string) (*model.Event, error)
	ListEvents(ctx context.Context, institutionID string, f model.ListFilter) (model.Page, error)
	ListEventsByRoom(ctx context.Context, institutionID, roomID string, f model.ListFilter) (model.Page, error)
	CountEvents(ctx context.Context, institutionID string, f model.ListFilter) (int, error)
}

// RouteInstrumenter wraps a handler with per-route metrics.
type RouteInstrumenter interface {
	WrapHandler(route string, next http.Handler) http.Handler
}

// Options configures a Server. Zero values are usable.
type Options struct {
	// Timezone resolves date-only query parameters (YYYY-MM-DD).
	Timezone string
	// Metrics, when set, is mounted on /metrics.
	Metrics http.Handler
	// Instrument, when set, records every matched route.
	Instrument RouteInstrumenter
	// AccessLog receives Apache-style access lines. Defaults to stderr.
	AccessLog io.Writer
}

// Server provides the HTTP JSON API over the event lifecycle service.
type Server struct {
	svc          EventService
	institutions events.InstitutionDirectory
	opts         Options
	loc          *time.Location
	router       *mux.Router
}

// NewServer constructs a new Server.
func NewServer(svc EventService, institutions events.InstitutionDirectory, opts Options) *Server {
	if opts.AccessLog == nil {
		opts.AccessLog = os.Stderr
	}
	s := &Server{
		svc:          svc,
		institutions: institutions,
		opts:         opts,
		loc:          resolveLocationOrLocal(opts.Timezone),
		router:       mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed API wrapped in access logging and panic
// recovery.
func (s *Server) Handler() http.Handler {
	h := handlers.LoggingHandler(s.opts.AccessLog, s.router)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(false),
	)(h)
}

func (s *Server) registerRoutes() {
	r := s.router
	if s.opts.Instrument != nil {
		r.Use(s.instrument)
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}

	inst := r.PathPrefix("/api/institutions/{institutionID}").Subrouter()
	inst.HandleFunc("/events", s.handleCreate).Methods(http.MethodPost)
	inst.HandleFunc("/events", s.handleList).Methods(http.MethodGet)
	inst.HandleFunc("/events/count", s.handleCount).Methods(http.MethodGet)
	inst.HandleFunc("/events.ics", s.handleListICS).Methods(http.MethodGet)
	inst.HandleFunc("/rooms/{roomID}/events", s.handleListByRoom).Methods(http.MethodGet)
	inst.HandleFunc("/rooms/{roomID}/events.ics", s.handleListByRoomICS).Methods(http.MethodGet)

	r.HandleFunc("/api/events/{eventID}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/api/events/{eventID}", s.handleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/api/events/{eventID}", s.handleDelete).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// instrument labels metrics with the matched route template so that path
// parameters do not explode label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = r.Method + " " + tpl
			}
		}
		s.opts.Instrument.WrapHandler(route, next).ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

type errResp struct {
	Error string `json:"error"`
	Rule  string `json:"rule,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	var err error
	for _, x := range v {
		if e, ok := x.(error); ok {
			err = e
			break
		}
	}
	if err == nil {
		err = errors.New("panic in handler")
	}
	appLog.Error("recovered from panic", err, "detail", v)
}
