// Package metrics exposes Prometheus counters for the event lifecycle and
// an HTTP instrumentation wrapper.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carecal/internal/model"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	eventsCreated        *prometheus.CounterVec
	occurrencesGenerated prometheus.Counter
	recurrenceTruncated  prometheus.Counter
	recurrenceFailures   prometheus.Counter
	statusReconciled     *prometheus.CounterVec
	httpRequestsTotal    *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New registers the collectors on reg. Passing a fresh registry keeps tests
// independent of the process-wide default.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		eventsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carecal_events_created_total",
			Help: "Events created through the API, by event type.",
		}, []string{"type"}),
		occurrencesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carecal_occurrences_generated_total",
			Help: "Recurring occurrences persisted by fan-out.",
		}),
		recurrenceTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carecal_recurrence_truncated_total",
			Help: "Fan-outs that hit the occurrence cap before the horizon.",
		}),
		recurrenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carecal_recurrence_failures_total",
			Help: "Fan-outs that stopped early because of an error.",
		}),
		statusReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carecal_status_reconciliations_total",
			Help: "Stored statuses corrected on read, by new status.",
		}, []string{"status"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carecal_http_requests_total",
			Help: "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carecal_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.eventsCreated,
		m.occurrencesGenerated,
		m.recurrenceTruncated,
		m.recurrenceFailures,
		m.statusReconciled,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) EventCreated(t model.EventType) {
	if m == nil {
		return
	}
	m.eventsCreated.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) OccurrencesGenerated(n int, truncated bool) {
	if m == nil {
		return
	}
	m.occurrencesGenerated.Add(float64(n))
	if truncated {
		m.recurrenceTruncated.Inc()
	}
}

func (m *Metrics) ExpansionFailed() {
	if m == nil {
		return
	}
	m.recurrenceFailures.Inc()
}

func (m *Metrics) StatusReconciled(to model.Status) {
	if m == nil {
		return
	}
	m.statusReconciled.WithLabelValues(string(to)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records count and latency for next under the given route
// label. Route should be a template, never a raw path.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry this Metrics was created with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
