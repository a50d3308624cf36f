package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carecal/internal/events"
	"carecal/internal/metrics"
	"carecal/internal/model"
	"carecal/internal/recurrence"
	"carecal/internal/store"
)

var now = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, store.DialectSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := func() time.Time { return now }
	st := store.New(db, store.DialectSQLite).WithClock(clock)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.UpsertInstitution(ctx, "inst-1", "Sunrise Care Home"))

	m := metrics.New(prometheus.NewRegistry())
	svc := events.NewService(st, st, recurrence.New(recurrence.Config{Location: time.UTC}),
		events.WithClock(clock), events.WithRecorder(m))

	srv := NewServer(svc, st, Options{
		Timezone:   "UTC",
		Metrics:    m.Handler(),
		Instrument: m,
		AccessLog:  io.Discard,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			buf, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(buf)
		}
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createBody(name string, start time.Time) map[string]any {
	return map[string]any{
		"name":       name,
		"type":       "Social",
		"start_time": start.Format(time.RFC3339),
		"end_time":   start.Add(time.Hour).Format(time.RFC3339),
		"room_ids":   []string{"r-1"},
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(b))
}

func TestEventCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/institutions/inst-1/events", createBody("Tea", now.Add(time.Hour)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createResponse](t, resp)
	assert.Equal(t, model.StatusUpcoming, created.Status)
	assert.Equal(t, "Sunrise Care Home", created.Location)
	assert.Nil(t, created.Recurrence)

	resp = do(t, http.MethodGet, ts.URL+"/api/events/"+created.EventID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[model.Event](t, resp)
	assert.Equal(t, "Tea", got.Name)
	assert.Equal(t, []string{"r-1"}, got.RoomIDs)

	resp = do(t, http.MethodPatch, ts.URL+"/api/events/"+created.EventID, `{"status":"Cancelled"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusCancelled, decode[model.Event](t, resp).Status)

	resp = do(t, http.MethodPatch, ts.URL+"/api/events/"+created.EventID, `{"status":"Ongoing"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "status_transition", decode[errResp](t, resp).Rule)

	resp = do(t, http.MethodDelete, ts.URL+"/api/events/"+created.EventID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/events/"+created.EventID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateErrors(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/institutions/inst-1/events", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := createBody("Backwards", now)
	body["end_time"] = now.Add(-time.Hour).Format(time.RFC3339)
	resp = do(t, http.MethodPost, ts.URL+"/api/institutions/inst-1/events", body)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "time_range", decode[errResp](t, resp).Rule)

	resp = do(t, http.MethodPost, ts.URL+"/api/institutions/nowhere/events", createBody("x", now))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRecurringReportsFanOut(t *testing.T) {
	ts := newTestServer(t)

	start := now.Add(24 * time.Hour)
	body := map[string]any{
		"name":       "Physio",
		"type":       "Care",
		"start_time": start.Format(time.RFC3339),
		"end_time":   start.Add(time.Hour).Format(time.RFC3339),
		"care_configuration": map[string]any{
			"sub_type":  "Physiotherapy",
			"frequency": "Weekly",
		},
	}
	resp := do(t, http.MethodPost, ts.URL+"/api/institutions/inst-1/events", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createResponse](t, resp)
	require.NotNil(t, created.Recurrence)
	assert.Equal(t, 12, created.Recurrence.Generated)
	assert.False(t, created.Recurrence.Truncated)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events/count?type=Care", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 13, decode[countResponse](t, resp).Total)
}

func TestListQueryParameters(t *testing.T) {
	ts := newTestServer(t)

	for i, name := range []string{"Garden club", "Book club", "Chess"} {
		resp := do(t, http.MethodPost, ts.URL+"/api/institutions/inst-1/events",
			createBody(name, now.AddDate(0, 0, i+1)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?take=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[model.Page](t, resp)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Garden club", page.Items[0].Name)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?search=CLUB", nil)
	assert.Equal(t, 2, decode[model.Page](t, resp).Total)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?start_date=2026-10-16", nil)
	assert.Equal(t, 2, decode[model.Page](t, resp).Total)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?end_date=2026-10-15", nil)
	assert.Equal(t, 1, decode[model.Page](t, resp).Total)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?status=Ended", nil)
	assert.Equal(t, 0, decode[model.Page](t, resp).Total)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?skip=1&take=9223372036854775807", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decode[model.Page](t, resp)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Items, 2)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/nowhere/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?type=Party", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_filter", decode[errResp](t, resp).Rule)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events?start_date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListByRoomAndFeed(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, http.MethodPost, ts.URL+"/api/institutions/inst-1/events", createBody("Bingo", now.Add(2*time.Hour)))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/rooms/r-1/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decode[model.Page](t, resp).Total)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/rooms/r-9/events", nil)
	assert.Equal(t, 0, decode[model.Page](t, resp).Total)

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/events.ics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/calendar"))
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "SUMMARY:Bingo")
	assert.Contains(t, string(b), "X-WR-CALNAME:Sunrise Care Home")

	resp = do(t, http.MethodGet, ts.URL+"/api/institutions/inst-1/rooms/r-1/events.ics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "X-WR-CALNAME:Sunrise Care Home / r-1")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	do(t, http.MethodGet, ts.URL+"/api/events/missing", nil)
	resp := do(t, http.MethodGet, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `route="GET /api/events/{eventID}"`)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, ts.URL+"/api/events/abc", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
