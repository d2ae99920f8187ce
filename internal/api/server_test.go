package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/ble"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

// windowScanner returns one scripted window per Scan call.
type windowScanner struct {
	windows [][]ble.Observation
	next    int
}

func (s *windowScanner) Scan(context.Context, time.Duration) ([]ble.Observation, error) {
	if s.next >= len(s.windows) {
		return nil, nil
	}
	w := s.windows[s.next]
	s.next++
	return w, nil
}

func newTestCoordinator(t *testing.T, sinks ...presence.CycleSink) (*presence.Coordinator, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(t0)
	scanner := &windowScanner{windows: [][]ble.Observation{
		{
			{Address: "AA:00:00:00:00:01", SignalStrength: -59, AdvertisedName: "Phone"},
			{Address: "AA:00:00:00:00:02", SignalStrength: -61},
			{Address: "AA:00:00:00:00:03", SignalStrength: -68},
		},
		{
			{Address: "AA:00:00:00:00:01", SignalStrength: -60},
		},
	}}
	coord := presence.NewCoordinator(scanner, presence.NewRegistry(ble.DefaultReferencePower),
		presence.DefaultCoordinatorConfig(), presence.WithClock(clock), presence.WithSinks(sinks...))
	return coord, clock
}

func runCycles(t *testing.T, coord *presence.Coordinator, clock *timeutil.MockClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := coord.Cycle(context.Background())
		require.NoError(t, err)
		clock.Advance(5 * time.Second)
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestCount_BeforeFirstCycle(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	mux := NewServer(coord, nil, "", "lobby").ServeMux()

	w := get(t, mux, "/api/count")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCount(t *testing.T) {
	coord, clock := newTestCoordinator(t)
	runCycles(t, coord, clock, 1)
	mux := NewServer(coord, nil, "", "lobby").ServeMux()

	w := get(t, mux, "/api/count")
	require.Equal(t, http.StatusOK, w.Code)

	var got countResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "lobby", got.Site)
	assert.Equal(t, 1, got.Seq)
	assert.Equal(t, 3, got.Heard)
	// -59 and -61 dBm range within 1.5 m of each other; -68 does not
	assert.Equal(t, 2, got.People)
	assert.Len(t, got.Clusters, 2)
}

func TestDevices(t *testing.T) {
	coord, clock := newTestCoordinator(t)
	runCycles(t, coord, clock, 2)
	mux := NewServer(coord, nil, "", "lobby").ServeMux()

	w := get(t, mux, "/api/devices")
	require.Equal(t, http.StatusOK, w.Code)

	var got presence.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Rows, 3)
	assert.Equal(t, "Phone", got.Rows[0].Name)
	assert.Equal(t, 2, got.Rows[0].ObservationCount)
	assert.Equal(t, 5.0, got.Rows[0].DwellSeconds)
	assert.InDelta(t, 5.0/3, got.AverageDwellSeconds, 1e-9)
}

func TestCycles_FromMemory(t *testing.T) {
	coord, clock := newTestCoordinator(t)
	runCycles(t, coord, clock, 2)
	mux := NewServer(coord, nil, "", "lobby").ServeMux()

	w := get(t, mux, "/api/cycles?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	var got []db.CycleRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Seq)

	w = get(t, mux, "/api/cycles?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCycles_FromDatabase(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "presence.db"))
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.StartSession(context.Background(), "lobby", ble.DefaultReferencePower, presence.DefaultCoordinatorConfig(), t0)
	require.NoError(t, err)

	coord, clock := newTestCoordinator(t, rec)
	runCycles(t, coord, clock, 2)
	mux := NewServer(coord, store, rec.Session().ID, "lobby").ServeMux()

	w := get(t, mux, "/api/cycles")
	require.Equal(t, http.StatusOK, w.Code)
	var got []db.CycleRow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].People)
	assert.Equal(t, 1, got[1].People)

	w = get(t, mux, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []db.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, rec.Session().ID, sessions[0].ID)
}

func TestSessions_NoDatabase(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	w := get(t, NewServer(coord, nil, "", "lobby").ServeMux(), "/api/sessions")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConfig(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	w := get(t, NewServer(coord, nil, "s-1", "lobby").ServeMux(), "/api/config")
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "5s", got["interval"])
	assert.Equal(t, 5.0, got["distance_ceiling"])
	assert.Equal(t, 1.5, got["proximity_threshold"])
	assert.Equal(t, -59.0, got["reference_power"])
}

func TestReport(t *testing.T) {
	coord, clock := newTestCoordinator(t)
	runCycles(t, coord, clock, 2)
	w := get(t, NewServer(coord, nil, "", "lobby").ServeMux(), "/api/report")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "Average Dwelling Time: 1.67 seconds")
}

func TestCharts(t *testing.T) {
	coord, clock := newTestCoordinator(t)
	runCycles(t, coord, clock, 2)
	mux := NewServer(coord, nil, "", "lobby").ServeMux()

	for _, path := range []string{"/charts/people", "/charts/dwell"} {
		w := get(t, mux, path)
		require.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, w.Body.String(), "echarts", path)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	mux := NewServer(coord, nil, "", "lobby").ServeMux()

	for _, path := range []string{"/api/devices", "/api/count", "/api/cycles", "/api/config", "/charts/people"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	assert.Contains(t, statusCodeColor(200), "200")
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
}
