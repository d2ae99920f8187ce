package api

import (
	"bytes"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/presence"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes the live registry and cycle history over HTTP.
type Server struct {
	coord     *presence.Coordinator
	store     *db.DB
	sessionID string
	site      string
}

// NewServer creates a Server. store may be nil, in which case cycle history
// is served from the coordinator's in-memory window.
func NewServer(coord *presence.Coordinator, store *db.DB, sessionID, site string) *Server {
	return &Server{
		coord:     coord,
		store:     store,
		sessionID: sessionID,
		site:      site,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/count", s.showCount)
	mux.HandleFunc("/api/cycles", s.listCycles)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/report", s.showReport)
	mux.HandleFunc("/charts/people", s.handlePeopleChart)
	mux.HandleFunc("/charts/dwell", s.handleDwellChart)
	return mux
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, presence.Summarize(s.coord.Registry()))
}

// countResponse is the latest estimate in a shape stable across releases.
type countResponse struct {
	Site       string     `json:"site"`
	Seq        int        `json:"seq"`
	At         time.Time  `json:"at"`
	People     int        `json:"people"`
	Heard      int        `json:"heard"`
	Registered int        `json:"registered"`
	Clusters   [][]string `json:"clusters"`
	Excluded   []string   `json:"excluded,omitempty"`
}

func (s *Server) showCount(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	res, ok := s.coord.Latest()
	if !ok {
		httputil.NotFound(w, "no scan cycle has completed yet")
		return
	}
	httputil.WriteJSONOK(w, countResponse{
		Site:       s.site,
		Seq:        res.Seq,
		At:         res.At,
		People:     res.People,
		Heard:      len(res.Batch),
		Registered: res.Registered,
		Clusters:   res.Clusters.Clusters,
		Excluded:   res.Clusters.Excluded,
	})
}

func (s *Server) listCycles(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 100, 1, 10000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if s.store == nil {
		httputil.WriteJSONOK(w, memoryCycles(s.coord.History(), limit))
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.sessionID
	}
	cycles, err := s.store.Cycles(r.Context(), sessionID, limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve cycles: "+err.Error())
		return
	}
	if cycles == nil {
		cycles = []db.CycleRow{}
	}
	httputil.WriteJSONOK(w, cycles)
}

// memoryCycles shapes the in-memory history like the persisted rows.
func memoryCycles(history []presence.CycleResult, limit int) []db.CycleRow {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	rows := make([]db.CycleRow, 0, len(history))
	for _, res := range history {
		rows = append(rows, db.CycleRow{
			Seq:        res.Seq,
			At:         res.At,
			People:     res.People,
			Observed:   res.Observed,
			Skipped:    res.Skipped,
			Dropped:    res.Dropped,
			Registered: res.Registered,
		})
	}
	return rows
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if s.store == nil {
		httputil.NotFound(w, "history database not configured")
		return
	}
	sessions, err := s.store.Sessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve sessions: "+err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	cfg := s.coord.Config()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"site":                s.site,
		"session_id":          s.sessionID,
		"interval":            cfg.Interval.String(),
		"scan_timeout":        cfg.ScanTimeout.String(),
		"reference_power":     s.coord.Registry().ReferencePower(),
		"distance_ceiling":    cfg.DistanceCeiling,
		"proximity_threshold": cfg.ProximityThreshold,
	})
}

// showReport renders the same table printed at shutdown.
func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	var buf bytes.Buffer
	if err := presence.WriteReport(&buf, s.coord.Registry()); err != nil {
		httputil.InternalServerError(w, "failed to render report: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
