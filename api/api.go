// Package api is the distribution layer: a pull endpoint over stored
// records, a server-sent-events stream of new ones, and scheduler control.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vendtrak/fleetsync/bus"
	"github.com/vendtrak/fleetsync/normalize"
	"github.com/vendtrak/fleetsync/scheduler"
	"github.com/vendtrak/fleetsync/shield"
	"github.com/vendtrak/fleetsync/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	// heartbeatInterval keeps idle SSE connections alive through proxies.
	heartbeatInterval = 20 * time.Second
)

// Config wires the HTTP server.
type Config struct {
	Store     *store.Store
	Bus       *bus.Bus
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger

	// BaseCtx is the lifetime for scheduler loops started over HTTP; it must
	// outlive any single request. Defaults to context.Background().
	BaseCtx context.Context

	// Heartbeat overrides the SSE keepalive interval. Test seam.
	Heartbeat time.Duration
	// RateLimit for per-IP throttling; zero value uses the default.
	RateLimit shield.RateLimitConfig
}

// Server serves the distribution API.
type Server struct {
	cfg    Config
	router chi.Router
}

// New builds the router. The SSE stream and health check are excluded from
// rate limiting.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = heartbeatInterval
	}
	if cfg.BaseCtx == nil {
		cfg.BaseCtx = context.Background()
	}
	s := &Server{cfg: cfg}

	limiter := shield.NewRateLimiter(cfg.RateLimit, "/records/stream", "/health")
	limiter.StartGC(cfg.BaseCtx.Done())

	r := chi.NewRouter()
	r.Use(shield.TraceID)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxBody(64 * 1024))
	r.Use(limiter.Middleware)

	r.Get("/health", s.handleHealth)
	r.Get("/records", s.handleRecords)
	r.Get("/records/stream", s.handleStream)
	r.Get("/machines", s.handleMachines)
	r.Get("/sales", s.handleSales)
	r.Get("/scheduler", s.handleScheduler)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": s.cfg.Scheduler.Status().State,
	})
}

// handleRecords serves stored records newest first. ?since= (RFC 3339)
// filters to records strictly after the given instant; ?limit= caps the page.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
			return
		}
		since = t
	}

	recs, err := s.cfg.Store.Query(since, limit)
	if err != nil {
		shield.GetLogger(r.Context()).Error("records query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(recs),
		"records": recs,
	})
}

// handleStream pushes each newly stored record as one SSE data event, with a
// ping event on the heartbeat interval so proxies keep the connection open.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The bus delivers in the publisher's goroutine; relay through a channel
	// so all writes to w happen here.
	events := make(chan []normalize.Record, 16)
	unsubscribe := s.cfg.Bus.Subscribe(func(recs []normalize.Record) {
		select {
		case events <- recs:
		default:
			// Slow consumer: drop the batch rather than stall the cycle.
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	logger := shield.GetLogger(r.Context())
	logger.Info("stream connected")
	defer logger.Info("stream disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, "data: {\"type\":\"ping\"}\n\n")
			flusher.Flush()
		case recs := <-events:
			for _, rec := range recs {
				data, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.cfg.Store.Machines()
	if err != nil {
		shield.GetLogger(r.Context()).Error("machines query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    machines,
	})
}

func (s *Server) handleSales(w http.ResponseWriter, r *http.Request) {
	sum, err := s.cfg.Store.Sales(time.UTC)
	if err != nil {
		shield.GetLogger(r.Context()).Error("sales query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"totalSalesToday": sum.TotalSalesToday,
		"countToday":      sum.CountToday,
		"transactions":    sum.Transactions,
	})
}

// handleScheduler controls the sync loop: ?action=start&intervalMs=N,
// ?action=stop, or ?action=status.
func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	sched := s.cfg.Scheduler
	switch action := r.URL.Query().Get("action"); action {
	case "start":
		interval := time.Duration(queryInt(r, "intervalMs", 0)) * time.Millisecond
		// The loop must outlive this request, so it runs on BaseCtx.
		sched.Start(s.cfg.BaseCtx, interval)
		writeStatus(w, sched)
	case "stop":
		sched.Stop()
		writeStatus(w, sched)
	case "status", "":
		writeStatus(w, sched)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
	}
}

func writeStatus(w http.ResponseWriter, sched *scheduler.Scheduler) {
	st := sched.Status()
	payload := map[string]any{
		"success":    true,
		"state":      st.State,
		"intervalMs": st.Interval.Milliseconds(),
	}
	if !st.LastRun.IsZero() {
		payload["lastRun"] = st.LastRun.UTC().Format(time.RFC3339)
	}
	if st.LastError != "" {
		payload["lastError"] = st.LastError
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
