package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/mqtt"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/observability"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/ratelimit"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultHistoryLimit = 100

type HealthSource interface {
	Health() mqtt.HealthStatus
}

type Server struct {
	repo    *store.Repo
	opts    ServerOptions
	handler http.Handler
}

type ServerOptions struct {
	ServiceName string
	Tracer      trace.Tracer
	// Limiter guards /api routes; nil disables rate limiting.
	Limiter *ratelimit.Limiter
	// Realtime is mounted at /ws when set.
	Realtime http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Health  HealthSource
}

func NewServer(repo *store.Repo, opts ServerOptions) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "telemetry-service"
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(opts.ServiceName)
	}
	s := &Server{repo: repo, opts: opts}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(s.opts.Tracer))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Trace-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	if s.opts.Realtime != nil {
		r.Method(http.MethodGet, "/ws", s.opts.Realtime)
	}

	r.Route("/api/device", func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(s.opts.Limiter.Middleware(ratelimit.KeyByIP))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
	})
	return r
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

// statusResponse renders Timestamp as an RFC 3339 string for known devices
// and as -1 for unknown ones.
type statusResponse struct {
	Speed     float64 `json:"speed"`
	Timestamp any     `json:"timestamp"`
}

var unknownStatus = statusResponse{Speed: -1, Timestamp: -1}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing device_id parameter"})
		return
	}

	st, ok, err := s.repo.GetLatest(r.Context(), deviceID)
	if err != nil {
		slog.Error("status query failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query status")
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, unknownStatus)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Speed:     st.Speed,
		Timestamp: st.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

type historyResponse struct {
	DeviceID string               `json:"device_id,omitempty"`
	Limit    int                  `json:"limit"`
	Entries  []store.HistoryEntry `json:"entries"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := strings.TrimSpace(q.Get("device_id"))

	limit := defaultHistoryLimit
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	limit = max(1, min(limit, s.repo.HistoryCap()))

	rows, err := s.repo.ListHistory(r.Context(), deviceID, limit)
	if err != nil {
		slog.Error("history query failed", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not query history")
		return
	}
	if rows == nil {
		rows = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{DeviceID: deviceID, Limit: limit, Entries: rows})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	h := s.opts.Health.Health()
	status := http.StatusOK
	if h.Degraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": !h.Degraded, "mqtt": h})
}
