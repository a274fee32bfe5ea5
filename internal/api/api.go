// Package api is the minimal admin surface: read endpoints over the event
// store, plus the admin-token-protected destructive reset spec.md's admin
// token exists to gate. The dashboard itself (analytics, UI) is an external
// collaborator this core does not implement.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tokentap/tokentap/internal/security"
	"github.com/tokentap/tokentap/internal/store"
)

// Server is the admin HTTP API.
type Server struct {
	store     store.EventStore
	security  *security.Gate
	logger    *slog.Logger
	mux       *http.ServeMux
	limiter   *RateLimiter
	startTime time.Time
}

// NewServer creates the admin API server.
func NewServer(st store.EventStore, sec *security.Gate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:     st,
		security:  sec,
		logger:    logger,
		mux:       http.NewServeMux(),
		limiter:   NewRateLimiter(5, 20),
		startTime: time.Now(),
	}

	s.mux.HandleFunc("GET /api/health", s.healthCheck)
	s.mux.HandleFunc("GET /api/events", s.listEvents)
	s.mux.HandleFunc("GET /api/events/count", s.countEvents)
	s.mux.HandleFunc("DELETE /api/events/all", s.limiter.Middleware(s.adminMiddleware(s.deleteAllEvents)).ServeHTTP)
	s.mux.HandleFunc("GET /api/devices", s.listDevices)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.renameDevice)
	s.mux.HandleFunc("POST /api/security/network-mode", s.limiter.Middleware(s.adminMiddleware(s.setNetworkMode)).ServeHTTP)
	s.mux.HandleFunc("POST /api/security/debug-mode", s.limiter.Middleware(s.adminMiddleware(s.setDebugMode)).ServeHTTP)

	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// adminMiddleware requires a valid X-Admin-Token header for destructive and
// security-control operations; spec.md §4.7's 403-without-hint-missing,
// 403-on-mismatch contract.
func (s *Server) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(security.AdminTokenHeader) == "" {
			http.Error(w, "missing "+security.AdminTokenHeader+" header", http.StatusForbidden)
			return
		}
		if !s.security.VerifyAdminToken(r) {
			http.Error(w, "invalid admin token", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers for local dashboard development.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+security.AdminTokenHeader)
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if len(origin) >= len(prefix) && origin[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// healthCheck reports liveness plus a coarse event count. The proxy's own
// /health (served through the proxy protocol, internal/proxy's handleHealth)
// is the one scenario 6/§11 cares about; this is the admin surface's
// equivalent for operators polling the control API directly.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}

	if n, err := s.store.CountEvents(ctx, store.EventFilter{}); err == nil {
		health.TotalEvents = n
	}
	if s.security != nil {
		health.NetworkMode = string(s.security.NetworkMode())
		health.DebugMode = s.security.DebugMode()
	}

	s.writeJSON(w, health)
}

// listEvents returns a paginated, filtered event list.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	filter := parseEventFilter(r)

	events, err := s.store.FindEvents(ctx, filter)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, events)
}

// countEvents returns the count of events matching filter, the primitive
// scenario 6 ("subsequent count() returns 0") is built on.
func (s *Server) countEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	n, err := s.store.CountEvents(ctx, parseEventFilter(r))
	if err != nil {
		s.logger.Error("failed to count events", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]int{"count": n})
}

// deleteAllEvents is the admin-token-protected destructive reset, spec.md
// §8 scenario 6: wipes every event, device rows survive.
func (s *Server) deleteAllEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.store.DeleteAllEvents(ctx); err != nil {
		s.logger.Error("failed to delete all events", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Warn("admin: all events deleted")
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// listDevices returns the device registry.
func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		s.logger.Error("failed to list devices", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, devices)
}

// renameDevice sets the operator-assigned display name for a device.
func (s *Server) renameDevice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "Missing device ID", http.StatusBadRequest)
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "Bad request: expected {\"name\": \"...\"}", http.StatusBadRequest)
		return
	}

	if err := s.store.RenameDevice(ctx, id, body.Name); err != nil {
		s.logger.Error("failed to rename device", "device_id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]string{"status": "ok"})
}

// setNetworkMode flips the bind-address mode (§4.7's network_mode switch),
// admin-token protected since it widens exposure to 0.0.0.0.
func (s *Server) setNetworkMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if err := s.security.SetNetworkMode(security.NetworkMode(body.Mode)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// setDebugMode flips whether raw bodies and message content persist
// unredacted, admin-token protected per spec.md's debug_mode invariant.
func (s *Server) setDebugMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if err := s.security.SetDebugMode(body.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func parseEventFilter(r *http.Request) store.EventFilter {
	filter := store.EventFilter{Limit: 50, Offset: 0}

	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}
	if v := q.Get("provider_id"); v != "" {
		filter.ProviderID = &v
	}
	if v := q.Get("model"); v != "" {
		filter.Model = &v
	}
	if v := q.Get("program"); v != "" {
		filter.Program = &v
	}
	if v := q.Get("project"); v != "" {
		filter.Project = &v
	}
	if v := q.Get("device_id"); v != "" {
		filter.DeviceID = &v
	}
	if v := q.Get("is_token_consuming"); v != "" {
		b := v == "true"
		filter.IsTokenConsuming = &b
	}
	if v := q.Get("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartTime = &t
		}
	}
	if v := q.Get("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndTime = &t
		}
	}

	return filter
}

// HealthResponse is the API response for health status.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	TotalEvents int       `json:"total_events"`
	NetworkMode string    `json:"network_mode"`
	DebugMode   bool      `json:"debug_mode"`
}
