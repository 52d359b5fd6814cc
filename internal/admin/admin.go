// Package admin provides the admin API for runtime inspection and
// intervention: pool and circuit state, resource samples, forced
// disconnects, and the paired-device registry. All endpoints sit behind
// an IP allowlist, plus JWT scope checking when auth is enabled.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/dskow/ble-bridge/internal/auth"
	"github.com/dskow/ble-bridge/internal/circuitbreaker"
	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/failover"
	"github.com/dskow/ble-bridge/internal/limiter"
	"github.com/dskow/ble-bridge/internal/metrics"
	"github.com/dskow/ble-bridge/internal/middleware"
	"github.com/dskow/ble-bridge/internal/pool"
	"github.com/dskow/ble-bridge/internal/registry"
	"github.com/dskow/ble-bridge/internal/shutdown"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	pool        *pool.Pool
	breaker     *circuitbreaker.Breaker
	failover    *failover.Failover
	limiter     *limiter.Limiter
	registry    *registry.Registry
	coord       *shutdown.Coordinator
	authMW      func(http.Handler) http.Handler
	deadlineMW  func(http.Handler) http.Handler
	allowedNets []*net.IPNet
	sessions    func() int
	forget      func(id string)
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). registry may be nil when the device
// registry is disabled; its routes are then not registered. sessions and
// forget are optional hooks into the session server.
func New(
	reloader ConfigProvider,
	p *pool.Pool,
	b *circuitbreaker.Breaker,
	fo *failover.Failover,
	lim *limiter.Limiter,
	reg *registry.Registry,
	coord *shutdown.Coordinator,
	authCfg config.AuthConfig,
	adminCfg config.AdminConfig,
	sessions func() int,
	forget func(id string),
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(adminCfg.IPAllowlist))
	for _, cidr := range adminCfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		pool:        p,
		breaker:     b,
		failover:    fo,
		limiter:     lim,
		registry:    reg,
		coord:       coord,
		authMW:      auth.Middleware(authCfg, authCfg.AdminScope, logger),
		deadlineMW:  middleware.Deadline(adminCfg.RequestTimeout),
		allowedNets: nets,
		sessions:    sessions,
		forget:      forget,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	h.route(mux, "GET /admin/status", "status", h.statusHandler)
	h.route(mux, "GET /admin/breakers", "breakers", h.breakersHandler)
	h.route(mux, "POST /admin/breakers/reset", "breakers_reset", h.breakersResetHandler)
	h.route(mux, "GET /admin/connections", "connections", h.connectionsHandler)
	h.route(mux, "POST /admin/connections/disconnect", "disconnect", h.disconnectHandler)
	h.route(mux, "GET /admin/config", "config", h.configHandler)

	if h.registry != nil {
		h.route(mux, "GET /admin/registry", "registry", h.registryListHandler)
		h.route(mux, "POST /admin/registry", "registry", h.registryCreateHandler)
		h.route(mux, "GET /admin/registry/{id}", "registry", h.registryGetHandler)
		h.route(mux, "PUT /admin/registry/{id}", "registry", h.registryUpdateHandler)
		h.route(mux, "DELETE /admin/registry/{id}", "registry", h.registryDeleteHandler)
	}
}

func (h *Handler) route(mux *http.ServeMux, pattern, endpoint string, fn http.HandlerFunc) {
	mux.Handle(pattern, h.counted(endpoint, h.guard(h.deadlineMW(h.authMW(fn)))))
}

// counted records the request in the admin counter once the handler chain
// finishes.
func (h *Handler) counted(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.AdminRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) statusHandler(w http.ResponseWriter, r *http.Request) {
	sessions := 0
	if h.sessions != nil {
		sessions = h.sessions()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":          h.pool.Stats(),
		"tier_attempts": h.failover.AttemptsSnapshot(),
		"limits":        h.limiter.Snapshot(),
		"sessions":      sessions,
	})
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	snaps := h.breaker.Snapshot()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	writeJSON(w, http.StatusOK, map[string]interface{}{"breakers": snaps})
}

// breakersResetHandler forces circuits back to closed. With ?key= it
// resets one circuit, otherwise all of them. Resetting an unknown key is
// a no-op.
func (h *Handler) breakersResetHandler(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		h.breaker.ResetAll()
		h.logger.Info("all circuit breakers reset", "client_ip", extractIP(r.RemoteAddr))
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "scope": "all"})
		return
	}
	h.breaker.Reset(key)
	h.logger.Info("circuit breaker reset", "key", key, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "key": key})
}

func (h *Handler) connectionsHandler(w http.ResponseWriter, r *http.Request) {
	snaps := h.pool.Snapshot()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": snaps,
		"stats":       h.pool.Stats(),
	})
}

// disconnectHandler force-closes one pooled connection: transport torn
// down, connection evicted, and any session holding it told to let go.
func (h *Handler) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing id parameter"})
		return
	}

	conn, ok := h.pool.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}

	if err := h.coord.ShutdownOne(r.Context(), conn); err != nil {
		h.logger.Warn("forced disconnect teardown", "connection_id", id, "error", err)
	}
	if err := h.pool.Discard(r.Context(), id, "admin_forced"); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}
	if h.forget != nil {
		h.forget(id)
	}

	h.logger.Info("connection force-disconnected", "connection_id", id, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected", "connection_id": id})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy is enough here; only a scalar field is redacted.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func (h *Handler) registryListHandler(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("registry list failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}

	// Pagination: page/page_size from query params. The registry grows
	// unbounded as unknown devices are auto-registered.
	pageSize := 100
	page := 0
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(devices)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices[start:end],
		"total":   total,
		"page":    page,
	})
}

func (h *Handler) registryGetHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		h.logger.Error("registry get failed", "device_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) registryCreateHandler(w http.ResponseWriter, r *http.Request) {
	var d registry.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(d.ID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device id is required"})
		return
	}

	if _, err := h.registry.Get(r.Context(), d.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "device already registered"})
		return
	}

	if err := h.registry.Create(r.Context(), &d); err != nil {
		h.logger.Error("registry create failed", "device_id", d.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}
	h.logger.Info("device registered", "device_id", d.ID, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) registryUpdateHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var d registry.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	d.ID = id // the path, not the body, names the device

	if err := h.registry.Update(r.Context(), &d); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		h.logger.Error("registry update failed", "device_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) registryDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
			return
		}
		h.logger.Error("registry delete failed", "device_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registry unavailable"})
		return
	}
	h.logger.Info("device unregistered", "device_id", id, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
