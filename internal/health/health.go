package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dskow/ble-bridge/internal/circuitbreaker"
	"github.com/dskow/ble-bridge/internal/pool"
)

// Pre-serialized probe bodies avoid json.Encoder allocation.
var (
	livenessBody = []byte(`{"status":"ok"}` + "\n")
	drainingBody = []byte(`{"status":"draining"}` + "\n")
)

const readinessCacheTTL = 5 * time.Second

// Handler provides the /health and /ready endpoints.
type Handler struct {
	pool        *pool.Pool
	breaker     *circuitbreaker.Breaker
	adapterAddr string
	draining    func() bool
	logger      *slog.Logger

	// Cached readiness result so aggressive load balancer polling does
	// not add lock pressure on the pool and breaker. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates the probe Handler. adapterAddr is the device daemon address
// to reach-check on readiness; empty when the adapter is in-process.
// draining reports whether session draining has begun and may be nil.
func New(p *pool.Pool, b *circuitbreaker.Breaker, adapterAddr string, draining func() bool, logger *slog.Logger) *Handler {
	return &Handler{
		pool:        p,
		breaker:     b,
		adapterAddr: adapterAddr,
		draining:    draining,
		logger:      logger,
	}
}

// RegisterRoutes adds the probe routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Draining flips readiness immediately, bypassing the cache, so load
	// balancers stop routing as soon as shutdown begins.
	if h.draining != nil && h.draining() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write(drainingBody)
		return
	}

	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	ready := true

	// Reach-check the external device daemon when one is configured.
	adapterStatus := "ok"
	if h.adapterAddr != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", h.adapterAddr)
		cancel()
		if err != nil {
			h.logger.Warn("device daemon unreachable", "addr", h.adapterAddr, "error", err)
			adapterStatus = "unreachable"
			ready = false
		} else {
			conn.Close()
		}
	}

	// Tier circuits: not ready only when EVERY priority tier is open. A
	// single open tier still leaves the other tiers serving.
	tiers := make(map[string]string)
	openTiers := 0
	for _, ks := range h.breaker.Snapshot() {
		if !strings.HasPrefix(ks.Key, "tier:") {
			continue
		}
		tiers[ks.Key] = ks.State
		if ks.State == circuitbreaker.StateOpen.String() {
			openTiers++
		}
	}
	if len(tiers) > 0 && openTiers == len(tiers) {
		ready = false
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ready {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":  statusStr,
		"adapter": adapterStatus,
		"pool":    h.pool.Stats(),
		"tiers":   tiers,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
