// Package server exposes the bridge over websocket sessions. Each
// session multiplexes device operations onto the failover coordinator:
// connect acquires a pooled connection, read/write drive its transport,
// disconnect returns it. Admission is gated by the resource limiter
// before the upgrade; breaker and watchdog events are pushed to
// subscribed sessions.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dskow/ble-bridge/internal/auth"
	"github.com/dskow/ble-bridge/internal/bridgeerr"
	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/failover"
	"github.com/dskow/ble-bridge/internal/limiter"
	"github.com/dskow/ble-bridge/internal/metrics"
	"github.com/dskow/ble-bridge/internal/pool"
	"github.com/dskow/ble-bridge/internal/proto"
	"github.com/dskow/ble-bridge/internal/retry"
	"github.com/dskow/ble-bridge/internal/watchdog"
)

// Directory resolves known peripherals to their configured auto-connect
// priority and records sightings. Satisfied by *registry.Registry; nil
// disables lookups.
type Directory interface {
	AutoPriority(ctx context.Context, deviceID string) (device.Priority, bool, error)
	MarkSeen(ctx context.Context, deviceID string) error
}

// Server upgrades HTTP requests to bridge sessions and dispatches their
// frames.
type Server struct {
	cfg      config.ServerConfig
	authCfg  config.AuthConfig
	failover *failover.Failover
	pool     *pool.Pool
	limits   *limiter.Limiter
	watchdog *watchdog.Watchdog
	retry    *retry.Policy
	scanner  device.Scanner
	dir      Directory
	upgrader websocket.Upgrader
	logger   *slog.Logger
	sink     metrics.Sink

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
}

// New assembles a session server. scanner and dir may be nil; the scan
// operation and registry lookups degrade gracefully without them.
func New(
	cfg config.ServerConfig,
	authCfg config.AuthConfig,
	fo *failover.Failover,
	p *pool.Pool,
	lim *limiter.Limiter,
	wd *watchdog.Watchdog,
	rp *retry.Policy,
	scanner device.Scanner,
	dir Directory,
	logger *slog.Logger,
	sink metrics.Sink,
) *Server {
	return &Server{
		cfg:      cfg,
		authCfg:  authCfg,
		failover: fo,
		pool:     p,
		limits:   lim,
		watchdog: wd,
		retry:    rp,
		scanner:  scanner,
		dir:      dir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge serves local tooling, not browsers; origin
			// checks would reject every non-browser client.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger,
		sink:     sink,
		sessions: make(map[string]*session),
	}
}

// ServeHTTP authenticates, applies admission control, and upgrades the
// request to a websocket session. Rejections happen before the upgrade
// so clients get plain HTTP errors with stable codes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Draining() {
		bridgeerr.WriteJSON(w, r, http.StatusServiceUnavailable, bridgeerr.ShuttingDown, "bridge is shutting down")
		return
	}

	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	res := s.limits.EnforceLimits(limiter.Request{
		CurrentConnections: s.SessionCount(),
	})
	if !res.Allowed {
		bridgeerr.WriteJSON(w, r, http.StatusServiceUnavailable, bridgeerr.ResourceLimit, admissionDetail(res))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sess := s.newSession(conn, claims)
	s.register(sess)

	go sess.run()
}

func admissionDetail(res limiter.Result) string {
	if len(res.Violations) == 0 {
		return "resource limits exceeded"
	}
	return res.Violations[0].Detail
}

// authenticate verifies the session token when auth is enabled. The
// token comes from the Authorization header or, for clients that cannot
// set headers on the websocket handshake, the access_token query
// parameter.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	if !s.authCfg.Enabled {
		return nil, true
	}

	token, ok := auth.BearerToken(r)
	if !ok {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		bridgeerr.WriteJSON(w, r, http.StatusUnauthorized, bridgeerr.AuthMissingToken, "missing or malformed Authorization header")
		return nil, false
	}

	claims, err := auth.Verify(token, s.authCfg, s.authCfg.SessionScope)
	if err != nil {
		s.logger.Warn("session auth failure", "error", err, "remote", r.RemoteAddr)
		if auth.IsScopeError(err) {
			metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
			bridgeerr.WriteJSON(w, r, http.StatusForbidden, bridgeerr.AuthInsufficient, err.Error())
		} else {
			metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
			bridgeerr.WriteJSON(w, r, http.StatusUnauthorized, bridgeerr.AuthInvalidToken, err.Error())
		}
		return nil, false
	}
	return claims, true
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	s.sink.Gauge(metrics.MetricSessionsActive, float64(count), nil)
	s.logger.Info("session opened", "session_id", sess.id, "subject", sess.subject(), "sessions", count)
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	_, present := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	count := len(s.sessions)
	s.mu.Unlock()

	if !present {
		return
	}
	s.sink.Gauge(metrics.MetricSessionsActive, float64(count), nil)
	s.logger.Info("session closed", "session_id", sess.id, "sessions", count)
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Draining reports whether Drain has been called. The readiness probe
// uses this to fail fast once shutdown begins.
func (s *Server) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Broadcast pushes an event frame to every subscribed session. Wired to
// breaker transition and watchdog timeout callbacks at startup.
func (s *Server) Broadcast(ev proto.Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		sess.sendEvent(ev)
	}
}

// ForgetConnection removes a pooled connection from whichever session
// holds it, without releasing it back to the pool. The watchdog timeout
// callback uses this after it has already torn the connection down.
func (s *Server) ForgetConnection(id string) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if sess.forget(id) {
			s.logger.Info("connection dropped from session", "session_id", sess.id, "connection_id", id)
			return
		}
	}
}

// Drain rejects new sessions and closes existing ones, releasing every
// held pooled connection. Called ahead of the shutdown coordinator so
// the pool can reach quiescence.
func (s *Server) Drain() {
	s.mu.Lock()
	s.draining = true
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	s.logger.Info("draining sessions", "count", len(targets))
	for _, sess := range targets {
		sess.close(websocket.CloseGoingAway, "bridge is shutting down")
	}
}

func (s *Server) newSession(conn *websocket.Conn, claims *auth.Claims) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		srv:    s,
		conn:   conn,
		claims: claims,
		bucket: newMessageBucket(s.cfg),
		held:   make(map[string]*device.Connection),
		done:   make(chan struct{}),
		logger: s.logger.With("session_id", id),
	}
}
