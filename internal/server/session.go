package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/dskow/ble-bridge/internal/auth"
	"github.com/dskow/ble-bridge/internal/bridgeerr"
	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
	"github.com/dskow/ble-bridge/internal/proto"
)

// session is one websocket client. Pooled connections acquired through
// connect are held by the session until disconnect, session close, or a
// watchdog eviction.
type session struct {
	id     string
	srv    *Server
	conn   *websocket.Conn
	claims *auth.Claims
	bucket *rate.Limiter
	logger *slog.Logger

	// writeMu serializes frame writes; gorilla connections allow only
	// one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	held       map[string]*device.Connection
	subscribed bool
	closed     bool

	done chan struct{}
}

func newMessageBucket(cfg config.ServerConfig) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessageBurst)
}

func (s *session) subject() string {
	if s.claims == nil {
		return ""
	}
	return s.claims.Subject
}

// run owns the session lifecycle: it reads frames until the peer goes
// away, then releases everything the session held.
func (s *session) run() {
	defer s.teardown()

	cfg := s.srv.cfg
	if cfg.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	go s.pingLoop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("session read failed", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		resp := s.handleFrame(data)
		if !s.sendResponse(resp) {
			return
		}
	}
}

// pingLoop keeps idle sessions (status subscribers) alive across the
// read deadline.
func (s *session) pingLoop() {
	interval := s.srv.cfg.ReadTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.srv.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// handleFrame parses and dispatches one request frame. It always
// produces a response; protocol violations come back as error frames
// rather than dropped messages.
func (s *session) handleFrame(data []byte) proto.Response {
	var req proto.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.countMessage("", "invalid")
		return proto.ErrResponse("", string(bridgeerr.InvalidRequest), "malformed frame: "+err.Error())
	}

	if !s.bucket.Allow() {
		s.countMessage(req.Op, "rate_limited")
		return proto.ErrResponse(req.ID, string(bridgeerr.RateLimitExceeded), "session message rate exceeded")
	}

	if !s.srv.limits.CheckNetwork(len(data)) {
		s.countMessage(req.Op, "rejected")
		return proto.ErrResponse(req.ID, string(bridgeerr.ResourceLimit), "network budget exceeded")
	}

	if !proto.KnownOp(req.Op) {
		s.countMessage(req.Op, "invalid")
		return proto.ErrResponse(req.ID, string(bridgeerr.UnknownOperation), "unknown operation "+req.Op)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.srv.cfg.OpTimeout)
	defer cancel()

	var resp proto.Response
	switch req.Op {
	case proto.OpPing:
		resp = s.handlePing(ctx, req)
	case proto.OpScan:
		resp = s.handleScan(ctx, req)
	case proto.OpConnect:
		resp = s.handleConnect(ctx, req)
	case proto.OpDisconnect:
		resp = s.handleDisconnect(ctx, req)
	case proto.OpRead:
		resp = s.handleRead(ctx, req)
	case proto.OpWrite:
		resp = s.handleWrite(ctx, req)
	case proto.OpSubscribeStatus:
		resp = s.handleSubscribe(req)
	}

	if resp.OK {
		s.countMessage(req.Op, "ok")
	} else {
		s.countMessage(req.Op, "error")
	}
	return resp
}

// countMessage records a handled frame. Unrecognized op strings are
// collapsed to keep the metric label cardinality bounded.
func (s *session) countMessage(op, outcome string) {
	if !proto.KnownOp(op) {
		op = "unknown"
	}
	s.srv.sink.Counter(metrics.MetricSessionMessages, 1, map[string]string{"op": op, "outcome": outcome})
}

func (s *session) handlePing(ctx context.Context, req proto.Request) proto.Response {
	if req.ConnectionID == "" {
		return mustOK(req.ID, nil)
	}

	conn, ok := s.heldConn(req.ConnectionID)
	if !ok {
		return s.errFrame(req.ID, errors.New("connection not held by session"), bridgeerr.UnknownConnection)
	}

	s.srv.watchdog.Touch(conn.ID)
	start := time.Now()
	err := s.deviceOp(ctx, conn, func(opCtx context.Context) error {
		return conn.Ping(opCtx)
	})
	if err != nil {
		return s.classifyFrame(req.ID, err)
	}
	return mustOK(req.ID, proto.PingResult{LatencyMS: time.Since(start).Milliseconds()})
}

func (s *session) handleScan(ctx context.Context, req proto.Request) proto.Response {
	if s.srv.scanner == nil {
		return s.errFrame(req.ID, errors.New("no scanner configured"), bridgeerr.DeviceUnavailable)
	}

	timeout := s.srv.cfg.OpTimeout
	if len(req.Payload) > 0 {
		var p proto.ScanPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return s.errFrame(req.ID, err, bridgeerr.InvalidRequest)
		}
		if p.TimeoutMS > 0 {
			timeout = time.Duration(p.TimeoutMS) * time.Millisecond
		}
	}

	devices, err := s.srv.scanner.Scan(ctx, timeout)
	if err != nil {
		return s.classifyFrame(req.ID, err)
	}
	return mustOK(req.ID, devices)
}

func (s *session) handleConnect(ctx context.Context, req proto.Request) proto.Response {
	priority, resp, ok := s.resolvePriority(ctx, req)
	if !ok {
		return resp
	}

	conn, err := s.srv.failover.Acquire(ctx, priority)
	if err != nil {
		return s.classifyFrame(req.ID, err)
	}

	if req.DeviceID != "" {
		if binder, ok := conn.Transport().(interface{ BindDevice(string) }); ok {
			binder.BindDevice(req.DeviceID)
		}
		if s.srv.dir != nil {
			if err := s.srv.dir.MarkSeen(ctx, req.DeviceID); err != nil {
				s.logger.Warn("registry update failed", "device_id", req.DeviceID, "error", err)
			}
		}
	}

	s.mu.Lock()
	s.held[conn.ID] = conn
	s.mu.Unlock()
	s.srv.watchdog.Watch(conn)

	s.logger.Info("connection acquired",
		"connection_id", conn.ID,
		"device_id", req.DeviceID,
		"priority", string(conn.Priority()),
	)
	return mustOK(req.ID, proto.ConnectResult{
		ConnectionID: conn.ID,
		DeviceID:     req.DeviceID,
		Priority:     string(conn.Priority()),
	})
}

// resolvePriority maps the request's priority string to a tier. Empty
// falls back to the registry's auto-connect priority for known devices,
// then to the failover default.
func (s *session) resolvePriority(ctx context.Context, req proto.Request) (device.Priority, proto.Response, bool) {
	if req.Priority != "" {
		p, ok := device.ParsePriority(req.Priority)
		if !ok {
			return "", s.errFrame(req.ID, errors.New("invalid priority "+req.Priority), bridgeerr.InvalidPriority), false
		}
		return p, proto.Response{}, true
	}

	if s.srv.dir != nil && req.DeviceID != "" {
		p, found, err := s.srv.dir.AutoPriority(ctx, req.DeviceID)
		if err != nil {
			s.logger.Warn("registry lookup failed", "device_id", req.DeviceID, "error", err)
		} else if found {
			return p, proto.Response{}, true
		}
	}
	return "", proto.Response{}, true
}

func (s *session) handleDisconnect(ctx context.Context, req proto.Request) proto.Response {
	conn, ok := s.takeHeld(req.ConnectionID)
	if !ok {
		return s.errFrame(req.ID, errors.New("connection not held by session"), bridgeerr.UnknownConnection)
	}

	s.srv.watchdog.Clear(conn.ID)
	if err := s.srv.pool.Release(conn.ID); err != nil {
		return s.classifyFrame(req.ID, err)
	}

	s.logger.Info("connection released", "connection_id", conn.ID)
	return mustOK(req.ID, nil)
}

func (s *session) handleRead(ctx context.Context, req proto.Request) proto.Response {
	conn, ok := s.heldConn(req.ConnectionID)
	if !ok {
		return s.errFrame(req.ID, errors.New("connection not held by session"), bridgeerr.UnknownConnection)
	}

	var p proto.ReadPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return s.errFrame(req.ID, err, bridgeerr.InvalidRequest)
	}
	if p.Characteristic == "" {
		return s.errFrame(req.ID, errors.New("characteristic is required"), bridgeerr.InvalidRequest)
	}

	gatt, ok := conn.Transport().(device.GATT)
	if !ok {
		return s.errFrame(req.ID, errors.New("transport does not support characteristic I/O"), bridgeerr.DeviceUnavailable)
	}

	s.srv.watchdog.Touch(conn.ID)
	var data []byte
	err := s.deviceOp(ctx, conn, func(opCtx context.Context) error {
		var opErr error
		data, opErr = gatt.ReadCharacteristic(opCtx, p.Characteristic)
		return opErr
	})
	if err != nil {
		return s.classifyFrame(req.ID, err)
	}
	return mustOK(req.ID, proto.ReadResult{Characteristic: p.Characteristic, Data: data})
}

func (s *session) handleWrite(ctx context.Context, req proto.Request) proto.Response {
	conn, ok := s.heldConn(req.ConnectionID)
	if !ok {
		return s.errFrame(req.ID, errors.New("connection not held by session"), bridgeerr.UnknownConnection)
	}

	var p proto.WritePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return s.errFrame(req.ID, err, bridgeerr.InvalidRequest)
	}
	if p.Characteristic == "" {
		return s.errFrame(req.ID, errors.New("characteristic is required"), bridgeerr.InvalidRequest)
	}

	gatt, ok := conn.Transport().(device.GATT)
	if !ok {
		return s.errFrame(req.ID, errors.New("transport does not support characteristic I/O"), bridgeerr.DeviceUnavailable)
	}

	s.srv.watchdog.Touch(conn.ID)
	err := s.deviceOp(ctx, conn, func(opCtx context.Context) error {
		return gatt.WriteCharacteristic(opCtx, p.Characteristic, p.Data)
	})
	if err != nil {
		return s.classifyFrame(req.ID, err)
	}
	return mustOK(req.ID, nil)
}

func (s *session) handleSubscribe(req proto.Request) proto.Response {
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	return mustOK(req.ID, nil)
}

// deviceOp runs fn and, when the failure is a retryable device error,
// reconnects once with backoff and tries again. Terminal failures and
// exhausted retry budgets surface unchanged.
func (s *session) deviceOp(ctx context.Context, conn *device.Connection, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if !s.srv.retry.ShouldRetry(err, conn) {
		return err
	}

	s.logger.Warn("device operation failed, reconnecting",
		"connection_id", conn.ID,
		"error", err,
	)
	if rcErr := s.srv.retry.Reconnect(ctx, conn); rcErr != nil {
		return err
	}
	return fn(ctx)
}

func (s *session) heldConn(id string) (*device.Connection, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.held[id]
	return conn, ok
}

func (s *session) takeHeld(id string) (*device.Connection, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.held[id]
	if ok {
		delete(s.held, id)
	}
	return conn, ok
}

// forget drops a connection from the held set without releasing it.
// Used when the watchdog has already torn the connection down.
func (s *session) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[id]; !ok {
		return false
	}
	delete(s.held, id)
	return true
}

func (s *session) errFrame(id string, err error, code bridgeerr.ErrorCode) proto.Response {
	return proto.ErrResponse(id, string(code), err.Error())
}

// classifyFrame maps a component error onto its stable code.
func (s *session) classifyFrame(id string, err error) proto.Response {
	code := bridgeerr.Classify(err)
	return proto.ErrResponse(id, string(code), err.Error())
}

func mustOK(id string, v interface{}) proto.Response {
	resp, err := proto.OKResponse(id, v)
	if err != nil {
		// Result marshaling can only fail on unsupported types, which
		// would be a programming error in the handler.
		return proto.ErrResponse(id, string(bridgeerr.InternalError), "result encoding failed")
	}
	return resp
}

// sendResponse writes a response frame. Returns false when the session
// is no longer writable.
func (s *session) sendResponse(resp proto.Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", "error", err)
		return true
	}
	return s.write(data)
}

// sendEvent pushes an event frame if this session subscribed to status
// updates.
func (s *session) sendEvent(ev proto.Event) {
	s.mu.Lock()
	subscribed := s.subscribed
	s.mu.Unlock()
	if !subscribed {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.write(data)
}

func (s *session) write(data []byte) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("session write failed", "error", err)
		return false
	}
	return true
}

// close sends a close frame and shuts the underlying connection. The
// read loop then exits and teardown releases held connections.
func (s *session) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(s.srv.cfg.WriteTimeout)
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline) //nolint:errcheck
	s.writeMu.Unlock()
	s.conn.Close()
}

// teardown releases every held connection back to the pool and
// unregisters the session.
func (s *session) teardown() {
	close(s.done)
	s.close(websocket.CloseNormalClosure, "")

	s.mu.Lock()
	held := make([]*device.Connection, 0, len(s.held))
	for _, conn := range s.held {
		held = append(held, conn)
	}
	s.held = make(map[string]*device.Connection)
	s.mu.Unlock()

	for _, conn := range held {
		s.srv.watchdog.Clear(conn.ID)
		if err := s.srv.pool.Release(conn.ID); err != nil {
			s.logger.Warn("release on session close failed",
				"connection_id", conn.ID,
				"error", err,
			)
		}
	}

	s.srv.unregister(s)
}
