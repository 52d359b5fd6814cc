package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/dskow/ble-bridge/internal/circuitbreaker"
	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/failover"
	"github.com/dskow/ble-bridge/internal/health"
	"github.com/dskow/ble-bridge/internal/limiter"
	"github.com/dskow/ble-bridge/internal/metrics"
	"github.com/dskow/ble-bridge/internal/pool"
	"github.com/dskow/ble-bridge/internal/proto"
	"github.com/dskow/ble-bridge/internal/retry"
	"github.com/dskow/ble-bridge/internal/watchdog"
)

type testRig struct {
	srv     *Server
	ts      *httptest.Server
	adapter *device.SimulatedAdapter
	pool    *pool.Pool
}

// newTestRig assembles a complete server over the simulated adapter.
// mutate adjusts the default configuration before components are built.
func newTestRig(t *testing.T, mutate func(cfg *config.Config)) *testRig {
	t.Helper()

	cfg := config.Default()
	cfg.Pool.MinSize = 1
	cfg.Pool.MaxSize = 4
	cfg.Pool.LoadBalanceThreshold = 1.0
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.Default()
	sink := metrics.NopSink{}

	adapter := device.NewSimulatedAdapter()
	adapter.AddPeripheral(device.Info{ID: "hr-1", Name: "pulse", Address: "aa:bb:cc:dd:ee:01", RSSI: -40},
		map[string][]byte{"2a37": {0x60}})

	p := pool.New(cfg.Pool, adapter.Dial, logger, sink)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("pool initialize: %v", err)
	}

	breaker := circuitbreaker.New(cfg.Breaker, logger, sink)
	monitor := health.NewMonitor(cfg.Health, logger, sink)
	fo := failover.New(cfg.Failover, p, breaker, monitor, logger, sink)
	lim := limiter.New(cfg.Limits, logger, sink)
	wd := watchdog.New(cfg.Watchdog, logger, sink)
	rp := retry.New(cfg.Retry, logger, sink)

	srv := New(cfg.Server, cfg.Auth, fo, p, lim, wd, rp, adapter, nil, logger, sink)
	ts := httptest.NewServer(srv)

	t.Cleanup(func() {
		ts.Close()
		wd.Stop()
		monitor.Stop()
		p.Stop()
	})
	return &testRig{srv: srv, ts: ts, adapter: adapter, pool: p}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialSession(t *testing.T, rig *testRig, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(rig.ts), header)
	if err != nil {
		t.Fatalf("dial session: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads the next non-event frame, skipping pushed events.
func readFrame(t *testing.T, conn *websocket.Conn) proto.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var probe struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(data, &probe) == nil && probe.Event != "" {
			continue
		}
		var resp proto.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal response %s: %v", data, err)
		}
		return resp
	}
}

func roundTrip(t *testing.T, conn *websocket.Conn, req proto.Request) proto.Response {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	resp := readFrame(t, conn)
	if resp.ID != req.ID {
		t.Fatalf("response id = %q, want %q", resp.ID, req.ID)
	}
	return resp
}

func wantErrCode(t *testing.T, resp proto.Response, code string) {
	t.Helper()
	if resp.OK {
		t.Fatalf("expected error frame, got ok with result %s", resp.Result)
	}
	if resp.Error == nil || resp.Error.Code != code {
		t.Fatalf("error = %+v, want code %s", resp.Error, code)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSession_ConnectWriteReadDisconnect(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hr-1", Priority: "high"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	var cr proto.ConnectResult
	if err := json.Unmarshal(resp.Result, &cr); err != nil {
		t.Fatalf("unmarshal connect result: %v", err)
	}
	if cr.ConnectionID == "" || cr.Priority != "high" || cr.DeviceID != "hr-1" {
		t.Fatalf("connect result = %+v", cr)
	}

	writePayload, _ := json.Marshal(proto.WritePayload{Characteristic: "2a37", Data: []byte{0x51}})
	resp = roundTrip(t, conn, proto.Request{ID: "w1", Op: proto.OpWrite, ConnectionID: cr.ConnectionID, Payload: writePayload})
	if !resp.OK {
		t.Fatalf("write failed: %+v", resp.Error)
	}

	readPayload, _ := json.Marshal(proto.ReadPayload{Characteristic: "2a37"})
	resp = roundTrip(t, conn, proto.Request{ID: "r1", Op: proto.OpRead, ConnectionID: cr.ConnectionID, Payload: readPayload})
	if !resp.OK {
		t.Fatalf("read failed: %+v", resp.Error)
	}
	var rr proto.ReadResult
	if err := json.Unmarshal(resp.Result, &rr); err != nil {
		t.Fatalf("unmarshal read result: %v", err)
	}
	if len(rr.Data) != 1 || rr.Data[0] != 0x51 {
		t.Fatalf("read data = %v, want [81]", rr.Data)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing, ConnectionID: cr.ConnectionID})
	if !resp.OK {
		t.Fatalf("connection ping failed: %+v", resp.Error)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "d1", Op: proto.OpDisconnect, ConnectionID: cr.ConnectionID})
	if !resp.OK {
		t.Fatalf("disconnect failed: %+v", resp.Error)
	}
	if got := rig.pool.Stats().InUse; got != 0 {
		t.Fatalf("in use after disconnect = %d, want 0", got)
	}
}

func TestSession_Scan(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "s1", Op: proto.OpScan})
	if !resp.OK {
		t.Fatalf("scan failed: %+v", resp.Error)
	}
	var devices []device.Info
	if err := json.Unmarshal(resp.Result, &devices); err != nil {
		t.Fatalf("unmarshal scan result: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "hr-1" {
		t.Fatalf("scan result = %+v", devices)
	}
}

func TestSession_BarePing(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing})
	if !resp.OK {
		t.Fatalf("ping failed: %+v", resp.Error)
	}
}

func TestSession_UnknownOperation(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "u1", Op: "explode"})
	wantErrCode(t, resp, "BRIDGE_UNKNOWN_OPERATION")
}

func TestSession_MalformedFrame(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readFrame(t, conn)
	wantErrCode(t, resp, "BRIDGE_INVALID_REQUEST")
	if resp.ID != "" {
		t.Errorf("malformed frame response id = %q, want empty", resp.ID)
	}
}

func TestSession_InvalidPriority(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, Priority: "urgent"})
	wantErrCode(t, resp, "BRIDGE_INVALID_PRIORITY")
}

func TestSession_PoolExhausted(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Pool.MinSize = 1
		cfg.Pool.MaxSize = 1
	})
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, Priority: "high"})
	if !resp.OK {
		t.Fatalf("first connect failed: %+v", resp.Error)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "c2", Op: proto.OpConnect, Priority: "high"})
	wantErrCode(t, resp, "BRIDGE_POOL_EXHAUSTED")
}

func TestSession_ReadUnknownCharacteristic(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hr-1"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	var cr proto.ConnectResult
	json.Unmarshal(resp.Result, &cr) //nolint:errcheck

	readPayload, _ := json.Marshal(proto.ReadPayload{Characteristic: "ffff"})
	resp = roundTrip(t, conn, proto.Request{ID: "r1", Op: proto.OpRead, ConnectionID: cr.ConnectionID, Payload: readPayload})
	wantErrCode(t, resp, "BRIDGE_DEVICE_UNAVAILABLE")
}

func TestSession_OpOnUnheldConnection(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "d1", Op: proto.OpDisconnect, ConnectionID: "nope"})
	wantErrCode(t, resp, "BRIDGE_UNKNOWN_CONNECTION")

	readPayload, _ := json.Marshal(proto.ReadPayload{Characteristic: "2a37"})
	resp = roundTrip(t, conn, proto.Request{ID: "r1", Op: proto.OpRead, ConnectionID: "nope", Payload: readPayload})
	wantErrCode(t, resp, "BRIDGE_UNKNOWN_CONNECTION")
}

func TestSession_RateLimited(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Server.MessagesPerSecond = 1
		cfg.Server.MessageBurst = 1
	})
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing})
	if !resp.OK {
		t.Fatalf("first ping failed: %+v", resp.Error)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "p2", Op: proto.OpPing})
	wantErrCode(t, resp, "BRIDGE_RATE_LIMIT_EXCEEDED")
}

func TestSession_NetworkBudgetRejected(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Limits.NetworkBurstBytes = 16
	})
	conn := dialSession(t, rig, nil)

	// Any full frame exceeds a 16 byte burst allowance.
	resp := roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing})
	wantErrCode(t, resp, "BRIDGE_RESOURCE_LIMIT")
}

func TestServer_AdmissionRejection(t *testing.T) {
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Limits.MaxConnections = 1
	})

	dialSession(t, rig, nil)
	waitFor(t, func() bool { return rig.srv.SessionCount() == 1 }, "first session never registered")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(rig.ts), nil)
	if err == nil {
		t.Fatal("expected second session to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 handshake rejection, got %+v", resp)
	}
}

func sessionToken(t *testing.T, secret, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "tester",
		"iss":   "bridge-test",
		"aud":   "bridge-clients",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestServer_AuthHandshake(t *testing.T) {
	const secret = "handshake-secret-0123456789abcdef"
	rig := newTestRig(t, func(cfg *config.Config) {
		cfg.Auth = config.AuthConfig{
			Enabled:      true,
			JWTSecret:    secret,
			Issuer:       "bridge-test",
			Audience:     "bridge-clients",
			SessionScope: "bridge:session",
			AdminScope:   "bridge:admin",
		}
	})

	// No token: rejected before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(rig.ts), nil)
	if err == nil {
		t.Fatal("expected handshake rejection without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	// Wrong scope: valid token, forbidden.
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken(t, secret, "bridge:admin"))
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(rig.ts), header)
	if err == nil {
		t.Fatal("expected handshake rejection for wrong scope")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	// Session scope via header: accepted.
	header = http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken(t, secret, "bridge:session"))
	conn := dialSession(t, rig, header)
	if r := roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing}); !r.OK {
		t.Fatalf("ping over authenticated session failed: %+v", r.Error)
	}

	// Session scope via query parameter: accepted.
	url := wsURL(rig.ts) + "?access_token=" + sessionToken(t, secret, "bridge:session")
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer conn2.Close()
}

func TestServer_BroadcastToSubscribers(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	if r := roundTrip(t, conn, proto.Request{ID: "s1", Op: proto.OpSubscribeStatus}); !r.OK {
		t.Fatalf("subscribe failed: %+v", r.Error)
	}

	rig.srv.Broadcast(proto.Event{
		Event: proto.EventBreakerStateChange,
		Key:   "tier:high",
		State: "open",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for event: %v", err)
		}
		var ev proto.Event
		if json.Unmarshal(data, &ev) == nil && ev.Event != "" {
			if ev.Key != "tier:high" || ev.State != "open" {
				t.Fatalf("event = %+v", ev)
			}
			if ev.Timestamp == 0 {
				t.Error("event timestamp not stamped")
			}
			return
		}
	}
}

func TestServer_UnsubscribedSessionGetsNoEvents(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	rig.srv.Broadcast(proto.Event{Event: proto.EventConnectionEvicted, ConnectionID: "x"})

	// A ping round trip must come back directly, not an event frame.
	if err := conn.WriteJSON(proto.Request{ID: "p1", Op: proto.OpPing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var probe struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(data, &probe) == nil && probe.Event != "" {
		t.Fatalf("unsubscribed session received event frame %s", data)
	}
}

func TestServer_DrainReleasesHeldConnections(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hr-1"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	if rig.pool.Stats().InUse != 1 {
		t.Fatalf("in use = %d, want 1", rig.pool.Stats().InUse)
	}

	rig.srv.Drain()

	waitFor(t, func() bool { return rig.pool.Stats().InUse == 0 }, "held connection never released on drain")
	waitFor(t, func() bool { return rig.srv.SessionCount() == 0 }, "session never unregistered on drain")

	// New handshakes are rejected while draining.
	httpResp, err := http.Get(rig.ts.URL)
	if err != nil {
		t.Fatalf("probe request: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status while draining = %d, want 503", httpResp.StatusCode)
	}
}

func TestSession_AbruptCloseReleasesHeld(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hr-1"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}

	conn.Close()

	waitFor(t, func() bool { return rig.pool.Stats().InUse == 0 }, "held connection never released after abrupt close")
	waitFor(t, func() bool { return rig.srv.SessionCount() == 0 }, "session never unregistered after abrupt close")
}

func TestServer_ForgetConnection(t *testing.T) {
	rig := newTestRig(t, nil)
	conn := dialSession(t, rig, nil)

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hr-1"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	var cr proto.ConnectResult
	json.Unmarshal(resp.Result, &cr) //nolint:errcheck

	rig.srv.ForgetConnection(cr.ConnectionID)

	resp = roundTrip(t, conn, proto.Request{ID: "d1", Op: proto.OpDisconnect, ConnectionID: cr.ConnectionID})
	wantErrCode(t, resp, "BRIDGE_UNKNOWN_CONNECTION")
}
