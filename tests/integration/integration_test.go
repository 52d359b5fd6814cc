//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/proto"
	"github.com/dskow/ble-bridge/internal/registry"
)

func TestHealthEndpoints(t *testing.T) {
	rig := startBridge(t, nil)

	resp := httpGet(t, rig.ts.URL+"/health", "")
	assertStatusCode(t, resp, http.StatusOK)
	parsed := parseJSON(t, resp)
	if parsed["status"] != "ok" {
		t.Fatalf("liveness status = %v, want ok", parsed["status"])
	}

	resp = httpGet(t, rig.ts.URL+"/ready", "")
	assertStatusCode(t, resp, http.StatusOK)
	parsed = parseJSON(t, resp)
	if parsed["status"] != "ready" {
		t.Fatalf("readiness status = %v, want ready", parsed["status"])
	}
	if parsed["adapter"] != "ok" {
		t.Fatalf("adapter status = %v, want ok", parsed["adapter"])
	}
	poolStats, ok := parsed["pool"].(map[string]interface{})
	if !ok {
		t.Fatalf("readiness body has no pool stats: %v", parsed)
	}
	if size, _ := poolStats["size"].(float64); size < 1 {
		t.Fatalf("pool size = %v, want >= 1", poolStats["size"])
	}
}

func TestReadinessReflectsDaemonOutage(t *testing.T) {
	rig := startBridge(t, nil)

	// Closing the daemon listener refuses new dials while established
	// pooled links keep running. Readiness reach-checks with a fresh
	// dial, so it flips immediately.
	rig.daemon.Close()

	resp := httpGet(t, rig.ts.URL+"/ready", "")
	assertStatusCode(t, resp, http.StatusServiceUnavailable)
	parsed := parseJSON(t, resp)
	if parsed["status"] != "not ready" {
		t.Fatalf("readiness status = %v, want not ready", parsed["status"])
	}
	if parsed["adapter"] != "unreachable" {
		t.Fatalf("adapter status = %v, want unreachable", parsed["adapter"])
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	rig := startBridge(t, nil)

	resp := httpGet(t, rig.ts.URL+"/health", "")
	assertHeader(t, resp, "X-Content-Type-Options", "nosniff")
	assertHeader(t, resp, "X-Frame-Options", "DENY")
	assertHeader(t, resp, "X-XSS-Protection", "0")
	assertHeaderPresent(t, resp, "X-Request-ID")

	req, _ := http.NewRequest(http.MethodGet, rig.ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "it-req-42")
	resp = httpDo(t, req)
	assertHeader(t, resp, "X-Request-ID", "it-req-42")
}

func TestSessionAuth(t *testing.T) {
	rig := startBridge(t, nil)

	t.Run("missing token", func(t *testing.T) {
		body := dialSessionExpectReject(t, rig, nil, http.StatusUnauthorized)
		if body["error_code"] != "BRIDGE_AUTH_MISSING_TOKEN" {
			t.Fatalf("error_code = %v, want BRIDGE_AUTH_MISSING_TOKEN", body["error_code"])
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer not.a.jwt")
		body := dialSessionExpectReject(t, rig, header, http.StatusUnauthorized)
		if body["error_code"] != "BRIDGE_AUTH_INVALID_TOKEN" {
			t.Fatalf("error_code = %v, want BRIDGE_AUTH_INVALID_TOKEN", body["error_code"])
		}
	})

	t.Run("expired token", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+generateJWT(t, "late-client", "bridge:session", -time.Hour))
		body := dialSessionExpectReject(t, rig, header, http.StatusUnauthorized)
		if body["error_code"] != "BRIDGE_AUTH_INVALID_TOKEN" {
			t.Fatalf("error_code = %v, want BRIDGE_AUTH_INVALID_TOKEN", body["error_code"])
		}
	})

	t.Run("wrong scope", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+adminToken(t))
		body := dialSessionExpectReject(t, rig, header, http.StatusForbidden)
		if body["error_code"] != "BRIDGE_AUTH_INSUFFICIENT_SCOPE" {
			t.Fatalf("error_code = %v, want BRIDGE_AUTH_INSUFFICIENT_SCOPE", body["error_code"])
		}
	})

	// Browser clients cannot set headers on a websocket handshake, so
	// the token is also accepted as a query parameter.
	t.Run("query parameter token", func(t *testing.T) {
		u := wsURL(rig.ts) + "?access_token=" + url.QueryEscape(sessionToken(t))
		conn, _, err := websocket.DefaultDialer.Dial(u, nil)
		if err != nil {
			t.Fatalf("dial with access_token: %v", err)
		}
		defer conn.Close()
		resp := roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing})
		if !resp.OK {
			t.Fatalf("ping failed: %+v", resp.Error)
		}
	})
}

func TestDeviceSessionFlow(t *testing.T) {
	rig := startBridge(t, nil)
	conn := dialSession(t, rig, sessionToken(t))

	resp := roundTrip(t, conn, proto.Request{ID: "s1", Op: proto.OpScan})
	if !resp.OK {
		t.Fatalf("scan failed: %+v", resp.Error)
	}
	var devices []device.Info
	if err := json.Unmarshal(resp.Result, &devices); err != nil {
		t.Fatalf("unmarshal scan result: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("scan returned %d devices, want 3", len(devices))
	}

	resp = roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "high"})
	if !resp.OK {
		t.Fatalf("connect failed: %+v", resp.Error)
	}
	var cr proto.ConnectResult
	if err := json.Unmarshal(resp.Result, &cr); err != nil {
		t.Fatalf("unmarshal connect result: %v", err)
	}
	if cr.ConnectionID == "" || cr.Priority != "high" {
		t.Fatalf("connect result = %+v", cr)
	}

	readPayload := mustMarshal(t, proto.ReadPayload{Characteristic: "2a37"})
	resp = roundTrip(t, conn, proto.Request{ID: "r1", Op: proto.OpRead, ConnectionID: cr.ConnectionID, Payload: readPayload})
	if !resp.OK {
		t.Fatalf("read failed: %+v", resp.Error)
	}
	var rr proto.ReadResult
	if err := json.Unmarshal(resp.Result, &rr); err != nil {
		t.Fatalf("unmarshal read result: %v", err)
	}
	if !bytes.Equal(rr.Data, []byte{0x00, 0x48}) {
		t.Fatalf("read data = %v, want [0 72]", rr.Data)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "w1", Op: proto.OpWrite, ConnectionID: cr.ConnectionID,
		Payload: mustMarshal(t, proto.WritePayload{Characteristic: "2a38", Data: []byte{0x02}})})
	if !resp.OK {
		t.Fatalf("write failed: %+v", resp.Error)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "r2", Op: proto.OpRead, ConnectionID: cr.ConnectionID,
		Payload: mustMarshal(t, proto.ReadPayload{Characteristic: "2a38"})})
	if !resp.OK {
		t.Fatalf("read back failed: %+v", resp.Error)
	}
	if err := json.Unmarshal(resp.Result, &rr); err != nil {
		t.Fatalf("unmarshal read result: %v", err)
	}
	if !bytes.Equal(rr.Data, []byte{0x02}) {
		t.Fatalf("read back = %v, want [2]", rr.Data)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing, ConnectionID: cr.ConnectionID})
	if !resp.OK {
		t.Fatalf("ping failed: %+v", resp.Error)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "d1", Op: proto.OpDisconnect, ConnectionID: cr.ConnectionID})
	if !resp.OK {
		t.Fatalf("disconnect failed: %+v", resp.Error)
	}

	// The link is back in the pool; the session no longer owns it.
	resp = roundTrip(t, conn, proto.Request{ID: "r3", Op: proto.OpRead, ConnectionID: cr.ConnectionID, Payload: readPayload})
	wantErrCode(t, resp, "BRIDGE_UNKNOWN_CONNECTION")
}

func TestSessionProtocolErrors(t *testing.T) {
	rig := startBridge(t, nil)
	conn := dialSession(t, rig, sessionToken(t))

	resp := roundTrip(t, conn, proto.Request{ID: "x1", Op: "transmogrify"})
	wantErrCode(t, resp, "BRIDGE_UNKNOWN_OPERATION")

	resp = roundTrip(t, conn, proto.Request{ID: "x2", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "urgent"})
	wantErrCode(t, resp, "BRIDGE_INVALID_PRIORITY")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	resp = readFrame(t, conn)
	wantErrCode(t, resp, "BRIDGE_INVALID_REQUEST")
}

func TestRegistryAutoPriority(t *testing.T) {
	rig := startBridge(t, nil)
	token := adminToken(t)

	dev := registry.Device{ID: "env-7", Name: "greenhouse probe", AutoPriority: "low", Paired: true}
	req, _ := http.NewRequest(http.MethodPost, rig.ts.URL+"/admin/registry", bytes.NewReader(mustMarshal(t, dev)))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp := httpDo(t, req)
	assertStatusCode(t, resp, http.StatusCreated)

	// The daemon does not know env-7 yet; register it on the simulator
	// so characteristic I/O against it works.
	rig.sim.AddPeripheral(device.Info{ID: "env-7", Name: "greenhouse probe", Address: "aa:bb:cc:dd:ee:07", RSSI: -70},
		map[string][]byte{"2a6e": {0x0a, 0x1c}})

	// Connect without an explicit priority: the registry's auto-connect
	// tier applies.
	conn := dialSession(t, rig, sessionToken(t))
	frame := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "env-7"})
	if !frame.OK {
		t.Fatalf("connect failed: %+v", frame.Error)
	}
	var cr proto.ConnectResult
	if err := json.Unmarshal(frame.Result, &cr); err != nil {
		t.Fatalf("unmarshal connect result: %v", err)
	}
	if cr.Priority != "low" {
		t.Fatalf("priority = %q, want low from registry", cr.Priority)
	}

	// Connecting marks the device seen.
	resp = httpGet(t, rig.ts.URL+"/admin/registry/env-7", token)
	assertStatusCode(t, resp, http.StatusOK)
	var stored registry.Device
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		t.Fatalf("decode registry device: %v", err)
	}
	if stored.LastSeen.IsZero() {
		t.Fatal("last_seen not updated by connect")
	}

	dev.Name = "greenhouse probe v2"
	req, _ = http.NewRequest(http.MethodPut, rig.ts.URL+"/admin/registry/env-7", bytes.NewReader(mustMarshal(t, dev)))
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httpDo(t, req)
	assertStatusCode(t, resp, http.StatusOK)

	req, _ = http.NewRequest(http.MethodDelete, rig.ts.URL+"/admin/registry/env-7", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httpDo(t, req)
	assertStatusCode(t, resp, http.StatusOK)

	resp = httpGet(t, rig.ts.URL+"/admin/registry/env-7", token)
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestHandshakeRateLimit(t *testing.T) {
	rig := startBridge(t, func(cfg *config.Config) {
		cfg.Server.HandshakeRate = config.RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 1,
			BurstSize:         2,
		}
	})

	// The limiter sits in front of auth, so unauthenticated probes are
	// enough to drain the per-IP bucket.
	for i := 0; i < 2; i++ {
		resp := httpGet(t, rig.ts.URL+"/session", "")
		assertStatusCode(t, resp, http.StatusUnauthorized)
	}

	resp := httpGet(t, rig.ts.URL+"/session", "")
	assertStatusCode(t, resp, http.StatusTooManyRequests)
	assertHeaderPresent(t, resp, "Retry-After")
	assertErrorCode(t, resp, "BRIDGE_RATE_LIMIT_EXCEEDED")
}

func TestSessionAdmissionLimit(t *testing.T) {
	rig := startBridge(t, func(cfg *config.Config) {
		cfg.Limits.MaxConnections = 1
	})

	first := dialSession(t, rig, sessionToken(t))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken(t))
	body := dialSessionExpectReject(t, rig, header, http.StatusServiceUnavailable)
	if body["error_code"] != "BRIDGE_RESOURCE_LIMIT" {
		t.Fatalf("error_code = %v, want BRIDGE_RESOURCE_LIMIT", body["error_code"])
	}

	// Freeing the slot readmits.
	first.Close()
	waitFor(t, func() bool { return rig.srv.SessionCount() == 0 }, "session did not unregister")
	conn := dialSession(t, rig, sessionToken(t))
	resp := roundTrip(t, conn, proto.Request{ID: "p1", Op: proto.OpPing})
	if !resp.OK {
		t.Fatalf("ping after readmission failed: %+v", resp.Error)
	}
}

func TestPoolExhaustion(t *testing.T) {
	rig := startBridge(t, func(cfg *config.Config) {
		cfg.Pool.MinSize = 1
		cfg.Pool.MaxSize = 1
	})
	conn := dialSession(t, rig, sessionToken(t))

	resp := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "high"})
	if !resp.OK {
		t.Fatalf("first connect failed: %+v", resp.Error)
	}
	var cr proto.ConnectResult
	if err := json.Unmarshal(resp.Result, &cr); err != nil {
		t.Fatalf("unmarshal connect result: %v", err)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "c2", Op: proto.OpConnect, DeviceID: "thermo-01", Priority: "high"})
	wantErrCode(t, resp, "BRIDGE_POOL_EXHAUSTED")

	resp = roundTrip(t, conn, proto.Request{ID: "d1", Op: proto.OpDisconnect, ConnectionID: cr.ConnectionID})
	if !resp.OK {
		t.Fatalf("disconnect failed: %+v", resp.Error)
	}

	resp = roundTrip(t, conn, proto.Request{ID: "c3", Op: proto.OpConnect, DeviceID: "thermo-01", Priority: "high"})
	if !resp.OK {
		t.Fatalf("connect after release failed: %+v", resp.Error)
	}
}

func TestCircuitBreakerTripAndRecover(t *testing.T) {
	rig := startBridge(t, func(cfg *config.Config) {
		cfg.Pool.MinSize = 0 // every connect dials, so injected failures are visible
		cfg.Breaker.FailureThreshold = 2
		cfg.Breaker.ResetTimeout = time.Second
		cfg.Breaker.HalfOpenLimit = 1
		cfg.Failover.MaxAttempts = 5
	})

	// A second session watches status events while the first one trips
	// the circuit.
	watcher := dialSession(t, rig, sessionToken(t))
	resp := roundTrip(t, watcher, proto.Request{ID: "sub", Op: proto.OpSubscribeStatus})
	if !resp.OK {
		t.Fatalf("subscribe failed: %+v", resp.Error)
	}

	rig.sim.SetConnectErr(errors.New("radio glitch"))

	conn := dialSession(t, rig, sessionToken(t))
	for i, id := range []string{"c1", "c2"} {
		resp = roundTrip(t, conn, proto.Request{ID: id, Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "high"})
		if resp.OK {
			t.Fatalf("connect %d succeeded with dials failing", i+1)
		}
	}

	resp = roundTrip(t, conn, proto.Request{ID: "c3", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "high"})
	wantErrCode(t, resp, "BRIDGE_CIRCUIT_OPEN")

	ev := readEvent(t, watcher, proto.EventBreakerStateChange)
	if ev.Key != "tier:high" || ev.State != "open" {
		t.Fatalf("breaker event = %+v, want tier:high open", ev)
	}

	adminResp := httpGet(t, rig.ts.URL+"/admin/breakers", adminToken(t))
	assertStatusCode(t, adminResp, http.StatusOK)
	parsed := parseJSON(t, adminResp)
	breakers, _ := parsed["breakers"].([]interface{})
	foundOpen := false
	for _, b := range breakers {
		entry, _ := b.(map[string]interface{})
		if entry["key"] == "tier:high" && entry["state"] == "open" {
			foundOpen = true
		}
	}
	if !foundOpen {
		t.Fatalf("admin breakers missing open tier:high: %v", parsed)
	}

	// After the reset timeout a half-open probe goes through; a healthy
	// dial closes the circuit again.
	time.Sleep(1100 * time.Millisecond)
	rig.sim.SetConnectErr(nil)

	resp = roundTrip(t, conn, proto.Request{ID: "c4", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "high"})
	if !resp.OK {
		t.Fatalf("connect after recovery failed: %+v", resp.Error)
	}
}

func TestAdminAPI(t *testing.T) {
	rig := startBridge(t, nil)
	token := adminToken(t)

	t.Run("requires token", func(t *testing.T) {
		resp := httpGet(t, rig.ts.URL+"/admin/status", "")
		assertStatusCode(t, resp, http.StatusUnauthorized)
		assertErrorCode(t, resp, "BRIDGE_AUTH_MISSING_TOKEN")
	})

	t.Run("rejects session scope", func(t *testing.T) {
		resp := httpGet(t, rig.ts.URL+"/admin/status", sessionToken(t))
		assertStatusCode(t, resp, http.StatusForbidden)
		assertErrorCode(t, resp, "BRIDGE_AUTH_INSUFFICIENT_SCOPE")
	})

	t.Run("status", func(t *testing.T) {
		resp := httpGet(t, rig.ts.URL+"/admin/status", token)
		assertStatusCode(t, resp, http.StatusOK)
		parsed := parseJSON(t, resp)
		for _, key := range []string{"pool", "sessions", "tier_attempts", "limits"} {
			if _, ok := parsed[key]; !ok {
				t.Fatalf("status body missing %q: %v", key, parsed)
			}
		}
	})

	t.Run("config redacts secrets", func(t *testing.T) {
		resp := httpGet(t, rig.ts.URL+"/admin/config", token)
		assertStatusCode(t, resp, http.StatusOK)
		parsed := parseJSON(t, resp)
		authCfg, _ := parsed["auth"].(map[string]interface{})
		if authCfg["jwt_secret"] != "***" {
			t.Fatalf("jwt_secret = %v, want ***", authCfg["jwt_secret"])
		}
	})

	t.Run("breaker reset", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, rig.ts.URL+"/admin/breakers/reset", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httpDo(t, req)
		assertStatusCode(t, resp, http.StatusOK)
		parsed := parseJSON(t, resp)
		if parsed["status"] != "reset" || parsed["scope"] != "all" {
			t.Fatalf("reset response = %v", parsed)
		}
	})

	t.Run("forced disconnect", func(t *testing.T) {
		conn := dialSession(t, rig, sessionToken(t))
		frame := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "high"})
		if !frame.OK {
			t.Fatalf("connect failed: %+v", frame.Error)
		}
		var cr proto.ConnectResult
		if err := json.Unmarshal(frame.Result, &cr); err != nil {
			t.Fatalf("unmarshal connect result: %v", err)
		}

		req, _ := http.NewRequest(http.MethodPost, rig.ts.URL+"/admin/connections/disconnect?id="+cr.ConnectionID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp := httpDo(t, req)
		assertStatusCode(t, resp, http.StatusOK)

		// The session was told to let go; the id no longer resolves.
		frame = roundTrip(t, conn, proto.Request{ID: "r1", Op: proto.OpRead, ConnectionID: cr.ConnectionID,
			Payload: mustMarshal(t, proto.ReadPayload{Characteristic: "2a37"})})
		wantErrCode(t, frame, "BRIDGE_UNKNOWN_CONNECTION")

		resp = httpGet(t, rig.ts.URL+"/admin/connections", token)
		assertStatusCode(t, resp, http.StatusOK)
		parsed := parseJSON(t, resp)
		conns, _ := parsed["connections"].([]interface{})
		for _, c := range conns {
			entry, _ := c.(map[string]interface{})
			if entry["id"] == cr.ConnectionID {
				t.Fatalf("connection %s still pooled after forced disconnect", cr.ConnectionID)
			}
		}
	})
}

func TestAdminAllowlist(t *testing.T) {
	rig := startBridge(t, func(cfg *config.Config) {
		cfg.Admin.IPAllowlist = []string{"10.0.0.0/8"}
	})

	// Valid credentials do not matter when the caller's IP is outside
	// the allowlist.
	resp := httpGet(t, rig.ts.URL+"/admin/status", adminToken(t))
	assertStatusCode(t, resp, http.StatusForbidden)
	parsed := parseJSON(t, resp)
	if parsed["error"] != "Forbidden" {
		t.Fatalf("body = %v, want Forbidden", parsed)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rig := startBridge(t, nil)

	// Generate traffic so the labelled collectors have samples.
	conn := dialSession(t, rig, sessionToken(t))
	frame := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "medium"})
	if !frame.OK {
		t.Fatalf("connect failed: %+v", frame.Error)
	}

	for _, metric := range []string{
		"bridge_pool_size",
		"bridge_sessions_active",
		"bridge_session_messages_total",
		"bridge_pool_acquires_total",
	} {
		resp := httpGet(t, rig.ts.URL+"/metrics", "")
		assertStatusCode(t, resp, http.StatusOK)
		assertBodyContains(t, resp, metric)
	}
}

func TestGracefulDrain(t *testing.T) {
	rig := startBridge(t, nil)

	conn := dialSession(t, rig, sessionToken(t))
	frame := roundTrip(t, conn, proto.Request{ID: "c1", Op: proto.OpConnect, DeviceID: "hrm-001", Priority: "high"})
	if !frame.OK {
		t.Fatalf("connect failed: %+v", frame.Error)
	}
	var cr proto.ConnectResult
	if err := json.Unmarshal(frame.Result, &cr); err != nil {
		t.Fatalf("unmarshal connect result: %v", err)
	}

	rig.srv.Drain()

	// Readiness flips immediately so load balancers stop routing.
	resp := httpGet(t, rig.ts.URL+"/ready", "")
	assertStatusCode(t, resp, http.StatusServiceUnavailable)
	parsed := parseJSON(t, resp)
	if parsed["status"] != "draining" {
		t.Fatalf("readiness status = %v, want draining", parsed["status"])
	}

	// New sessions are refused; established ones keep working.
	header := http.Header{}
	header.Set("Authorization", "Bearer "+sessionToken(t))
	body := dialSessionExpectReject(t, rig, header, http.StatusServiceUnavailable)
	if body["error_code"] != "BRIDGE_SHUTTING_DOWN" {
		t.Fatalf("error_code = %v, want BRIDGE_SHUTTING_DOWN", body["error_code"])
	}

	frame = roundTrip(t, conn, proto.Request{ID: "r1", Op: proto.OpRead, ConnectionID: cr.ConnectionID,
		Payload: mustMarshal(t, proto.ReadPayload{Characteristic: "2a37"})})
	if !frame.OK {
		t.Fatalf("read during drain failed: %+v", frame.Error)
	}

	frame = roundTrip(t, conn, proto.Request{ID: "d1", Op: proto.OpDisconnect, ConnectionID: cr.ConnectionID})
	if !frame.OK {
		t.Fatalf("disconnect failed: %+v", frame.Error)
	}
	conn.Close()
	waitFor(t, func() bool { return rig.srv.SessionCount() == 0 }, "session did not unregister")

	outcomes, err := rig.stop()
	if err != nil {
		t.Fatalf("shutdown quiescence error: %v", err)
	}
	if len(outcomes) == 0 {
		t.Fatal("no shutdown outcomes recorded")
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("connection %s teardown failed: %v", o.ConnectionID, o.Err)
		}
	}
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}
