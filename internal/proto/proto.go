// Package proto defines the JSON frame schema spoken over bridge
// sessions. Frames are small envelopes; operation payloads and results
// ride as raw JSON so the schema stays stable as operations evolve.
package proto

import "encoding/json"

// Operation names accepted in request frames.
const (
	OpScan            = "scan"
	OpConnect         = "connect"
	OpDisconnect      = "disconnect"
	OpRead            = "read"
	OpWrite           = "write"
	OpSubscribeStatus = "subscribe-status"
	OpPing            = "ping"
)

// KnownOp reports whether op names a supported operation.
func KnownOp(op string) bool {
	switch op {
	case OpScan, OpConnect, OpDisconnect, OpRead, OpWrite, OpSubscribeStatus, OpPing:
		return true
	}
	return false
}

// Request is a client frame. ID is echoed back on the response so the
// client can correlate. DeviceID and Priority apply to connect; ops on
// an established link name it by the ConnectionID that connect returned.
type Request struct {
	ID           string          `json:"id"`
	Op           string          `json:"op"`
	DeviceID     string          `json:"device_id,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Response is the server frame answering a request. Exactly one of
// Result or Error is set depending on OK.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody carries the stable error code and a human-readable message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a server-pushed frame for subscribers: breaker transitions,
// connection evictions, watchdog timeouts.
type Event struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connection_id,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
	Key          string `json:"key,omitempty"`
	State        string `json:"state,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Timestamp    int64  `json:"ts"`
}

// Event names pushed to subscribe-status sessions.
const (
	EventBreakerStateChange = "breaker_state_change"
	EventConnectionEvicted  = "connection_evicted"
	EventWatchdogTimeout    = "watchdog_timeout"
)

// ReadPayload is the payload for a read request.
type ReadPayload struct {
	Characteristic string `json:"characteristic"`
}

// WritePayload is the payload for a write request. Data is base64 on
// the wire (encoding/json []byte convention).
type WritePayload struct {
	Characteristic string `json:"characteristic"`
	Data           []byte `json:"data"`
}

// ScanPayload is the payload for a scan request.
type ScanPayload struct {
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ConnectResult is the result body for a successful connect.
type ConnectResult struct {
	ConnectionID string `json:"connection_id"`
	DeviceID     string `json:"device_id,omitempty"`
	Priority     string `json:"priority"`
}

// ReadResult is the result body for a successful read.
type ReadResult struct {
	Characteristic string `json:"characteristic"`
	Data           []byte `json:"data"`
}

// PingResult is the result body for a successful ping.
type PingResult struct {
	LatencyMS int64 `json:"latency_ms"`
}

// OKResponse builds a success response with v marshaled as the result.
func OKResponse(id string, v interface{}) (Response, error) {
	resp := Response{ID: id, OK: true}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Response{}, err
		}
		resp.Result = b
	}
	return resp, nil
}

// ErrResponse builds a failure response.
func ErrResponse(id, code, message string) Response {
	return Response{ID: id, OK: false, Error: &ErrorBody{Code: code, Message: message}}
}
