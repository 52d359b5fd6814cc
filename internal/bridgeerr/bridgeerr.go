// Package bridgeerr provides a centralized error vocabulary for the
// bridge. Session frames and admin responses both report failures with
// stable machine-readable codes; WriteJSON produces the HTTP shape and
// Classify maps component errors to codes.
package bridgeerr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dskow/ble-bridge/internal/circuitbreaker"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/failover"
	"github.com/dskow/ble-bridge/internal/pool"
	"github.com/dskow/ble-bridge/internal/shutdown"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Bridge error codes. These form a public API contract — clients can
// program against these stable codes. Do not rename or remove existing
// codes.
const (
	InvalidRequest      ErrorCode = "BRIDGE_INVALID_REQUEST"
	UnknownOperation    ErrorCode = "BRIDGE_UNKNOWN_OPERATION"
	InvalidPriority     ErrorCode = "BRIDGE_INVALID_PRIORITY"
	PoolExhausted       ErrorCode = "BRIDGE_POOL_EXHAUSTED"
	CircuitOpen         ErrorCode = "BRIDGE_CIRCUIT_OPEN"
	MaxFailoverAttempts ErrorCode = "BRIDGE_MAX_FAILOVER_ATTEMPTS"
	AcquisitionFailed   ErrorCode = "BRIDGE_ACQUISITION_FAILED"
	HealthCheckFailed   ErrorCode = "BRIDGE_HEALTH_CHECK_FAILED"
	UnknownConnection   ErrorCode = "BRIDGE_UNKNOWN_CONNECTION"
	ConnectionNotInUse  ErrorCode = "BRIDGE_CONNECTION_NOT_IN_USE"
	DeviceUnavailable   ErrorCode = "BRIDGE_DEVICE_UNAVAILABLE"
	DeviceTimeout       ErrorCode = "BRIDGE_DEVICE_TIMEOUT"
	DeviceAuthFailed    ErrorCode = "BRIDGE_DEVICE_AUTH_FAILED"
	ResourceLimit       ErrorCode = "BRIDGE_RESOURCE_LIMIT"
	RateLimitExceeded   ErrorCode = "BRIDGE_RATE_LIMIT_EXCEEDED"
	QuiescenceTimeout   ErrorCode = "BRIDGE_QUIESCENCE_TIMEOUT"
	ShuttingDown        ErrorCode = "BRIDGE_SHUTTING_DOWN"
	AuthMissingToken    ErrorCode = "BRIDGE_AUTH_MISSING_TOKEN"
	AuthInvalidToken    ErrorCode = "BRIDGE_AUTH_INVALID_TOKEN"
	AuthInsufficient    ErrorCode = "BRIDGE_AUTH_INSUFFICIENT_SCOPE"
	RequestTimeout      ErrorCode = "BRIDGE_REQUEST_TIMEOUT"
	InternalError       ErrorCode = "BRIDGE_INTERNAL_ERROR"
)

// ErrorResponse is the standardized HTTP error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	prePoolExhausted     = mustMarshal(http.StatusServiceUnavailable, PoolExhausted, "connection pool is full")
	preCircuitOpen       = mustMarshal(http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open")
	preRateLimitExceeded = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preAuthMissingToken  = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preShuttingDown      = mustMarshal(http.StatusServiceUnavailable, ShuttingDown, "bridge is shutting down")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// Classify maps a component error to its stable code. Unrecognized
// errors classify as InternalError.
func Classify(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, circuitbreaker.ErrOpen):
		return CircuitOpen
	case errors.Is(err, failover.ErrMaxAttempts):
		return MaxFailoverAttempts
	case errors.Is(err, failover.ErrHealthCheckFailed):
		return HealthCheckFailed
	case errors.Is(err, pool.ErrExhausted):
		return PoolExhausted
	case errors.Is(err, pool.ErrInvalidPriority):
		return InvalidPriority
	case errors.Is(err, pool.ErrUnknownConnection):
		return UnknownConnection
	case errors.Is(err, pool.ErrNotInUse):
		return ConnectionNotInUse
	case errors.Is(err, shutdown.ErrQuiescenceTimeout):
		return QuiescenceTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return DeviceTimeout
	}

	var derr *device.Error
	if errors.As(err, &derr) {
		switch derr.Category {
		case device.CategoryAuthentication:
			return DeviceAuthFailed
		case device.CategoryResource:
			return ResourceLimit
		default:
			return DeviceUnavailable
		}
	}
	return InternalError
}

// Status returns the HTTP status conventionally paired with a code.
func Status(code ErrorCode) int {
	switch code {
	case InvalidRequest, UnknownOperation, InvalidPriority:
		return http.StatusBadRequest
	case AuthMissingToken, AuthInvalidToken:
		return http.StatusUnauthorized
	case AuthInsufficient:
		return http.StatusForbidden
	case UnknownConnection:
		return http.StatusNotFound
	case ConnectionNotInUse:
		return http.StatusConflict
	case RateLimitExceeded:
		return http.StatusTooManyRequests
	case PoolExhausted, CircuitOpen, MaxFailoverAttempts, ResourceLimit, ShuttingDown:
		return http.StatusServiceUnavailable
	case AcquisitionFailed, HealthCheckFailed, DeviceUnavailable, DeviceAuthFailed:
		return http.StatusBadGateway
	case DeviceTimeout, QuiescenceTimeout, RequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no
// allocation). When request_id is available (from X-Request-ID header),
// it is included in the response. The request parameter may be nil for
// contexts where the request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == PoolExhausted && status == http.StatusServiceUnavailable && message == "connection pool is full":
		return prePoolExhausted
	case code == CircuitOpen && status == http.StatusServiceUnavailable && message == "circuit breaker open":
		return preCircuitOpen
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == ShuttingDown && status == http.StatusServiceUnavailable && message == "bridge is shutting down":
		return preShuttingDown
	}
	return nil
}
