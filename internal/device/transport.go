package device

import (
	"context"
	"time"
)

// Transport is the contract a pooled connection drives its downstream
// device link through. Implementations wrap the actual BLE adapter calls
// (or a simulation of them); the resilience components only ever see this
// surface.
type Transport interface {
	// Connect establishes the link. Safe to call again after a disconnect.
	Connect(ctx context.Context) error

	// Disconnect tears the link down. Idempotent.
	Disconnect(ctx context.Context) error

	// Cleanup releases residual state left behind by a disconnect or a
	// failed connect. Idempotent.
	Cleanup(ctx context.Context) error

	// Ping issues an active liveness probe over the link.
	Ping(ctx context.Context) error

	// IsActive reports whether the link currently considers itself up.
	IsActive() bool
}

// GATT is implemented by transports that expose characteristic I/O. The
// bridge's read/write operations require it; pure pool plumbing does not.
type GATT interface {
	ReadCharacteristic(ctx context.Context, char string) ([]byte, error)
	WriteCharacteristic(ctx context.Context, char string, data []byte) error
}

// Info describes a discoverable peripheral.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// Scanner discovers nearby peripherals.
type Scanner interface {
	Scan(ctx context.Context, timeout time.Duration) ([]Info, error)
}

// Factory dials the transport behind a new pooled connection. The pool
// calls it outside its lock; implementations should honor ctx deadlines.
type Factory func(ctx context.Context) (Transport, error)
