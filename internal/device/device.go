// Package device defines the Connection entity shared by the pooling and
// resilience components, the transport contract BLE operations run through,
// and a simulated adapter used by tests and the devicesim daemon.
package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a pooled connection.
type Status string

const (
	StatusAvailable Status = "available"
	StatusInUse     Status = "in_use"
	StatusClosed    Status = "closed"
)

// Priority is the acquisition tier of a connection.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority maps s to a known tier. Unknown values fall back to
// PriorityMedium with ok=false so the caller can log the fallback.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), true
	default:
		return PriorityMedium, false
	}
}

// HealthStatus is the probe verdict recorded on a connection.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the most recent probe result for a connection.
type Health struct {
	Status    HealthStatus  `json:"status"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency"`
	Errors    int           `json:"errors"`
}

// Connection is one pooled downstream resource. Identity fields are
// immutable after creation; mutable state is guarded by the connection's
// own mutex because the pool, the health monitors, and the watchdog all
// touch it from independent goroutines.
type Connection struct {
	ID        string
	DeviceID  string
	CreatedAt time.Time

	transport Transport

	mu         sync.Mutex
	status     Status
	priority   Priority
	lastUsed   time.Time
	retryCount int
	health     Health
}

// NewConnection wraps a dialed transport in a Connection record with a
// fresh id. The connection starts out available.
func NewConnection(deviceID string, priority Priority, tr Transport) *Connection {
	now := time.Now()
	return &Connection{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		CreatedAt: now,
		transport: tr,
		status:    StatusAvailable,
		priority:  priority,
		lastUsed:  now,
		health:    Health{Status: Healthy, LastCheck: now},
	}
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus moves the connection to a new lifecycle state.
func (c *Connection) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Priority returns the tier the connection is currently tagged with.
func (c *Connection) Priority() Priority {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority
}

// SetPriority retags the connection. The pool overwrites the tier when it
// hands a mismatched idle connection to a caller.
func (c *Connection) SetPriority(p Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority = p
}

// LastUsed returns the last acquire/release stamp.
func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Touch stamps lastUsed with the current time.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUsed = time.Now()
}

// RetryCount returns the consecutive reconnect failures recorded so far.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// IncRetryCount adds one failed reconnect attempt and returns the new count.
func (c *Connection) IncRetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount++
	return c.retryCount
}

// ResetRetryCount clears the reconnect failure streak after a success.
func (c *Connection) ResetRetryCount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryCount = 0
}

// Health returns a copy of the latest probe result.
func (c *Connection) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// RecordHealth stores a probe outcome. A failed probe increments the
// consecutive error counter; a successful one clears it.
func (c *Connection) RecordHealth(ok bool, latency time.Duration) Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health.LastCheck = time.Now()
	c.health.Latency = latency
	if ok {
		c.health.Status = Healthy
		c.health.Errors = 0
	} else {
		c.health.Status = Unhealthy
		c.health.Errors++
	}
	return c.health
}

// Connect dials the underlying transport.
func (c *Connection) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect closes the underlying transport.
func (c *Connection) Disconnect(ctx context.Context) error {
	return c.transport.Disconnect(ctx)
}

// Cleanup releases any residual transport state after a disconnect.
func (c *Connection) Cleanup(ctx context.Context) error {
	return c.transport.Cleanup(ctx)
}

// Ping issues an active liveness probe on the transport.
func (c *Connection) Ping(ctx context.Context) error {
	return c.transport.Ping(ctx)
}

// IsActive reports whether the transport considers itself connected.
func (c *Connection) IsActive() bool {
	return c.transport.IsActive()
}

// Transport exposes the raw transport for callers that need the wider
// characteristic I/O surface. May be nil-checked via type assertion.
func (c *Connection) Transport() Transport {
	return c.transport
}

// Snapshot is a point-in-time, JSON-friendly view of a connection used by
// pool stats and the admin API.
type Snapshot struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id,omitempty"`
	Status     Status    `json:"status"`
	Priority   Priority  `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
	RetryCount int       `json:"retry_count"`
	Health     Health    `json:"health"`
}

// Snapshot captures the connection's current state under its lock.
func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:         c.ID,
		DeviceID:   c.DeviceID,
		Status:     c.status,
		Priority:   c.priority,
		CreatedAt:  c.CreatedAt,
		LastUsed:   c.lastUsed,
		RetryCount: c.retryCount,
		Health:     c.health,
	}
}
