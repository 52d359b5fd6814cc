// Package failover is the acquisition front door for sessions. It layers
// circuit-breaker gating, per-tier attempt budgets, and a liveness
// verification over the raw pool, and runs a background prober that
// feeds probe outcomes back into the breaker.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/ble-bridge/internal/circuitbreaker"
	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/health"
	"github.com/dskow/ble-bridge/internal/metrics"
	"github.com/dskow/ble-bridge/internal/pool"
)

var (
	// ErrMaxAttempts is returned once a tier's failover attempt budget is
	// spent. The budget resets on the next successful acquisition or
	// healthy probe for that tier.
	ErrMaxAttempts = errors.New("max failover attempts reached")
	// ErrHealthCheckFailed is returned when a freshly acquired connection
	// fails its liveness verification.
	ErrHealthCheckFailed = errors.New("connection health check failed")
)

// tierKey is the circuit-breaker key for a priority tier.
func tierKey(p device.Priority) string {
	return "tier:" + string(p)
}

// Failover coordinates acquisition across the pool, the breaker, and the
// health monitor.
type Failover struct {
	mu       sync.Mutex
	cfg      config.FailoverConfig
	attempts map[device.Priority]int

	pool    *pool.Pool
	breaker *circuitbreaker.Breaker
	health  *health.Monitor

	logger *slog.Logger
	sink   metrics.Sink

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Failover over the given collaborators.
func New(cfg config.FailoverConfig, p *pool.Pool, b *circuitbreaker.Breaker, h *health.Monitor, logger *slog.Logger, sink metrics.Sink) *Failover {
	return &Failover{
		cfg:      cfg,
		attempts: make(map[device.Priority]int),
		pool:     p,
		breaker:  b,
		health:   h,
		logger:   logger,
		sink:     sink,
		stopCh:   make(chan struct{}),
	}
}

// Acquire obtains a verified-live connection for the tier. An empty
// priority maps to the default (medium) tier. Failures are distinct:
// breaker-open and attempt-budget failures happen before the pool is
// touched; acquisition and health-verification failures each count one
// failover attempt and one breaker failure for the tier.
func (f *Failover) Acquire(ctx context.Context, priority device.Priority) (*device.Connection, error) {
	if priority == "" {
		priority = device.PriorityMedium
	}
	key := tierKey(priority)

	if !f.breaker.Allow(key) {
		f.sink.Counter(metrics.MetricFailoverFailures, 1, map[string]string{"priority": string(priority), "reason": "circuit_open"})
		f.logger.Warn("acquisition blocked by circuit breaker", "tier", key)
		return nil, fmt.Errorf("%w: %s", circuitbreaker.ErrOpen, key)
	}

	f.mu.Lock()
	spent := f.attempts[priority]
	max := f.cfg.MaxAttempts
	f.mu.Unlock()
	if spent >= max {
		f.sink.Counter(metrics.MetricFailoverFailures, 1, map[string]string{"priority": string(priority), "reason": "max_attempts"})
		f.logger.Warn("failover attempt budget exhausted", "tier", key, "attempts", spent)
		return nil, fmt.Errorf("%w for tier %s", ErrMaxAttempts, priority)
	}

	f.sink.Counter(metrics.MetricFailoverAttempts, 1, map[string]string{"priority": string(priority)})

	conn, err := f.pool.Acquire(ctx, priority)
	if err != nil {
		f.recordFailure(priority, key)
		f.sink.Counter(metrics.MetricFailoverFailures, 1, map[string]string{"priority": string(priority), "reason": "acquisition"})
		return nil, fmt.Errorf("connection acquisition failed: %w", err)
	}

	if h := f.health.Check(ctx, conn); h.Status != device.Healthy {
		f.recordFailure(priority, key)
		f.sink.Counter(metrics.MetricFailoverFailures, 1, map[string]string{"priority": string(priority), "reason": "health"})
		if derr := f.pool.Discard(ctx, conn.ID, "unhealthy"); derr != nil {
			f.logger.Warn("discard of unhealthy connection failed", "connection_id", conn.ID, "error", derr)
		}
		return nil, fmt.Errorf("%w: %s", ErrHealthCheckFailed, conn.ID)
	}

	f.mu.Lock()
	f.attempts[priority] = 0
	f.mu.Unlock()
	f.breaker.RecordSuccess(key)
	return conn, nil
}

func (f *Failover) recordFailure(priority device.Priority, key string) {
	f.mu.Lock()
	f.attempts[priority]++
	f.mu.Unlock()
	f.breaker.RecordFailure(key)
}

// Attempts reports the spent failover budget for a tier.
func (f *Failover) Attempts(priority device.Priority) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[priority]
}

// AttemptsSnapshot returns the spent budget per tier for the admin API.
func (f *Failover) AttemptsSnapshot() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.attempts))
	for p, n := range f.attempts {
		out[string(p)] = n
	}
	return out
}

// Start launches the background prober.
func (f *Failover) Start() {
	f.wg.Add(1)
	go f.probeLoop()
}

// Stop halts the background prober.
func (f *Failover) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *Failover) probeLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.probeOnce(context.Background())
		}
	}
}

// probeOnce checks every pooled connection and feeds the verdicts into
// the breaker and the attempt budgets. A panicking probe is contained
// here; the loop must outlive any single bad cycle.
func (f *Failover) probeOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("health probe cycle panicked", "panic", r)
		}
	}()

	for _, conn := range f.pool.Connections() {
		key := tierKey(conn.Priority())
		h := f.health.Check(ctx, conn)
		if h.Status != device.Healthy {
			f.breaker.RecordFailure(key)
			continue
		}
		f.mu.Lock()
		f.attempts[conn.Priority()] = 0
		f.mu.Unlock()
		f.breaker.RecordSuccess(key)
	}
}
