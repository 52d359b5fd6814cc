// Package health runs the recurring liveness probes and keep-alive pings
// for pooled connections, and serves the bridge's /health and /ready
// endpoints. Each watched connection gets exactly one probe loop; watching
// an already-watched connection warns and does nothing, and unwatching an
// unknown one is equally harmless.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
)

// ProbeFunc decides whether a connection is alive. The default policy
// treats an active transport as healthy.
type ProbeFunc func(ctx context.Context, conn *device.Connection) error

func defaultProbe(_ context.Context, conn *device.Connection) error {
	if !conn.IsActive() {
		return device.NewError("health_check", device.CategoryNetwork, errors.New("transport inactive"))
	}
	return nil
}

type watchEntry struct {
	stopCh chan struct{}
}

// Monitor periodically probes watched connections and records the result
// on the connection's health block. After the configured number of
// consecutive failures the monitor stops watching and hands the
// connection to the OnUnhealthy callback; eviction is the caller's call.
type Monitor struct {
	mu      sync.Mutex
	cfg     config.HealthConfig
	watched map[string]*watchEntry

	probe       ProbeFunc
	onUnhealthy func(conn *device.Connection)

	logger *slog.Logger
	sink   metrics.Sink
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor with the default active-status probe.
func NewMonitor(cfg config.HealthConfig, logger *slog.Logger, sink metrics.Sink) *Monitor {
	return &Monitor{
		cfg:     cfg,
		watched: make(map[string]*watchEntry),
		probe:   defaultProbe,
		logger:  logger,
		sink:    sink,
	}
}

// SetProbe replaces the liveness policy. Call before watching anything.
func (m *Monitor) SetProbe(p ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = p
}

// OnUnhealthy registers the callback invoked after monitoring stops due
// to consecutive probe failures. Call before watching anything.
func (m *Monitor) OnUnhealthy(fn func(conn *device.Connection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = fn
}

// UpdateConfig validates and applies new probe settings. Running probe
// loops pick up a changed interval on their next tick.
func (m *Monitor) UpdateConfig(cfg config.HealthConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.logger.Info("health monitor config updated",
		"check_interval", cfg.CheckInterval,
		"max_errors", cfg.MaxErrors,
	)
	return nil
}

// Watch starts the recurring probe loop for conn. Watching a connection
// twice warns and keeps the existing loop.
func (m *Monitor) Watch(conn *device.Connection) {
	m.mu.Lock()
	if _, ok := m.watched[conn.ID]; ok {
		m.mu.Unlock()
		m.logger.Warn("connection already monitored", "connection_id", conn.ID)
		return
	}
	e := &watchEntry{stopCh: make(chan struct{})}
	m.watched[conn.ID] = e
	m.wg.Add(1)
	m.mu.Unlock()

	go m.loop(conn, e)
}

// Unwatch stops the probe loop for id. Unknown ids warn and do nothing.
func (m *Monitor) Unwatch(id string) {
	if !m.remove(id) {
		m.logger.Warn("connection not monitored", "connection_id", id)
	}
}

func (m *Monitor) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.watched[id]
	if !ok {
		return false
	}
	delete(m.watched, id)
	close(e.stopCh)
	return true
}

// Check runs one probe against conn, records the outcome on the
// connection, and returns the updated health block.
func (m *Monitor) Check(ctx context.Context, conn *device.Connection) device.Health {
	m.mu.Lock()
	probe := m.probe
	interval := m.cfg.CheckInterval
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	start := time.Now()
	err := probe(ctx, conn)
	latency := time.Since(start)

	h := conn.RecordHealth(err == nil, latency)
	m.sink.Histogram(metrics.MetricHealthCheckLatency, latency.Seconds(), nil)
	if err != nil {
		m.sink.Counter(metrics.MetricHealthChecks, 1, map[string]string{"outcome": "failure"})
		m.logger.Debug("health check failed",
			"connection_id", conn.ID,
			"consecutive_errors", h.Errors,
			"error", err,
		)
	} else {
		m.sink.Counter(metrics.MetricHealthChecks, 1, map[string]string{"outcome": "success"})
	}
	return h
}

func (m *Monitor) loop(conn *device.Connection, e *watchEntry) {
	defer m.wg.Done()
	m.mu.Lock()
	interval := m.cfg.CheckInterval
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			maxErrors := m.cfg.MaxErrors
			if cur := m.cfg.CheckInterval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
			m.mu.Unlock()

			h := m.Check(context.Background(), conn)
			if h.Errors < maxErrors {
				continue
			}
			// Only the goroutine that actually removes the entry reports
			// the connection, so the callback fires once.
			if m.remove(conn.ID) {
				m.logger.Warn("health monitoring stopped after consecutive failures",
					"connection_id", conn.ID,
					"consecutive_errors", h.Errors,
				)
				m.mu.Lock()
				cb := m.onUnhealthy
				m.mu.Unlock()
				if cb != nil {
					cb(conn)
				}
			}
			return
		}
	}
}

// Watched returns the ids currently being probed, sorted for stable output.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.watched))
	for id := range m.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop halts every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for id, e := range m.watched {
		close(e.stopCh)
		delete(m.watched, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
