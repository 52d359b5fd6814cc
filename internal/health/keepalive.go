package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
)

type keepAliveEntry struct {
	stopCh   chan struct{}
	failures int // consecutive ping failures, guarded by KeepAlive.mu
}

// KeepAlive issues an active ping to each watched connection on a fixed
// interval, independently of the health monitor's passive probes. Once a
// connection accumulates the configured number of consecutive ping
// failures its loop stops and the OnMaxFailures callback fires.
type KeepAlive struct {
	mu      sync.Mutex
	cfg     config.KeepAliveConfig
	watched map[string]*keepAliveEntry

	onMaxFailures func(conn *device.Connection)

	logger *slog.Logger
	sink   metrics.Sink
	wg     sync.WaitGroup
}

// NewKeepAlive creates a KeepAlive pinger.
func NewKeepAlive(cfg config.KeepAliveConfig, logger *slog.Logger, sink metrics.Sink) *KeepAlive {
	return &KeepAlive{
		cfg:     cfg,
		watched: make(map[string]*keepAliveEntry),
		logger:  logger,
		sink:    sink,
	}
}

// OnMaxFailures registers the callback invoked when pinging gives up on a
// connection. Call before watching anything.
func (k *KeepAlive) OnMaxFailures(fn func(conn *device.Connection)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onMaxFailures = fn
}

// UpdateConfig validates and applies new ping settings. Running ping
// loops pick up a changed interval on their next tick.
func (k *KeepAlive) UpdateConfig(cfg config.KeepAliveConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg = cfg
	k.logger.Info("keep-alive config updated",
		"interval", cfg.Interval,
		"max_ping_failures", cfg.MaxPingFailures,
	)
	return nil
}

// Watch starts the ping loop for conn. Watching twice warns and keeps
// the existing loop.
func (k *KeepAlive) Watch(conn *device.Connection) {
	k.mu.Lock()
	if _, ok := k.watched[conn.ID]; ok {
		k.mu.Unlock()
		k.logger.Warn("keep-alive already running", "connection_id", conn.ID)
		return
	}
	e := &keepAliveEntry{stopCh: make(chan struct{})}
	k.watched[conn.ID] = e
	k.wg.Add(1)
	k.mu.Unlock()

	go k.loop(conn, e)
}

// Unwatch stops the ping loop for id. Unknown ids warn and do nothing.
func (k *KeepAlive) Unwatch(id string) {
	if !k.remove(id) {
		k.logger.Warn("keep-alive not running", "connection_id", id)
	}
}

func (k *KeepAlive) remove(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.watched[id]
	if !ok {
		return false
	}
	delete(k.watched, id)
	close(e.stopCh)
	return true
}

func (k *KeepAlive) loop(conn *device.Connection, e *keepAliveEntry) {
	defer k.wg.Done()
	k.mu.Lock()
	interval := k.cfg.Interval
	k.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			k.mu.Lock()
			maxFailures := k.cfg.MaxPingFailures
			if cur := k.cfg.Interval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
			k.mu.Unlock()

			failures := k.ping(conn, e, interval)
			if failures < maxFailures {
				continue
			}
			if k.remove(conn.ID) {
				k.logger.Warn("keep-alive stopped after consecutive ping failures",
					"connection_id", conn.ID,
					"consecutive_failures", failures,
				)
				k.mu.Lock()
				cb := k.onMaxFailures
				k.mu.Unlock()
				if cb != nil {
					cb(conn)
				}
			}
			return
		}
	}
}

// ping issues one bounded ping and returns the consecutive failure count.
func (k *KeepAlive) ping(conn *device.Connection, e *keepAliveEntry, interval time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()

	err := conn.Ping(ctx)

	k.mu.Lock()
	defer k.mu.Unlock()
	if err != nil {
		e.failures++
		k.sink.Counter(metrics.MetricKeepAlivePings, 1, map[string]string{"outcome": "failure"})
		k.logger.Debug("keep-alive ping failed",
			"connection_id", conn.ID,
			"consecutive_failures", e.failures,
			"error", err,
		)
	} else {
		e.failures = 0
		k.sink.Counter(metrics.MetricKeepAlivePings, 1, map[string]string{"outcome": "success"})
	}
	return e.failures
}

// Watched returns the ids currently being pinged, sorted for stable output.
func (k *KeepAlive) Watched() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]string, 0, len(k.watched))
	for id := range k.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop halts every ping loop and waits for them to exit.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	for id, e := range k.watched {
		close(e.stopCh)
		delete(k.watched, id)
	}
	k.mu.Unlock()
	k.wg.Wait()
}
