// Package watchdog arms one inactivity timer per connection and drives
// the two-pass teardown cycle when a timer expires: an immediate
// disconnect and cleanup, then a delayed recovery pass that clears
// whatever residual state the first attempt left behind.
package watchdog

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

// entry pairs a connection with the timer armed for it. Expiry handlers
// compare entry identity before acting, so a timer that fires after its
// entry was replaced or cleared does nothing.
type entry struct {
	conn  *device.Connection
	timer *time.Timer
}

// Watchdog tracks inactivity per connection. Arming a timer for an id
// always cancels any timer already pending for that id; timers never
// leak or fire twice for the same arming.
type Watchdog struct {
	mu         sync.Mutex
	cfg        config.WatchdogConfig
	timeouts   map[string]*entry
	recoveries map[string]*entry
	counts     map[string]int
	stopped    bool

	onTimeout func(conn *device.Connection)

	logger *slog.Logger
	sink   metrics.Sink
}

// New creates a Watchdog.
func New(cfg config.WatchdogConfig, logger *slog.Logger, sink metrics.Sink) *Watchdog {
	return &Watchdog{
		cfg:        cfg,
		timeouts:   make(map[string]*entry),
		recoveries: make(map[string]*entry),
		counts:     make(map[string]int),
		logger:     logger,
		sink:       sink,
	}
}

// OnTimeout registers the callback invoked after a timed-out connection
// has been disconnected and cleaned up. Call before watching anything.
func (w *Watchdog) OnTimeout(fn func(conn *device.Connection)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onTimeout = fn
}

// Watch arms the inactivity timer for conn, clearing any timeout or
// recovery timer already pending for it.
func (w *Watchdog) Watch(conn *device.Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.clearLocked(conn.ID)
	w.armLocked(conn)
}

// Touch restarts the inactivity timer for id after activity. Untracked
// ids warn and do nothing.
func (w *Watchdog) Touch(id string) {
	w.mu.Lock()
	e, ok := w.timeouts[id]
	if ok {
		e.timer.Stop()
		w.armLocked(e.conn)
	}
	w.mu.Unlock()
	if !ok {
		w.logger.Warn("watchdog not armed", "connection_id", id)
	}
}

// Clear cancels any pending timers for id. Untracked ids warn and do
// nothing.
func (w *Watchdog) Clear(id string) {
	w.mu.Lock()
	cleared := w.clearLocked(id)
	w.mu.Unlock()
	if !cleared {
		w.logger.Warn("watchdog not armed", "connection_id", id)
	}
}

func (w *Watchdog) clearLocked(id string) bool {
	cleared := false
	if e, ok := w.timeouts[id]; ok {
		e.timer.Stop()
		delete(w.timeouts, id)
		cleared = true
	}
	if e, ok := w.recoveries[id]; ok {
		e.timer.Stop()
		delete(w.recoveries, id)
		cleared = true
	}
	return cleared
}

func (w *Watchdog) armLocked(conn *device.Connection) {
	e := &entry{conn: conn}
	e.timer = time.AfterFunc(w.cfg.Timeout, func() { w.expire(e) })
	w.timeouts[conn.ID] = e
}

// expire handles an inactivity timer firing: first teardown pass, then
// the recovery timer.
func (w *Watchdog) expire(e *entry) {
	id := e.conn.ID

	w.mu.Lock()
	if w.timeouts[id] != e {
		// Replaced or cleared between firing and running.
		w.mu.Unlock()
		return
	}
	delete(w.timeouts, id)
	w.counts[id]++
	count := w.counts[id]
	recoveryTimeout := w.cfg.RecoveryTimeout
	cb := w.onTimeout
	w.mu.Unlock()

	w.sink.Counter(metrics.MetricWatchdogTimeouts, 1, map[string]string{"phase": "timeout"})
	w.logger.Warn("connection inactivity timeout",
		"connection_id", id,
		"timeout_count", count,
	)

	w.teardown(e.conn, recoveryTimeout)

	w.mu.Lock()
	if !w.stopped {
		if prior, ok := w.recoveries[id]; ok {
			prior.timer.Stop()
		}
		re := &entry{conn: e.conn}
		re.timer = time.AfterFunc(recoveryTimeout, func() { w.recover(re) })
		w.recoveries[id] = re
	}
	w.mu.Unlock()

	if cb != nil {
		cb(e.conn)
	}
}

// recover runs the second teardown pass after the recovery window.
func (w *Watchdog) recover(e *entry) {
	id := e.conn.ID

	w.mu.Lock()
	if w.recoveries[id] != e {
		w.mu.Unlock()
		return
	}
	delete(w.recoveries, id)
	recoveryTimeout := w.cfg.RecoveryTimeout
	w.mu.Unlock()

	w.sink.Counter(metrics.MetricWatchdogTimeouts, 1, map[string]string{"phase": "recovery"})
	w.teardown(e.conn, recoveryTimeout)
	w.logger.Info("recovery pass completed", "connection_id", id)
}

// teardown disconnects and cleans up the connection, best-effort.
func (w *Watchdog) teardown(conn *device.Connection, bound time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()
	if err := conn.Disconnect(ctx); err != nil {
		w.logger.Debug("watchdog disconnect failed", "connection_id", conn.ID, "error", err)
	}
	if err := conn.Cleanup(ctx); err != nil {
		w.logger.Debug("watchdog cleanup failed", "connection_id", conn.ID, "error", err)
	}
}

// TimeoutCount reports how many times id has timed out.
func (w *Watchdog) TimeoutCount(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[id]
}

// Watched returns the ids with an inactivity timer armed, sorted for
// stable output.
func (w *Watchdog) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.timeouts))
	for id := range w.timeouts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop cancels every pending timer. Handlers already past their entry
// check finish; nothing new fires.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for id, e := range w.timeouts {
		e.timer.Stop()
		delete(w.timeouts, id)
	}
	for id, e := range w.recoveries {
		e.timer.Stop()
		delete(w.recoveries, id)
	}
}
