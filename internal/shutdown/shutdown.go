// Package shutdown drains and tears down the connection pool in two
// phases: a quiescence wait for in-flight work to finish, then a
// teardown sweep that disconnects every connection and collects
// per-connection outcomes.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
	"github.com/dskow/ble-bridge/internal/pool"
)

// ErrQuiescenceTimeout is returned when connections are still in use
// after the configured drain window.
var ErrQuiescenceTimeout = errors.New("connections did not quiesce before timeout")

// Outcome records the teardown result for one connection.
type Outcome struct {
	ConnectionID string `json:"connection_id"`
	Err          error  `json:"-"`
}

// ConnectionSource is the view of the pool the coordinator needs.
type ConnectionSource interface {
	Stats() pool.Stats
	Connections() []*device.Connection
}

// Coordinator runs the graceful-shutdown sequence.
type Coordinator struct {
	cfg    config.ShutdownConfig
	source ConnectionSource
	logger *slog.Logger
	sink   metrics.Sink
}

// New creates a Coordinator over the given connection source.
func New(cfg config.ShutdownConfig, source ConnectionSource, logger *slog.Logger, sink metrics.Sink) *Coordinator {
	return &Coordinator{cfg: cfg, source: source, logger: logger, sink: sink}
}

// Run waits for quiescence, then tears down every connection. A failed
// drain is reported but never skips teardown; the returned outcomes
// cover every connection either way.
func (c *Coordinator) Run(ctx context.Context) ([]Outcome, error) {
	qerr := c.awaitQuiescence(ctx)
	if qerr != nil {
		c.logger.Warn("proceeding to teardown without quiescence", "error", qerr)
	}

	outcomes := c.teardownAll(ctx)

	failures := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failures++
		}
	}
	c.logger.Info("shutdown complete",
		"connections", len(outcomes),
		"failures", failures,
		"quiesced", qerr == nil,
	)
	return outcomes, qerr
}

// awaitQuiescence polls until no connection is checked out, the drain
// window elapses, or ctx is cancelled.
func (c *Coordinator) awaitQuiescence(ctx context.Context) error {
	if c.source.Stats().InUse == 0 {
		return nil
	}

	deadline := time.NewTimer(c.cfg.QuiescenceTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			inUse := c.source.Stats().InUse
			return fmt.Errorf("%w: %d connections still in use", ErrQuiescenceTimeout, inUse)
		case <-ticker.C:
			if c.source.Stats().InUse == 0 {
				return nil
			}
		}
	}
}

// teardownAll shuts down every connection, collecting outcomes. One
// failure never aborts the remaining teardowns.
func (c *Coordinator) teardownAll(ctx context.Context) []Outcome {
	conns := c.source.Connections()
	outcomes := make([]Outcome, 0, len(conns))
	for _, conn := range conns {
		err := c.ShutdownOne(ctx, conn)
		outcome := "clean"
		if err != nil {
			outcome = "error"
			c.logger.Warn("connection teardown failed", "connection_id", conn.ID, "error", err)
		}
		c.sink.Counter(metrics.MetricShutdownOutcomes, 1, map[string]string{"outcome": outcome})
		outcomes = append(outcomes, Outcome{ConnectionID: conn.ID, Err: err})
	}
	return outcomes
}

// ShutdownOne disconnects and cleans up a single connection. Both steps
// always run; their errors are joined.
func (c *Coordinator) ShutdownOne(ctx context.Context, conn *device.Connection) error {
	conn.SetStatus(device.StatusClosed)
	derr := conn.Disconnect(ctx)
	cerr := conn.Cleanup(ctx)
	return errors.Join(derr, cerr)
}
