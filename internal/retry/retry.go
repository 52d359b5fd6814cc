// Package retry computes reconnect backoff and decides which device
// failures are worth another attempt.
package retry

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
)

// Policy holds the backoff parameters and performs single reconnect
// attempts against a connection.
type Policy struct {
	cfg    config.RetryConfig
	logger *slog.Logger
	sink   metrics.Sink
}

// New creates a retry policy. The configuration must already be validated.
func New(cfg config.RetryConfig, logger *slog.Logger, sink metrics.Sink) *Policy {
	return &Policy{cfg: cfg, logger: logger, sink: sink}
}

// Delay returns the wait before attempt number retryCount:
// initialDelay * backoffFactor^retryCount, capped at maxDelay. The
// progression is deliberately jitter-free so failover timing stays
// deterministic and testable.
func (p *Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffFactor, float64(retryCount))
	if d > float64(p.cfg.MaxDelay) || math.IsInf(d, 1) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Classify returns the failure category of err and whether that category
// is retryable. Categories are assigned where the failure is raised
// (device.Error); unrecognized errors come back unknown and terminal.
func (p *Policy) Classify(err error) (device.Category, bool) {
	cat := device.Classify(err)
	return cat, cat.Retryable()
}

// ShouldRetry reports whether conn should be reconnected after err:
// the error's category must be retryable and the connection must not
// have exhausted maxRetries.
func (p *Policy) ShouldRetry(err error, conn *device.Connection) bool {
	_, retryable := p.Classify(err)
	if !retryable {
		return false
	}
	return conn.RetryCount() < p.cfg.MaxRetries
}

// MaxRetries returns the configured attempt bound.
func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Reconnect waits the backoff for the connection's current retry count,
// then dials once. Success resets the retry count; failure increments it
// and returns the dial error.
func (p *Policy) Reconnect(ctx context.Context, conn *device.Connection) error {
	delay := p.Delay(conn.RetryCount())

	p.logger.Debug("reconnect scheduled",
		"connection_id", conn.ID,
		"retry_count", conn.RetryCount(),
		"delay", delay,
	)

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := conn.Connect(ctx); err != nil {
		count := conn.IncRetryCount()
		p.sink.Counter(metrics.MetricReconnects, 1, map[string]string{"outcome": "failure"})
		p.logger.Warn("reconnect failed",
			"connection_id", conn.ID,
			"retry_count", count,
			"error", err,
		)
		return err
	}

	conn.ResetRetryCount()
	p.sink.Counter(metrics.MetricReconnects, 1, map[string]string{"outcome": "success"})
	p.logger.Info("reconnect succeeded", "connection_id", conn.ID)
	return nil
}
