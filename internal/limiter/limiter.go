// Package limiter provides process-wide admission control over connection
// count, memory, CPU, and network-byte budgets. Checks run against live
// process samples; nothing is persisted beyond the most recent sample.
package limiter

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/metrics"
)

// Resource names reported in violations.
const (
	ResourceConnections = "connections"
	ResourceMemory      = "memory"
	ResourceCPU         = "cpu"
	ResourceNetwork     = "network"
)

// Violation names one exceeded resource ceiling.
type Violation struct {
	Resource string `json:"resource"`
	Detail   string `json:"detail"`
}

// Result is an admission decision. Violations lists every exceeded
// resource so callers can log and alert precisely, never just a boolean.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Request describes the work admission is being asked to accept.
type Request struct {
	CurrentConnections int
	PendingBytes       int
}

// Limiter performs the admission checks. Safe for concurrent use; the
// ceilings are hot-reloadable via UpdateConfig.
type Limiter struct {
	mu        sync.RWMutex
	cfg       config.LimitsConfig
	netBucket *rate.Limiter

	logger *slog.Logger
	sink   metrics.Sink

	// CPU usage is derived from process CPU time deltas between calls,
	// cached briefly so back-to-back admissions share one sample.
	cpuMu        sync.Mutex
	lastSampleAt time.Time
	lastCPUTime  time.Duration
	lastFraction float64

	// Injectable samplers for tests.
	readMemStats func(*runtime.MemStats)
	cpuTime      func() (time.Duration, bool)
	now          func() time.Time
}

// New creates a Limiter. The configuration must already be validated.
func New(cfg config.LimitsConfig, logger *slog.Logger, sink metrics.Sink) *Limiter {
	return &Limiter{
		cfg:          cfg,
		netBucket:    rate.NewLimiter(rate.Limit(cfg.NetworkBytesPerSecond), cfg.NetworkBurstBytes),
		logger:       logger,
		sink:         sink,
		readMemStats: runtime.ReadMemStats,
		cpuTime:      processCPUTime,
		now:          time.Now,
	}
}

// UpdateConfig validates and applies new ceilings. Invalid settings are
// rejected with a typed error and the current ceilings stay in force.
func (l *Limiter) UpdateConfig(cfg config.LimitsConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.netBucket = rate.NewLimiter(rate.Limit(cfg.NetworkBytesPerSecond), cfg.NetworkBurstBytes)
	l.logger.Info("resource limits updated",
		"max_connections", cfg.MaxConnections,
		"max_memory_bytes", cfg.MaxMemoryBytes,
		"max_cpu_fraction", cfg.MaxCPUFraction,
		"network_bytes_per_second", cfg.NetworkBytesPerSecond,
	)
	return nil
}

// CanAcceptConnection reports whether one more connection fits under the
// connection ceiling.
func (l *Limiter) CanAcceptConnection(current int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return current < l.cfg.MaxConnections
}

// CheckMemory samples heap usage and reports whether it is under the
// memory high-water mark. Admission stops before the absolute ceiling so
// in-flight work keeps headroom.
func (l *Limiter) CheckMemory() (used uint64, ok bool) {
	var m runtime.MemStats
	l.readMemStats(&m)
	l.mu.RLock()
	threshold := uint64(l.cfg.MemoryHighWater * float64(l.cfg.MaxMemoryBytes))
	l.mu.RUnlock()
	return m.HeapAlloc, m.HeapAlloc < threshold
}

// CheckCPU reports the process CPU fraction since the previous call and
// whether it is under the CPU ceiling. On platforms without process CPU
// accounting the check passes.
func (l *Limiter) CheckCPU() (fraction float64, ok bool) {
	l.mu.RLock()
	limit := l.cfg.MaxCPUFraction
	l.mu.RUnlock()

	l.cpuMu.Lock()
	defer l.cpuMu.Unlock()

	now := l.now()
	total, supported := l.cpuTime()
	if !supported {
		return 0, true
	}

	// Reuse the previous fraction for a second between samples; CPU time
	// deltas over tiny wall intervals are noise.
	if !l.lastSampleAt.IsZero() && now.Sub(l.lastSampleAt) < time.Second {
		return l.lastFraction, l.lastFraction < limit
	}

	if l.lastSampleAt.IsZero() {
		l.lastSampleAt = now
		l.lastCPUTime = total
		return 0, true
	}

	wall := now.Sub(l.lastSampleAt)
	used := total - l.lastCPUTime
	l.lastSampleAt = now
	l.lastCPUTime = total

	fraction = float64(used) / (float64(wall) * float64(runtime.NumCPU()))
	if fraction < 0 {
		fraction = 0
	}
	l.lastFraction = fraction
	return fraction, fraction < limit
}

// CheckNetwork reserves pendingBytes from the network budget, reporting
// false when the budget is exhausted. Admitted bytes consume tokens.
func (l *Limiter) CheckNetwork(pendingBytes int) bool {
	if pendingBytes <= 0 {
		return true
	}
	l.mu.RLock()
	bucket := l.netBucket
	burst := l.cfg.NetworkBurstBytes
	l.mu.RUnlock()
	if pendingBytes > burst {
		return false
	}
	return bucket.AllowN(l.now(), pendingBytes)
}

// EnforceLimits runs every admission check for req and aggregates the
// outcome. Each exceeded resource appears in the violation list.
func (l *Limiter) EnforceLimits(req Request) Result {
	var violations []Violation

	if !l.CanAcceptConnection(req.CurrentConnections) {
		l.mu.RLock()
		max := l.cfg.MaxConnections
		l.mu.RUnlock()
		violations = append(violations, Violation{
			Resource: ResourceConnections,
			Detail:   fmt.Sprintf("connection count %d at limit %d", req.CurrentConnections, max),
		})
	}

	if used, ok := l.CheckMemory(); !ok {
		l.mu.RLock()
		threshold := uint64(l.cfg.MemoryHighWater * float64(l.cfg.MaxMemoryBytes))
		l.mu.RUnlock()
		violations = append(violations, Violation{
			Resource: ResourceMemory,
			Detail:   fmt.Sprintf("heap %d bytes at or above high water %d", used, threshold),
		})
	}

	if fraction, ok := l.CheckCPU(); !ok {
		l.mu.RLock()
		max := l.cfg.MaxCPUFraction
		l.mu.RUnlock()
		violations = append(violations, Violation{
			Resource: ResourceCPU,
			Detail:   fmt.Sprintf("cpu fraction %.2f exceeds limit %.2f", fraction, max),
		})
	}

	if !l.CheckNetwork(req.PendingBytes) {
		violations = append(violations, Violation{
			Resource: ResourceNetwork,
			Detail:   fmt.Sprintf("%d pending bytes exceed the network budget", req.PendingBytes),
		})
	}

	if len(violations) > 0 {
		for _, v := range violations {
			l.sink.Counter(metrics.MetricAdmissionRejections, 1, map[string]string{"resource": v.Resource})
		}
		l.logger.Warn("admission rejected", "violations", violationNames(violations))
		return Result{Allowed: false, Violations: violations}
	}
	return Result{Allowed: true}
}

// Sample is a point-in-time view of resource usage for the admin API.
type Sample struct {
	HeapBytes      uint64  `json:"heap_bytes"`
	MaxMemoryBytes uint64  `json:"max_memory_bytes"`
	CPUFraction    float64 `json:"cpu_fraction"`
	MaxCPUFraction float64 `json:"max_cpu_fraction"`
	MaxConnections int     `json:"max_connections"`
}

// Snapshot returns current usage against the configured ceilings.
func (l *Limiter) Snapshot() Sample {
	var m runtime.MemStats
	l.readMemStats(&m)
	fraction, _ := l.CheckCPU()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Sample{
		HeapBytes:      m.HeapAlloc,
		MaxMemoryBytes: l.cfg.MaxMemoryBytes,
		CPUFraction:    fraction,
		MaxCPUFraction: l.cfg.MaxCPUFraction,
		MaxConnections: l.cfg.MaxConnections,
	}
}

func violationNames(vs []Violation) []string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = v.Resource
	}
	return names
}
