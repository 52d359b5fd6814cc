// Package pool maintains the shared set of device connections. Membership
// lives in two disjoint maps, available and in-use, which together are the
// single source of truth for which connections exist. A background
// validation cycle evicts idle connections, tops the pool back up to its
// minimum, and trims excess capacity.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
)

var (
	// ErrExhausted is returned when the pool is at maxSize with nothing available.
	ErrExhausted = errors.New("connection pool is full")
	// ErrUnknownConnection is returned for ids the pool does not track.
	ErrUnknownConnection = errors.New("unknown connection id")
	// ErrNotInUse is returned when releasing a connection that is not checked out.
	ErrNotInUse = errors.New("connection is not in use")
	// ErrInvalidPriority is returned for priorities outside the recognized tiers.
	ErrInvalidPriority = errors.New("unrecognized connection priority")
	// ErrAlreadyInitialized is returned on a second Initialize call.
	ErrAlreadyInitialized = errors.New("pool is already initialized")
)

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Size        int     `json:"size"`
	Available   int     `json:"available"`
	InUse       int     `json:"in_use"`
	Utilization float64 `json:"utilization"`
}

// Pool owns the connection maps. All exported methods are safe for
// concurrent use. Transport dials happen outside the lock; capacity is
// re-checked after every dial because the pool may have changed shape in
// the meantime.
type Pool struct {
	mu          sync.Mutex
	cfg         config.PoolConfig
	available   map[string]*device.Connection
	inUse       map[string]*device.Connection
	creating    int // dials in flight, reserved against maxSize
	initialized bool

	factory device.Factory
	logger  *slog.Logger
	sink    metrics.Sink

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

// New creates an empty pool. No connections are dialed until Initialize.
func New(cfg config.PoolConfig, factory device.Factory, logger *slog.Logger, sink metrics.Sink) *Pool {
	return &Pool{
		cfg:       cfg,
		available: make(map[string]*device.Connection),
		inUse:     make(map[string]*device.Connection),
		factory:   factory,
		logger:    logger,
		sink:      sink,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Initialize dials minSize connections. It either commits all of them or
// none: on any dial failure the connections already established are torn
// down and the pool stays empty.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p.initialized = true
	min := p.cfg.MinSize
	p.mu.Unlock()

	conns := make([]*device.Connection, 0, min)
	for i := 0; i < min; i++ {
		conn, err := p.dial(ctx, device.PriorityMedium)
		if err != nil {
			for _, c := range conns {
				p.teardown(ctx, c)
			}
			p.mu.Lock()
			p.initialized = false
			p.mu.Unlock()
			return fmt.Errorf("initialize connection %d of %d: %w", i+1, min, err)
		}
		conns = append(conns, conn)
	}

	p.mu.Lock()
	for _, c := range conns {
		p.available[c.ID] = c
	}
	p.publishGauges()
	p.mu.Unlock()

	p.logger.Info("connection pool initialized", "size", len(conns))
	return nil
}

// Acquire returns a connection for the requested priority tier. An exact
// priority match among the available connections is preferred; failing
// that, any available connection is retagged to the requested priority;
// failing that, a new connection is created while the pool is under
// maxSize. The configured acquire timeout bounds any dial this triggers.
func (p *Pool) Acquire(ctx context.Context, priority device.Priority) (*device.Connection, error) {
	switch priority {
	case device.PriorityHigh, device.PriorityMedium, device.PriorityLow:
	default:
		p.sink.Counter(metrics.MetricPoolAcquires, 1, map[string]string{"priority": string(priority), "outcome": "invalid"})
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}

	p.mu.Lock()
	timeout := p.cfg.AcquireTimeout
	p.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.maybeGrow(ctx)

	if conn := p.takeAvailable(priority); conn != nil {
		return conn, nil
	}

	// Nothing available. Reserve a creation slot while under capacity.
	p.mu.Lock()
	if max := p.cfg.MaxSize; p.sizeLocked()+p.creating >= max {
		p.mu.Unlock()
		p.sink.Counter(metrics.MetricPoolAcquires, 1, map[string]string{"priority": string(priority), "outcome": "exhausted"})
		p.logger.Warn("connection pool exhausted", "max_size", max)
		return nil, ErrExhausted
	}
	p.creating++
	p.mu.Unlock()

	conn, err := p.dial(ctx, priority)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		p.sink.Counter(metrics.MetricPoolAcquires, 1, map[string]string{"priority": string(priority), "outcome": "error"})
		return nil, fmt.Errorf("create connection: %w", err)
	}
	// The pool may have been resized or refilled while the dial was in
	// flight; re-check capacity before committing.
	if p.sizeLocked() >= p.cfg.MaxSize {
		p.mu.Unlock()
		p.teardown(ctx, conn)
		p.sink.Counter(metrics.MetricPoolAcquires, 1, map[string]string{"priority": string(priority), "outcome": "exhausted"})
		return nil, ErrExhausted
	}
	conn.SetStatus(device.StatusInUse)
	p.inUse[conn.ID] = conn
	p.publishGauges()
	p.mu.Unlock()

	p.sink.Counter(metrics.MetricPoolAcquires, 1, map[string]string{"priority": string(priority), "outcome": "create"})
	p.logger.Debug("connection created", "connection_id", conn.ID, "priority", string(priority))
	return conn, nil
}

// takeAvailable moves an available connection into the in-use set,
// preferring an exact priority match and retagging on a mismatch.
func (p *Pool) takeAvailable(priority device.Priority) *device.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	var fallback *device.Connection
	for _, c := range p.available {
		if c.Priority() == priority {
			p.checkOutLocked(c)
			p.sink.Counter(metrics.MetricPoolAcquires, 1, map[string]string{"priority": string(priority), "outcome": "hit"})
			return c
		}
		if fallback == nil {
			fallback = c
		}
	}
	if fallback == nil {
		return nil
	}
	fallback.SetPriority(priority)
	p.checkOutLocked(fallback)
	p.sink.Counter(metrics.MetricPoolAcquires, 1, map[string]string{"priority": string(priority), "outcome": "retag"})
	return fallback
}

func (p *Pool) checkOutLocked(c *device.Connection) {
	delete(p.available, c.ID)
	c.SetStatus(device.StatusInUse)
	p.inUse[c.ID] = c
	p.publishGauges()
}

// Release returns a connection to the available set and stamps its
// last-used time.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.inUse[id]
	if !ok {
		if _, exists := p.available[id]; exists {
			return fmt.Errorf("%w: %s", ErrNotInUse, id)
		}
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	delete(p.inUse, id)
	conn.SetStatus(device.StatusAvailable)
	conn.Touch()
	p.available[id] = conn
	p.publishGauges()
	return nil
}

// Discard removes a connection from the pool entirely, tearing down its
// transport. Used when a connection is known to be broken.
func (p *Pool) Discard(ctx context.Context, id, reason string) error {
	p.mu.Lock()
	conn, ok := p.inUse[id]
	if ok {
		delete(p.inUse, id)
	} else if conn, ok = p.available[id]; ok {
		delete(p.available, id)
	}
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	p.publishGauges()
	p.mu.Unlock()

	p.teardown(ctx, conn)
	p.sink.Counter(metrics.MetricPoolEvictions, 1, map[string]string{"reason": reason})
	p.logger.Info("connection discarded", "connection_id", id, "reason", reason)
	return nil
}

// Get looks up a connection by id in either set.
func (p *Pool) Get(id string) (*device.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.inUse[id]; ok {
		return c, true
	}
	if c, ok := p.available[id]; ok {
		return c, true
	}
	return nil, false
}

// Connections returns every tracked connection.
func (p *Pool) Connections() []*device.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*device.Connection, 0, p.sizeLocked())
	for _, c := range p.available {
		out = append(out, c)
	}
	for _, c := range p.inUse {
		out = append(out, c)
	}
	return out
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Size:      p.sizeLocked(),
		Available: len(p.available),
		InUse:     len(p.inUse),
	}
	if s.Size > 0 {
		s.Utilization = float64(s.InUse) / float64(s.Size)
	}
	return s
}

// Snapshot returns a serializable view of every connection for the admin API.
func (p *Pool) Snapshot() []device.Snapshot {
	conns := p.Connections()
	out := make([]device.Snapshot, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateConfig validates and applies new pool settings. Size bounds take
// effect on the next acquire and validation cycle; a changed validation
// interval is picked up by the running cycle on its next tick. Existing
// connections are not torn down here.
func (p *Pool) UpdateConfig(cfg config.PoolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.logger.Info("pool config updated",
		"min_size", cfg.MinSize,
		"max_size", cfg.MaxSize,
		"idle_timeout", cfg.IdleTimeout,
		"validation_interval", cfg.ValidationInterval,
	)
	return nil
}

// Start launches the periodic validation cycle.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.validationLoop()
}

// Stop halts the validation cycle. Connections stay up; teardown is the
// shutdown coordinator's job.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) validationLoop() {
	defer p.wg.Done()
	p.mu.Lock()
	interval := p.cfg.ValidationInterval
	p.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runValidation(context.Background())
			p.mu.Lock()
			if cur := p.cfg.ValidationInterval; cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
			p.mu.Unlock()
		}
	}
}

// runValidation performs one maintenance cycle: evict idle available
// connections, top the pool back up to minSize, then trim
// least-recently-used available connections while the pool is above
// minSize.
func (p *Pool) runValidation(ctx context.Context) {
	now := p.now()

	p.mu.Lock()
	idleTimeout := p.cfg.IdleTimeout
	var idle []*device.Connection
	for id, c := range p.available {
		if now.Sub(c.LastUsed()) > idleTimeout {
			delete(p.available, id)
			idle = append(idle, c)
		}
	}
	p.publishGauges()
	p.mu.Unlock()

	for _, c := range idle {
		p.teardown(ctx, c)
		p.sink.Counter(metrics.MetricPoolEvictions, 1, map[string]string{"reason": "idle"})
		p.logger.Debug("idle connection evicted", "connection_id", c.ID, "last_used", c.LastUsed())
	}

	p.topUp(ctx)
	p.trimToMin(ctx)
}

// topUp dials connections until the pool is back at minSize.
func (p *Pool) topUp(ctx context.Context) {
	for {
		p.mu.Lock()
		need := p.cfg.MinSize - p.sizeLocked() - p.creating
		if need <= 0 {
			p.mu.Unlock()
			return
		}
		p.creating++
		p.mu.Unlock()

		conn, err := p.dial(ctx, device.PriorityMedium)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn("pool top-up dial failed", "error", err)
			return
		}
		if p.sizeLocked() >= p.cfg.MaxSize {
			p.mu.Unlock()
			p.teardown(ctx, conn)
			return
		}
		p.available[conn.ID] = conn
		p.publishGauges()
		p.mu.Unlock()
	}
}

// trimToMin evicts the least-recently-used available connections while
// the pool holds more than minSize connections.
func (p *Pool) trimToMin(ctx context.Context) {
	p.mu.Lock()
	var victims []*device.Connection
	if p.sizeLocked() > p.cfg.MinSize && len(p.available) > 0 {
		sorted := make([]*device.Connection, 0, len(p.available))
		for _, c := range p.available {
			sorted = append(sorted, c)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LastUsed().Before(sorted[j].LastUsed()) })
		for _, c := range sorted {
			if p.sizeLocked() <= p.cfg.MinSize {
				break
			}
			delete(p.available, c.ID)
			victims = append(victims, c)
		}
		p.publishGauges()
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.teardown(ctx, c)
		p.sink.Counter(metrics.MetricPoolEvictions, 1, map[string]string{"reason": "lru"})
		p.logger.Debug("surplus connection evicted", "connection_id", c.ID)
	}
}

// maybeGrow proactively expands the pool when utilization crosses the
// load-balance threshold, targeting a 20% size increase capped at maxSize.
func (p *Pool) maybeGrow(ctx context.Context) {
	p.mu.Lock()
	size := p.sizeLocked()
	if size == 0 || size+p.creating >= p.cfg.MaxSize {
		p.mu.Unlock()
		return
	}
	utilization := float64(len(p.inUse)) / float64(size)
	if utilization <= p.cfg.LoadBalanceThreshold {
		p.mu.Unlock()
		return
	}
	target := int(math.Ceil(float64(size) * 1.2))
	if target > p.cfg.MaxSize {
		target = p.cfg.MaxSize
	}
	need := target - size - p.creating
	if need <= 0 {
		p.mu.Unlock()
		return
	}
	p.creating += need
	p.mu.Unlock()

	p.logger.Debug("pool growing under load", "utilization", utilization, "target", target)

	for i := 0; i < need; i++ {
		conn, err := p.dial(ctx, device.PriorityMedium)

		p.mu.Lock()
		p.creating--
		if err != nil {
			// Give back the remaining reserved slots.
			p.creating -= need - i - 1
			p.mu.Unlock()
			p.logger.Warn("pool growth dial failed", "error", err)
			return
		}
		if p.sizeLocked() >= p.cfg.MaxSize {
			p.creating -= need - i - 1
			p.mu.Unlock()
			p.teardown(ctx, conn)
			return
		}
		p.available[conn.ID] = conn
		p.publishGauges()
		p.mu.Unlock()
	}
}

// dial creates and connects a new transport. Runs outside the pool lock.
func (p *Pool) dial(ctx context.Context, priority device.Priority) (*device.Connection, error) {
	tr, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	conn := device.NewConnection("", priority, tr)
	return conn, nil
}

// teardown disconnects and cleans up a connection's transport,
// best-effort. Runs outside the pool lock.
func (p *Pool) teardown(ctx context.Context, c *device.Connection) {
	c.SetStatus(device.StatusClosed)
	if err := c.Disconnect(ctx); err != nil {
		p.logger.Debug("disconnect during teardown failed", "connection_id", c.ID, "error", err)
	}
	if err := c.Cleanup(ctx); err != nil {
		p.logger.Debug("cleanup during teardown failed", "connection_id", c.ID, "error", err)
	}
}

func (p *Pool) sizeLocked() int {
	return len(p.available) + len(p.inUse)
}

func (p *Pool) publishGauges() {
	p.sink.Gauge(metrics.MetricPoolSize, float64(p.sizeLocked()), nil)
	p.sink.Gauge(metrics.MetricPoolAvailable, float64(len(p.available)), nil)
	p.sink.Gauge(metrics.MetricPoolInUse, float64(len(p.inUse)), nil)
}
