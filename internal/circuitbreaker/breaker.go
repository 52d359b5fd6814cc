// Package circuitbreaker provides per-key circuit breakers that gate
// operations against failing device targets. Keys are created lazily on
// first record and state is computed from the failure counters on every
// read, never stored redundantly.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; limited requests allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the circuit for a key rejects the request.
var ErrOpen = errors.New("circuit breaker is open")

// entry is the per-key failure record. State is derived from these fields
// plus the clock; transitions happen by mutating counters, so the derived
// state can never disagree with them.
type entry struct {
	failureCount    int
	lastFailureTime time.Time
	halfOpenActive  int   // trials currently admitted
	lastObserved    State // last state reported, for transition logging only
}

// Breaker is a registry of per-key circuit breakers sharing one
// configuration. Safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	entries  map[string]*entry
	logger   *slog.Logger
	sink     metrics.Sink
	onChange func(key string, from, to State)

	now func() time.Time // injectable clock for tests
}

// New creates a breaker registry. The configuration must already be
// validated.
func New(cfg config.BreakerConfig, logger *slog.Logger, sink metrics.Sink) *Breaker {
	return &Breaker{
		cfg:     cfg,
		entries: make(map[string]*entry),
		logger:  logger,
		sink:    sink,
		now:     time.Now,
	}
}

// stateOf derives the state for e. Open means the failure streak reached
// the threshold and the reset timeout has not yet elapsed; once it
// elapses the circuit is half-open until a success or failure resolves
// it. Must be called with b.mu held.
func (b *Breaker) stateOf(e *entry) State {
	if e.failureCount < b.cfg.FailureThreshold {
		return StateClosed
	}
	if b.now().Sub(e.lastFailureTime) > b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return StateOpen
}

// get returns the entry for key, creating it on first use. Must be called
// with b.mu held.
func (b *Breaker) get(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	return e
}

// OnStateChange registers fn to be notified of circuit transitions.
// Set once during wiring, before traffic. Callbacks run on their own
// goroutine and may safely call back into the breaker.
func (b *Breaker) OnStateChange(fn func(key string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// observe emits transition logs and metrics when the derived state for a
// key differs from the last one reported. Must be called with b.mu held.
func (b *Breaker) observe(key string, e *entry, s State) {
	if e.lastObserved == s {
		return
	}
	from := e.lastObserved
	e.lastObserved = s

	b.sink.Counter(metrics.MetricBreakerTransitions, 1, map[string]string{
		"key": key, "from": from.String(), "to": s.String(),
	})
	b.sink.Gauge(metrics.MetricBreakerState, float64(s), map[string]string{"key": key})

	b.logger.Info("circuit breaker state change",
		"key", key,
		"from", from.String(),
		"to", s.String(),
	)

	if b.onChange != nil {
		go b.onChange(key, from, s)
	}
}

// GetState returns the derived state for key. Unknown keys are closed and
// are not created by reading.
func (b *Breaker) GetState(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return StateClosed
	}
	s := b.stateOf(e)
	b.observe(key, e, s)
	return s
}

// Allow reports whether a request for key may proceed. Closed circuits
// always admit; open circuits never do; half-open circuits admit up to
// HalfOpenLimit concurrent trials.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	s := b.stateOf(e)
	b.observe(key, e, s)

	switch s {
	case StateClosed:
		return true
	case StateHalfOpen:
		if e.halfOpenActive < b.cfg.HalfOpenLimit {
			e.halfOpenActive++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation for key. Any success closes
// the circuit: the failure streak and half-open accounting reset to zero.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	e.failureCount = 0
	e.halfOpenActive = 0
	b.observe(key, e, b.stateOf(e))
}

// RecordFailure records a failed operation for key. A failure during a
// half-open trial reopens the circuit for a full reset timeout.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	if b.stateOf(e) == StateHalfOpen {
		e.halfOpenActive = 0
	}
	e.failureCount++
	e.lastFailureTime = b.now()
	b.observe(key, e, b.stateOf(e))
}

// Execute runs op under the circuit for key. When the circuit rejects the
// request, op is never invoked and ErrOpen is returned. Otherwise op's
// outcome is recorded and its error returned unchanged.
func (b *Breaker) Execute(key string, op func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := op()
	if err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// Reset forces the circuit for key back to closed. Unknown keys are a
// no-op.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return
	}
	e.failureCount = 0
	e.halfOpenActive = 0
	b.observe(key, e, b.stateOf(e))
}

// ResetAll forces every tracked circuit back to closed.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		e.failureCount = 0
		e.halfOpenActive = 0
		b.observe(key, e, b.stateOf(e))
	}
}

// KeySnapshot is a point-in-time view of one circuit, used by the admin API.
type KeySnapshot struct {
	Key             string    `json:"key"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	HalfOpenActive  int       `json:"half_open_active"`
}

// Snapshot returns the state of every tracked key.
func (b *Breaker) Snapshot() []KeySnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]KeySnapshot, 0, len(b.entries))
	for key, e := range b.entries {
		out = append(out, KeySnapshot{
			Key:             key,
			State:           b.stateOf(e).String(),
			FailureCount:    e.failureCount,
			LastFailureTime: e.lastFailureTime,
			HalfOpenActive:  e.halfOpenActive,
		})
	}
	return out
}
