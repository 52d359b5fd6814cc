package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimulatedAdapter is an in-memory stand-in for a BLE radio. It backs the
// default bridge configuration, the devicesim daemon, and the resilience
// tests; real hardware bindings would implement the same Transport/Scanner
// contracts.
type SimulatedAdapter struct {
	mu          sync.Mutex
	peripherals map[string]*peripheral
	dialLatency time.Duration
	connectErr  error
	failNext    int // fail this many dials before succeeding
	dials       int
}

type peripheral struct {
	info  Info
	chars map[string][]byte
}

// NewSimulatedAdapter returns an adapter with no peripherals registered.
func NewSimulatedAdapter() *SimulatedAdapter {
	return &SimulatedAdapter{peripherals: make(map[string]*peripheral)}
}

// AddPeripheral registers a simulated device and its characteristic table.
func (a *SimulatedAdapter) AddPeripheral(info Info, chars map[string][]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := make(map[string][]byte, len(chars))
	for k, v := range chars {
		cp[k] = append([]byte(nil), v...)
	}
	a.peripherals[info.ID] = &peripheral{info: info, chars: cp}
}

// SetDialLatency makes every dial take at least d.
func (a *SimulatedAdapter) SetDialLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialLatency = d
}

// SetConnectErr makes every dial fail with err until cleared with nil.
func (a *SimulatedAdapter) SetConnectErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// FailNextDials makes the next n dials fail before dialing succeeds again.
func (a *SimulatedAdapter) FailNextDials(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = n
}

// Dials returns how many dials the adapter has served.
func (a *SimulatedAdapter) Dials() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

// Scan lists the registered peripherals.
func (a *SimulatedAdapter) Scan(ctx context.Context, timeout time.Duration) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError("scan", CategoryNetwork, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Info, 0, len(a.peripherals))
	for _, p := range a.peripherals {
		out = append(out, p.info)
	}
	return out, nil
}

// Dial returns a Factory producing transports bound to this adapter.
func (a *SimulatedAdapter) Dial(ctx context.Context) (Transport, error) {
	a.mu.Lock()
	latency := a.dialLatency
	failErr := a.connectErr
	if failErr == nil && a.failNext > 0 {
		a.failNext--
		failErr = fmt.Errorf("simulated dial refused")
	}
	a.dials++
	a.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, NewError("connect", CategoryNetwork, ctx.Err())
		}
	}
	if failErr != nil {
		return nil, NewError("connect", CategoryNetwork, failErr)
	}

	tr := &SimulatedTransport{adapter: a, active: true}
	return tr, nil
}

// SimulatedTransport is one simulated device link. Error injection setters
// let tests drive every failure path the resilience components handle.
type SimulatedTransport struct {
	adapter  *SimulatedAdapter
	deviceID string

	mu            sync.Mutex
	active        bool
	connectErr    error
	pingErr       error
	disconnectErr error
	cleanupErr    error
	opLatency     time.Duration

	connects    int
	disconnects int
	cleanups    int
	pings       int
}

// NewSimulatedTransport returns a standalone transport not bound to any
// adapter, for tests that need a single controllable link.
func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{active: false}
}

// BindDevice associates the transport with a registered peripheral id so
// characteristic reads and writes resolve.
func (t *SimulatedTransport) BindDevice(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceID = deviceID
}

// SetConnectErr makes Connect fail with err until cleared with nil.
func (t *SimulatedTransport) SetConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// SetPingErr makes Ping fail with err until cleared with nil.
func (t *SimulatedTransport) SetPingErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pingErr = err
}

// SetDisconnectErr makes Disconnect fail with err until cleared with nil.
func (t *SimulatedTransport) SetDisconnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectErr = err
}

// SetCleanupErr makes Cleanup fail with err until cleared with nil.
func (t *SimulatedTransport) SetCleanupErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupErr = err
}

// SetOpLatency makes every operation take at least d.
func (t *SimulatedTransport) SetOpLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opLatency = d
}

// SetActive overrides the link's liveness flag.
func (t *SimulatedTransport) SetActive(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = active
}

// Counts returns how many times each operation ran.
func (t *SimulatedTransport) Counts() (connects, disconnects, cleanups, pings int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects, t.disconnects, t.cleanups, t.pings
}

func (t *SimulatedTransport) wait(ctx context.Context) error {
	t.mu.Lock()
	d := t.opLatency
	t.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SimulatedTransport) Connect(ctx context.Context) error {
	if err := t.wait(ctx); err != nil {
		return NewError("connect", CategoryNetwork, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return NewError("connect", Classify(t.connectErr), t.connectErr)
	}
	t.active = true
	return nil
}

func (t *SimulatedTransport) Disconnect(ctx context.Context) error {
	if err := t.wait(ctx); err != nil {
		return NewError("disconnect", CategoryNetwork, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	t.active = false
	if t.disconnectErr != nil {
		return NewError("disconnect", CategoryNetwork, t.disconnectErr)
	}
	return nil
}

func (t *SimulatedTransport) Cleanup(ctx context.Context) error {
	if err := t.wait(ctx); err != nil {
		return NewError("cleanup", CategoryNetwork, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanups++
	if t.cleanupErr != nil {
		return NewError("cleanup", CategoryNetwork, t.cleanupErr)
	}
	return nil
}

func (t *SimulatedTransport) Ping(ctx context.Context) error {
	if err := t.wait(ctx); err != nil {
		return NewError("ping", CategoryNetwork, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	if t.pingErr != nil {
		return NewError("ping", CategoryNetwork, t.pingErr)
	}
	if !t.active {
		return NewError("ping", CategoryNetwork, fmt.Errorf("link is down"))
	}
	return nil
}

func (t *SimulatedTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// ReadCharacteristic returns the value of char on the bound peripheral.
func (t *SimulatedTransport) ReadCharacteristic(ctx context.Context, char string) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, NewError("read", CategoryNetwork, err)
	}
	t.mu.Lock()
	active, deviceID, adapter := t.active, t.deviceID, t.adapter
	t.mu.Unlock()
	if !active {
		return nil, NewError("read", CategoryNetwork, fmt.Errorf("link is down"))
	}
	if adapter == nil {
		return nil, NewError("read", CategoryService, fmt.Errorf("no peripheral bound"))
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	p, ok := adapter.peripherals[deviceID]
	if !ok {
		return nil, NewError("read", CategoryService, fmt.Errorf("unknown device %q", deviceID))
	}
	v, ok := p.chars[char]
	if !ok {
		return nil, NewError("read", CategoryService, fmt.Errorf("unknown characteristic %q", char))
	}
	return append([]byte(nil), v...), nil
}

// WriteCharacteristic stores data into char on the bound peripheral.
func (t *SimulatedTransport) WriteCharacteristic(ctx context.Context, char string, data []byte) error {
	if err := t.wait(ctx); err != nil {
		return NewError("write", CategoryNetwork, err)
	}
	t.mu.Lock()
	active, deviceID, adapter := t.active, t.deviceID, t.adapter
	t.mu.Unlock()
	if !active {
		return NewError("write", CategoryNetwork, fmt.Errorf("link is down"))
	}
	if adapter == nil {
		return NewError("write", CategoryService, fmt.Errorf("no peripheral bound"))
	}
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	p, ok := adapter.peripherals[deviceID]
	if !ok {
		return NewError("write", CategoryService, fmt.Errorf("unknown device %q", deviceID))
	}
	p.chars[char] = append([]byte(nil), data...)
	return nil
}
