package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// The devicesim wire protocol: newline-delimited JSON over TCP. One
// request per line, one response per line, strictly in order. A TCP
// connection carries at most one device link.
type simRequest struct {
	Op     string `json:"op"`
	Device string `json:"device,omitempty"`
	Char   string `json:"char,omitempty"`
	Value  []byte `json:"value,omitempty"`
}

type simResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Category string `json:"category,omitempty"`
	Value    []byte `json:"value,omitempty"`
	Devices  []Info `json:"devices,omitempty"`
}

// Fallback when the caller's context carries no deadline, so a wedged
// daemon cannot hang a probe loop forever.
const daemonOpTimeout = 30 * time.Second

// DaemonAdapter drives peripherals served by a devicesim daemon over
// TCP. It backs adapter kind "devicesim"; the in-process SimulatedAdapter
// backs kind "simulated".
type DaemonAdapter struct {
	addr string
}

// NewDaemonAdapter returns an adapter that dials the daemon at addr.
func NewDaemonAdapter(addr string) *DaemonAdapter {
	return &DaemonAdapter{addr: addr}
}

// Scan asks the daemon for its registered peripherals over a throwaway
// connection.
func (a *DaemonAdapter) Scan(ctx context.Context, timeout time.Duration) ([]Info, error) {
	tr := &daemonTransport{addr: a.addr}
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	defer tr.Cleanup(ctx)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	resp, err := tr.roundTripLocked(ctx, "scan", simRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// Dial establishes one device link. Satisfies Factory.
func (a *DaemonAdapter) Dial(ctx context.Context) (Transport, error) {
	tr := &daemonTransport{addr: a.addr}
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	return tr, nil
}

// daemonTransport is the client side of one devicesim link. All methods
// are safe for concurrent use; the mutex serializes round trips since the
// wire protocol has no request ids.
type daemonTransport struct {
	addr string

	mu       sync.Mutex
	conn     net.Conn
	br       *bufio.Reader
	deviceID string
}

func (t *daemonTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return NewError("connect", CategoryNetwork, err)
	}
	t.conn = conn
	t.br = bufio.NewReader(conn)

	if _, err := t.roundTripLocked(ctx, "connect", simRequest{}); err != nil {
		t.closeLocked()
		return err
	}
	return nil
}

func (t *daemonTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	_, err := t.roundTripLocked(ctx, "disconnect", simRequest{})
	t.closeLocked()
	return err
}

func (t *daemonTransport) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *daemonTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.roundTripLocked(ctx, "ping", simRequest{})
	return err
}

func (t *daemonTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// BindDevice targets subsequent characteristic I/O at a peripheral id.
func (t *daemonTransport) BindDevice(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deviceID = deviceID
}

func (t *daemonTransport) ReadCharacteristic(ctx context.Context, char string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, err := t.roundTripLocked(ctx, "read", simRequest{Device: t.deviceID, Char: char})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (t *daemonTransport) WriteCharacteristic(ctx context.Context, char string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.roundTripLocked(ctx, "write", simRequest{Device: t.deviceID, Char: char, Value: data})
	return err
}

// roundTripLocked sends one request and reads one response. Any transport
// failure tears the link down; the response's ok flag only reports
// daemon-side operation failures.
func (t *daemonTransport) roundTripLocked(ctx context.Context, op string, req simRequest) (*simResponse, error) {
	if t.conn == nil {
		return nil, NewError(op, CategoryNetwork, errors.New("link is down"))
	}

	req.Op = op
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, NewError(op, CategoryService, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(daemonOpTimeout)
	}
	t.conn.SetDeadline(deadline) //nolint:errcheck
	defer func() {
		if t.conn != nil {
			t.conn.SetDeadline(time.Time{}) //nolint:errcheck
		}
	}()

	if _, err := t.conn.Write(append(payload, '\n')); err != nil {
		t.closeLocked()
		return nil, NewError(op, CategoryNetwork, err)
	}
	line, err := t.br.ReadBytes('\n')
	if err != nil {
		t.closeLocked()
		return nil, NewError(op, CategoryNetwork, err)
	}

	var resp simResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.closeLocked()
		return nil, NewError(op, CategoryService, err)
	}
	if !resp.OK {
		return nil, NewError(op, parseCategory(resp.Category), errors.New(resp.Error))
	}
	return &resp, nil
}

func (t *daemonTransport) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.br = nil
	}
}

func parseCategory(s string) Category {
	switch c := Category(s); c {
	case CategoryNetwork, CategoryAuthentication, CategoryResource, CategoryService:
		return c
	default:
		return CategoryUnknown
	}
}

// Daemon serves the devicesim wire protocol over TCP, exposing a
// SimulatedAdapter's peripherals and failure injection to bridges running
// with adapter kind "devicesim".
type Daemon struct {
	adapter   *SimulatedAdapter
	opLatency time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewDaemon wraps adapter. opLatency is applied to every served link.
func NewDaemon(adapter *SimulatedAdapter, opLatency time.Duration, logger *slog.Logger) *Daemon {
	return &Daemon{adapter: adapter, opLatency: opLatency, logger: logger}
}

// Serve accepts connections until the listener closes. Returns nil after
// Close, the accept error otherwise.
func (d *Daemon) Serve(ln net.Listener) error {
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go d.handle(conn)
	}
}

// Close stops accepting. Established links keep running until their
// clients hang up.
func (d *Daemon) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.ln != nil {
		return d.ln.Close()
	}
	return nil
}

func (d *Daemon) handle(conn net.Conn) {
	defer conn.Close()
	logger := d.logger.With("peer", conn.RemoteAddr().String())
	logger.Debug("peer connected")

	var tr Transport
	enc := json.NewEncoder(conn)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req simRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(simResponse{Error: "malformed request", Category: string(CategoryService)}); err != nil {
				return
			}
			continue
		}
		if err := enc.Encode(d.serve(&tr, &req)); err != nil {
			return
		}
	}
	logger.Debug("peer closed", "error", sc.Err())
}

func (d *Daemon) serve(tr *Transport, req *simRequest) simResponse {
	ctx := context.Background()

	switch req.Op {
	case "scan":
		infos, err := d.adapter.Scan(ctx, 0)
		if err != nil {
			return errResponse(err)
		}
		return simResponse{OK: true, Devices: infos}

	case "connect":
		if *tr != nil {
			return simResponse{OK: true}
		}
		t, err := d.adapter.Dial(ctx)
		if err != nil {
			return errResponse(err)
		}
		if st, ok := t.(*SimulatedTransport); ok && d.opLatency > 0 {
			st.SetOpLatency(d.opLatency)
		}
		*tr = t
		return simResponse{OK: true}

	case "disconnect":
		if *tr == nil {
			return simResponse{OK: true}
		}
		err := (*tr).Disconnect(ctx)
		*tr = nil
		if err != nil {
			return errResponse(err)
		}
		return simResponse{OK: true}

	case "ping":
		if *tr == nil {
			return errResponse(NewError("ping", CategoryNetwork, errors.New("no link established")))
		}
		if err := (*tr).Ping(ctx); err != nil {
			return errResponse(err)
		}
		return simResponse{OK: true}

	case "read", "write":
		if *tr == nil {
			return errResponse(NewError(req.Op, CategoryNetwork, errors.New("no link established")))
		}
		st, ok := (*tr).(*SimulatedTransport)
		if !ok {
			return errResponse(NewError(req.Op, CategoryService, errors.New("link has no characteristic support")))
		}
		st.BindDevice(req.Device)
		if req.Op == "write" {
			if err := st.WriteCharacteristic(ctx, req.Char, req.Value); err != nil {
				return errResponse(err)
			}
			return simResponse{OK: true}
		}
		v, err := st.ReadCharacteristic(ctx, req.Char)
		if err != nil {
			return errResponse(err)
		}
		return simResponse{OK: true, Value: v}

	default:
		return errResponse(NewError(req.Op, CategoryService, fmt.Errorf("unknown operation %q", req.Op)))
	}
}

// errResponse puts the inner message on the wire so the client can
// rewrap it without nesting op prefixes.
func errResponse(err error) simResponse {
	var de *Error
	if errors.As(err, &de) {
		msg := string(de.Category) + " failure"
		if de.Err != nil {
			msg = de.Err.Error()
		}
		return simResponse{Error: msg, Category: string(de.Category)}
	}
	return simResponse{Error: err.Error(), Category: string(CategoryUnknown)}
}

// SeedDemoPeripherals registers the stock demo devices: a heart rate
// monitor, a thermometer, and a battery service. Used by the bridge's
// simulated adapter and the devicesim daemon when no device file is given.
func SeedDemoPeripherals(a *SimulatedAdapter) {
	a.AddPeripheral(Info{ID: "hrm-001", Name: "HR Monitor", Address: "c4:22:61:10:ab:01", RSSI: -48}, map[string][]byte{
		"2a37": {0x00, 0x48}, // heart rate measurement, 72 bpm
		"2a38": {0x01},       // body sensor location
	})
	a.AddPeripheral(Info{ID: "thermo-01", Name: "Thermometer", Address: "c4:22:61:10:ab:02", RSSI: -61}, map[string][]byte{
		"2a1c": {0x00, 0x6b, 0x01, 0x00, 0xff}, // temperature measurement
	})
	a.AddPeripheral(Info{ID: "batt-07", Name: "Battery Pack", Address: "c4:22:61:10:ab:03", RSSI: -70}, map[string][]byte{
		"2a19": {0x5f}, // battery level, 95%
	})
}
