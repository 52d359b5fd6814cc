package health

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
)

func newTestMonitor(interval time.Duration, maxErrors int) *Monitor {
	return NewMonitor(config.HealthConfig{
		CheckInterval: interval,
		MaxErrors:     maxErrors,
	}, slog.Default(), metrics.NopSink{})
}

func activeConn(id string) (*device.Connection, *device.SimulatedTransport) {
	tr := device.NewSimulatedTransport()
	tr.SetActive(true)
	return device.NewConnection(id, device.PriorityMedium, tr), tr
}

func TestCheck_RecordsHealth(t *testing.T) {
	m := newTestMonitor(time.Second, 3)
	conn, tr := activeConn("dev1")

	h := m.Check(context.Background(), conn)
	if h.Status != device.Healthy {
		t.Fatalf("expected healthy, got %s", h.Status)
	}
	if h.Errors != 0 {
		t.Fatalf("expected zero errors, got %d", h.Errors)
	}

	tr.SetActive(false)
	h = m.Check(context.Background(), conn)
	if h.Status != device.Unhealthy {
		t.Fatalf("expected unhealthy, got %s", h.Status)
	}
	if h.Errors != 1 {
		t.Fatalf("expected one consecutive error, got %d", h.Errors)
	}

	// A success clears the consecutive counter.
	tr.SetActive(true)
	h = m.Check(context.Background(), conn)
	if h.Status != device.Healthy || h.Errors != 0 {
		t.Fatalf("expected recovery to clear errors, got %+v", h)
	}
}

func TestCheck_CustomProbe(t *testing.T) {
	m := newTestMonitor(time.Second, 3)
	conn, _ := activeConn("dev1")

	probeErr := errors.New("characteristic read failed")
	m.SetProbe(func(ctx context.Context, c *device.Connection) error {
		return probeErr
	})

	if h := m.Check(context.Background(), conn); h.Status != device.Unhealthy {
		t.Fatalf("expected custom probe failure to mark unhealthy, got %s", h.Status)
	}
}

func TestWatch_DuplicateIsNoOp(t *testing.T) {
	m := newTestMonitor(time.Hour, 3)
	defer m.Stop()
	conn, _ := activeConn("dev1")

	m.Watch(conn)
	m.Watch(conn)

	if got := m.Watched(); len(got) != 1 {
		t.Fatalf("expected one watch entry, got %v", got)
	}
}

func TestUnwatch_UnknownIsNoOp(t *testing.T) {
	m := newTestMonitor(time.Hour, 3)
	m.Unwatch("never-watched")
}

func TestWatch_StopsAfterConsecutiveFailures(t *testing.T) {
	m := newTestMonitor(10*time.Millisecond, 3)
	defer m.Stop()

	conn, tr := activeConn("dev1")
	tr.SetActive(false)

	evicted := make(chan *device.Connection, 1)
	m.OnUnhealthy(func(c *device.Connection) { evicted <- c })

	m.Watch(conn)

	select {
	case c := <-evicted:
		if c.ID != conn.ID {
			t.Fatalf("expected %s reported, got %s", conn.ID, c.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unhealthy callback")
	}

	if got := m.Watched(); len(got) != 0 {
		t.Fatalf("expected monitoring stopped, still watching %v", got)
	}

	// The callback fires once; no second report arrives.
	select {
	case <-evicted:
		t.Fatal("unhealthy callback fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorStop_Drains(t *testing.T) {
	m := newTestMonitor(10*time.Millisecond, 100)
	for i := 0; i < 5; i++ {
		conn, _ := activeConn("dev" + string(rune('a'+i)))
		m.Watch(conn)
	}
	if got := m.Watched(); len(got) != 5 {
		t.Fatalf("expected 5 watched, got %v", got)
	}

	m.Stop()

	if got := m.Watched(); len(got) != 0 {
		t.Fatalf("expected nothing watched after stop, got %v", got)
	}
}
