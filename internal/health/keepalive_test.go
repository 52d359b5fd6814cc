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

func newTestKeepAlive(interval time.Duration, maxFailures int) *KeepAlive {
	return NewKeepAlive(config.KeepAliveConfig{
		Interval:        interval,
		MaxPingFailures: maxFailures,
	}, slog.Default(), metrics.NopSink{})
}

func TestKeepAlive_StopsAfterConsecutivePingFailures(t *testing.T) {
	k := newTestKeepAlive(10*time.Millisecond, 3)
	defer k.Stop()

	conn, tr := activeConn("dev1")
	tr.SetPingErr(device.NewError("ping", device.CategoryNetwork, errors.New("link lost")))

	gaveUp := make(chan *device.Connection, 1)
	k.OnMaxFailures(func(c *device.Connection) { gaveUp <- c })

	k.Watch(conn)

	select {
	case c := <-gaveUp:
		if c.ID != conn.ID {
			t.Fatalf("expected %s reported, got %s", conn.ID, c.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for give-up callback")
	}

	if got := k.Watched(); len(got) != 0 {
		t.Fatalf("expected keep-alive stopped, still watching %v", got)
	}
}

func TestKeepAlive_SuccessResetsFailureStreak(t *testing.T) {
	k := newTestKeepAlive(5*time.Millisecond, 10)
	defer k.Stop()

	conn, tr := activeConn("dev1")
	pingErr := device.NewError("ping", device.CategoryNetwork, errors.New("link lost"))
	tr.SetPingErr(pingErr)

	gaveUp := make(chan *device.Connection, 1)
	k.OnMaxFailures(func(c *device.Connection) { gaveUp <- c })

	k.Watch(conn)

	failures := func() int {
		k.mu.Lock()
		defer k.mu.Unlock()
		e, ok := k.watched[conn.ID]
		if !ok {
			return -1
		}
		return e.failures
	}
	waitFor := func(cond func() bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal(msg)
	}

	// A few failures accumulate, then the link recovers.
	waitFor(func() bool { return failures() >= 3 }, "failures never accumulated")
	tr.SetPingErr(nil)
	waitFor(func() bool { return failures() == 0 }, "streak never reset after recovery")

	select {
	case <-gaveUp:
		t.Fatal("keep-alive gave up despite recovery")
	default:
	}
	if got := k.Watched(); len(got) != 1 {
		t.Fatalf("expected keep-alive still running, got %v", got)
	}
}

func TestKeepAlive_DuplicateWatchIsNoOp(t *testing.T) {
	k := newTestKeepAlive(time.Hour, 3)
	defer k.Stop()

	conn, _ := activeConn("dev1")
	k.Watch(conn)
	k.Watch(conn)

	if got := k.Watched(); len(got) != 1 {
		t.Fatalf("expected one watch entry, got %v", got)
	}
}

func TestKeepAlive_UnwatchUnknownIsNoOp(t *testing.T) {
	k := newTestKeepAlive(time.Hour, 3)
	k.Unwatch("never-watched")
}

func TestKeepAlive_ToleratesDisconnectedTransport(t *testing.T) {
	k := newTestKeepAlive(10*time.Millisecond, 2)
	defer k.Stop()

	conn, _ := activeConn("dev1")
	gaveUp := make(chan *device.Connection, 1)
	k.OnMaxFailures(func(c *device.Connection) { gaveUp <- c })

	k.Watch(conn)
	// Disconnect mid-watch; pings now fail against the inactive transport
	// and the loop winds down instead of panicking.
	if err := conn.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	select {
	case <-gaveUp:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for give-up on disconnected transport")
	}
}
