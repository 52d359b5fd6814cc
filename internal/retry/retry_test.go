package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/ble-bridge/internal/config"
	"github.com/dskow/ble-bridge/internal/device"
	"github.com/dskow/ble-bridge/internal/metrics"
)

func newTestPolicy(maxRetries int, initial, max time.Duration, factor float64) *Policy {
	return New(config.RetryConfig{
		MaxRetries:    maxRetries,
		InitialDelay:  initial,
		MaxDelay:      max,
		BackoffFactor: factor,
	}, slog.Default(), metrics.NopSink{})
}

func TestPolicy_Delay(t *testing.T) {
	p := newTestPolicy(3, time.Second, 30*time.Second, 2)

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},  // 32s clamped
		{20, 30 * time.Second}, // far past the cap
		{-1, time.Second},      // clamped to attempt 0
	}
	for _, tc := range cases {
		if got := p.Delay(tc.retryCount); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

func TestPolicy_DelayHugeCountDoesNotOverflow(t *testing.T) {
	p := newTestPolicy(3, time.Second, time.Minute, 3)

	if got := p.Delay(5000); got != time.Minute {
		t.Fatalf("Delay(5000) = %v, want clamp to %v", got, time.Minute)
	}
}

func TestPolicy_Classify(t *testing.T) {
	p := newTestPolicy(3, time.Millisecond, time.Second, 2)

	cases := []struct {
		name      string
		err       error
		wantCat   device.Category
		retryable bool
	}{
		{"network", device.NewError("connect", device.CategoryNetwork, errors.New("reset")), device.CategoryNetwork, true},
		{"resource", device.NewError("connect", device.CategoryResource, errors.New("oom")), device.CategoryResource, true},
		{"service", device.NewError("connect", device.CategoryService, errors.New("500")), device.CategoryService, true},
		{"auth", device.NewError("connect", device.CategoryAuthentication, errors.New("denied")), device.CategoryAuthentication, false},
		{"plain", errors.New("mystery"), device.CategoryUnknown, false},
	}
	for _, tc := range cases {
		cat, retryable := p.Classify(tc.err)
		if cat != tc.wantCat || retryable != tc.retryable {
			t.Errorf("%s: Classify = (%v, %v), want (%v, %v)", tc.name, cat, retryable, tc.wantCat, tc.retryable)
		}
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	p := newTestPolicy(3, time.Millisecond, time.Second, 2)
	netErr := device.NewError("connect", device.CategoryNetwork, errors.New("reset"))
	authErr := device.NewError("connect", device.CategoryAuthentication, errors.New("denied"))

	conn := device.NewConnection("dev1", device.PriorityMedium, device.NewSimulatedTransport())

	if !p.ShouldRetry(netErr, conn) {
		t.Fatal("expected retry for network error under the bound")
	}
	if p.ShouldRetry(authErr, conn) {
		t.Fatal("expected no retry for auth error")
	}

	conn.IncRetryCount()
	conn.IncRetryCount()
	conn.IncRetryCount()
	if p.ShouldRetry(netErr, conn) {
		t.Fatal("expected no retry once maxRetries reached")
	}
}

func TestPolicy_ReconnectSuccessResetsCount(t *testing.T) {
	p := newTestPolicy(3, time.Millisecond, 10*time.Millisecond, 2)

	tr := device.NewSimulatedTransport()
	conn := device.NewConnection("dev1", device.PriorityMedium, tr)
	conn.IncRetryCount()
	conn.IncRetryCount()

	if err := p.Reconnect(context.Background(), conn); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if got := conn.RetryCount(); got != 0 {
		t.Fatalf("expected retry count reset to 0, got %d", got)
	}
	if !tr.IsActive() {
		t.Fatal("expected transport active after reconnect")
	}
}

func TestPolicy_ReconnectFailureIncrementsCount(t *testing.T) {
	p := newTestPolicy(3, time.Millisecond, 10*time.Millisecond, 2)

	tr := device.NewSimulatedTransport()
	tr.SetConnectErr(fmt.Errorf("radio off"))
	conn := device.NewConnection("dev1", device.PriorityMedium, tr)

	err := p.Reconnect(context.Background(), conn)
	if err == nil {
		t.Fatal("expected reconnect failure")
	}
	if got := conn.RetryCount(); got != 1 {
		t.Fatalf("expected retry count 1, got %d", got)
	}

	// Second failure keeps incrementing.
	if err := p.Reconnect(context.Background(), conn); err == nil {
		t.Fatal("expected reconnect failure")
	}
	if got := conn.RetryCount(); got != 2 {
		t.Fatalf("expected retry count 2, got %d", got)
	}
}

func TestPolicy_ReconnectHonorsContextDuringBackoff(t *testing.T) {
	p := newTestPolicy(3, time.Minute, time.Hour, 2)

	conn := device.NewConnection("dev1", device.PriorityMedium, device.NewSimulatedTransport())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Reconnect(ctx, conn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected prompt cancellation, waited %v", elapsed)
	}
}
