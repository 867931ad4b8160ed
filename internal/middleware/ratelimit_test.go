package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestLimiter(t *testing.T, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(context.Background(), maxPerMinute, opts...)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_AllowUnknownIP(t *testing.T) {
	rl := newTestLimiter(t, 5)
	if !rl.Allow("192.168.1.1") {
		t.Fatal("Allow should return true for unknown IP")
	}
}

func TestRateLimiter_ExceedLimit(t *testing.T) {
	rl := newTestLimiter(t, 3, WithLimiterClock(clockwork.NewFakeClock()))

	for i := 0; i < 3; i++ {
		if !rl.RecordFailureAndAllow("10.0.0.1") {
			t.Fatalf("failure %d rejected within burst", i+1)
		}
	}
	if rl.RecordFailureAndAllow("10.0.0.1") {
		t.Fatal("fourth failure allowed with limit 3")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("Allow should return false after exceeding limit")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := newTestLimiter(t, 2, WithLimiterClock(clock))

	rl.RecordFailureAndAllow("10.0.0.1")
	rl.RecordFailureAndAllow("10.0.0.1")
	if rl.Allow("10.0.0.1") {
		t.Fatal("expected limit to be exhausted")
	}

	clock.Advance(31 * time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("expected one token after 31s at 2/min")
	}
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl := newTestLimiter(t, 2, WithLimiterClock(clockwork.NewFakeClock()))

	for i := 0; i < 2; i++ {
		rl.RecordFailureAndAllow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("10.0.0.1 should be rate limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("10.0.0.2 should not be rate limited")
	}
}

func TestRateLimiter_DefaultMaxAttempts(t *testing.T) {
	rl := newTestLimiter(t, 0, WithLimiterClock(clockwork.NewFakeClock()))

	for i := 0; i < DefaultMaxAttemptsPerMinute; i++ {
		rl.RecordFailureAndAllow("10.0.0.1")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("should be rate limited after default max attempts")
	}
}

func TestRateLimiter_MaxTrackedIPs(t *testing.T) {
	rl := newTestLimiter(t, 5, WithMaxTrackedIPs(3))

	for _, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"} {
		rl.RecordFailureAndAllow(ip)
	}
	if got := rl.Tracked(); got != 3 {
		t.Fatalf("Tracked() = %d, want 3", got)
	}
}

func TestRateLimiter_RemoveStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := newTestLimiter(t, 5, WithLimiterClock(clock))

	rl.RecordFailureAndAllow("stale.ip")
	clock.Advance(4 * time.Minute)
	rl.RecordFailureAndAllow("fresh.ip")
	clock.Advance(2 * time.Minute)

	rl.removeStale()

	if got := rl.Tracked(); got != 1 {
		t.Fatalf("Tracked() = %d, want 1", got)
	}
	if !rl.Allow("stale.ip") {
		t.Fatal("stale entry should have been forgotten")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}
	for _, tt := range tests {
		if got := ExtractIP(tt.input); got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
