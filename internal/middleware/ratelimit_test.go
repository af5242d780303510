package middleware

import (
	"context"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg RateLimiterConfig) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(context.Background(), cfg)
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiter_BudgetPerIP(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterConfig{MaxFailuresPerMinute: 3})

	for i := range 3 {
		if !rl.RecordFailureAndAllow("1.2.3.4") {
			t.Fatalf("failure %d should be within budget", i+1)
		}
	}
	if rl.RecordFailureAndAllow("1.2.3.4") {
		t.Fatal("fourth failure should be throttled")
	}
	if !rl.RecordFailureAndAllow("5.6.7.8") {
		t.Fatal("other IPs keep their own budget")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterConfig{MaxFailuresPerMinute: 1})
	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.RecordFailureAndAllow("1.2.3.4") {
		t.Fatal("first failure should be allowed")
	}
	if rl.RecordFailureAndAllow("1.2.3.4") {
		t.Fatal("second failure should be throttled")
	}

	now = now.Add(time.Minute)
	if !rl.RecordFailureAndAllow("1.2.3.4") {
		t.Fatal("budget should refill after a minute")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterConfig{})
	if rl.perMin != DefaultMaxFailuresPerMinute {
		t.Fatalf("expected %d, got %d", DefaultMaxFailuresPerMinute, rl.perMin)
	}
	if rl.maxIPs != DefaultMaxTrackedIPs {
		t.Fatalf("expected %d, got %d", DefaultMaxTrackedIPs, rl.maxIPs)
	}
}

func TestRateLimiter_EvictsLeastRecent(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterConfig{MaxFailuresPerMinute: 5, MaxTrackedIPs: 2})
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.RecordFailureAndAllow("1.1.1.1")
	now = now.Add(time.Second)
	rl.RecordFailureAndAllow("2.2.2.2")
	now = now.Add(time.Second)
	rl.RecordFailureAndAllow("3.3.3.3")

	if n := rl.Tracked(); n != 2 {
		t.Fatalf("expected 2 tracked IPs, got %d", n)
	}
	rl.mu.Lock()
	_, kept := rl.buckets["1.1.1.1"]
	rl.mu.Unlock()
	if kept {
		t.Fatal("expected the least recent IP to be evicted")
	}
}

func TestRateLimiter_ForgetIdle(t *testing.T) {
	rl := newTestLimiter(t, RateLimiterConfig{})
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.RecordFailureAndAllow("idle.ip")
	now = now.Add(10 * time.Minute)
	rl.RecordFailureAndAllow("busy.ip")
	rl.forgetIdle()

	if n := rl.Tracked(); n != 1 {
		t.Fatalf("expected 1 tracked IP after sweep, got %d", n)
	}
}

func TestRateLimiter_StopTwice(t *testing.T) {
	rl := NewRateLimiter(context.Background(), RateLimiterConfig{})
	rl.Stop()
	rl.Stop()
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractIP(tt.input); got != tt.want {
			t.Errorf("ExtractIP(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
