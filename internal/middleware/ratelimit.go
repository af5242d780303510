package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute is the default budget of failed auth
	// attempts per client IP.
	DefaultMaxFailuresPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of client IPs remembered at once.
	DefaultMaxTrackedIPs = 10000

	sweepInterval = time.Minute
	idleAfter     = 5 * time.Minute
)

// RateLimiterConfig configures a RateLimiter. Zero fields take defaults.
type RateLimiterConfig struct {
	MaxFailuresPerMinute int
	MaxTrackedIPs        int
}

type failureBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients that keep failing authentication. Each IP
// gets a token bucket refilled at MaxFailuresPerMinute per minute.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*failureBucket
	perMin   int
	maxIPs   int
	now      func() time.Time
	stopOnce sync.Once
	stop     context.CancelFunc
}

// NewRateLimiter starts a limiter whose idle entries are swept until ctx is
// done or Stop is called.
func NewRateLimiter(ctx context.Context, cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxFailuresPerMinute <= 0 {
		cfg.MaxFailuresPerMinute = DefaultMaxFailuresPerMinute
	}
	if cfg.MaxTrackedIPs <= 0 {
		cfg.MaxTrackedIPs = DefaultMaxTrackedIPs
	}

	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets: make(map[string]*failureBucket),
		perMin:  cfg.MaxFailuresPerMinute,
		maxIPs:  cfg.MaxTrackedIPs,
		now:     time.Now,
		stop:    cancel,
	}
	go rl.sweep(ctx)
	return rl
}

// RecordFailureAndAllow charges one failed attempt to ip and reports whether
// the client is still within its budget.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxIPs {
			rl.evictLeastRecentLocked()
		}
		b = &failureBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMin)/60.0), rl.perMin),
		}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Tracked returns the number of client IPs currently remembered.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(rl.stop)
}

func (rl *RateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.forgetIdle()
		}
	}
}

func (rl *RateLimiter) forgetIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idleAfter)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *RateLimiter) evictLeastRecentLocked() {
	var victim string
	var oldest time.Time
	for ip, b := range rl.buckets {
		if victim == "" || b.lastSeen.Before(oldest) {
			victim, oldest = ip, b.lastSeen
		}
	}
	delete(rl.buckets, victim)
}

// ExtractIP strips the port from a host:port address.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
