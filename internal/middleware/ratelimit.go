package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default rate limit for failed auth attempts per IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds memory; the least recently seen IP is
	// dropped when a new one arrives at the limit.
	DefaultMaxTrackedIPs = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks per-IP failed authentication attempts.
type RateLimiter struct {
	mu           sync.Mutex
	entries      *simplelru.LRU[string, *ipEntry]
	maxPerMinute int
	clock        clockwork.Clock
	cancel       context.CancelFunc
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*rateLimiterConfig)

type rateLimiterConfig struct {
	clock         clockwork.Clock
	maxTrackedIPs int
}

func WithLimiterClock(clock clockwork.Clock) RateLimiterOption {
	return func(c *rateLimiterConfig) { c.clock = clock }
}

func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(c *rateLimiterConfig) {
		if n > 0 {
			c.maxTrackedIPs = n
		}
	}
}

// NewRateLimiter creates a new per-IP rate limiter with the given max attempts per minute.
// Pass 0 to use DefaultMaxAttemptsPerMinute. Stale entries are dropped by a
// background loop that ends with ctx or Stop.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	cfg := rateLimiterConfig{clock: clockwork.NewRealClock(), maxTrackedIPs: DefaultMaxTrackedIPs}
	for _, o := range opts {
		o(&cfg)
	}

	// NewLRU only fails for a non-positive size.
	entries, _ := simplelru.NewLRU[string, *ipEntry](cfg.maxTrackedIPs, nil)

	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:      entries,
		maxPerMinute: maxPerMinute,
		clock:        cfg.clock,
		cancel:       cancel,
	}
	go rl.cleanup(ctx)
	return rl
}

// Allow reports whether the given IP is allowed to make another auth attempt.
// Returns false if the rate limit has been exceeded.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries.Get(ip)
	if !ok {
		return true
	}
	now := rl.clock.Now()
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// RecordFailureAndAllow records a failed attempt for ip and returns whether the
// attempt is still within the configured rate limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	e, ok := rl.entries.Get(ip)
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute)}
		rl.entries.Add(ip, e)
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tracked returns the number of IPs with recorded failures.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.entries.Len()
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := rl.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			rl.removeStale()
		}
	}
}

// removeStale drops entries from the old end of the LRU until it reaches one
// seen within staleThreshold.
func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	for {
		ip, e, ok := rl.entries.GetOldest()
		if !ok || now.Sub(e.lastSeen) <= staleThreshold {
			return
		}
		rl.entries.Remove(ip)
	}
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
