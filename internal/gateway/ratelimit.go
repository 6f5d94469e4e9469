package gateway

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/basket/taskrelay/internal/config"
)

// bucket is a token bucket refilled continuously at rate tokens per second.
type bucket struct {
	mu       sync.Mutex
	tokens   float64
	burst    float64
	rate     float64
	updated  time.Time
	lastSeen time.Time
}

// take consumes one token at now. When the bucket is empty it reports how
// long until the next token.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = math.Min(b.burst, b.tokens+now.Sub(b.updated).Seconds()*b.rate)
	b.updated = now
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	return false, wait
}

func (b *bucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeen
}

// RateLimitMiddleware keeps one token bucket per caller: the presented API
// key, or the client host when no key is sent.
type RateLimitMiddleware struct {
	enabled bool
	rate    float64
	burst   float64

	mu      sync.Mutex
	buckets map[string]*bucket

	// Now is the clock; tests replace it.
	Now func() time.Time
	// OnReject, when set, is called for every rejected request.
	OnReject func(r *http.Request)
}

func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	rpm, burst := cfg.RequestsPerMinute, cfg.BurstSize
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		rate:    float64(rpm) / 60,
		burst:   float64(burst),
		buckets: map[string]*bucket{},
		Now:     time.Now,
	}
}

// StartEviction drops buckets idle for longer than maxAge every interval
// until ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets not used within maxAge and returns how many went.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) int {
	cutoff := rl.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if !b.idleSince().After(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := rl.bucketFor(callerKey(r)).take(rl.Now())
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		if rl.OnReject != nil {
			rl.OnReject(r)
		}
		retry := int(math.Ceil(wait.Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               "rate limit exceeded",
			"retry_after_seconds": retry,
		})
	})
}

func (rl *RateLimitMiddleware) bucketFor(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		now := rl.Now()
		b = &bucket{tokens: rl.burst, burst: rl.burst, rate: rl.rate, updated: now, lastSeen: now}
		rl.buckets[key] = b
	}
	return b
}

func callerKey(r *http.Request) string {
	if key := ExtractAPIKey(r); key != "" {
		return "key:" + key
	}
	return "host:" + clientHost(r)
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
