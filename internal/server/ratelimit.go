package server

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-client token bucket. Buckets are keyed by client
// IP; inactive buckets are dropped after ten minutes.
type RateLimiter struct {
	mu         sync.RWMutex
	buckets    map[string]*bucket
	rate       float64
	burst      float64
	trustProxy bool
	done       chan struct{}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per second with
// the given burst. When trustProxy is set, X-Forwarded-For and X-Real-IP
// headers are honored for client identification.
func NewRateLimiter(rate, burst int, trustProxy bool) *RateLimiter {
	rl := &RateLimiter{
		buckets:    make(map[string]*bucket),
		rate:       float64(rate),
		burst:      float64(burst),
		trustProxy: trustProxy,
		done:       make(chan struct{}),
	}
	go rl.dropIdleBuckets()
	return rl
}

// Allow reports whether a request from the given client may proceed.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.RLock()
	b, ok := rl.buckets[client]
	rl.mu.RUnlock()

	if !ok {
		b = &bucket{tokens: rl.burst, lastUpdate: time.Now()}
		rl.mu.Lock()
		if existing, raced := rl.buckets[client]; raced {
			b = existing
		} else {
			rl.buckets[client] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.lastUpdate).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r, rl.trustProxy)
		if !rl.Allow(client) {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests,
				"rate_limit_exceeded", "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop terminates the idle-bucket sweeper.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) dropIdleBuckets() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for client, b := range rl.buckets {
				b.mu.Lock()
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(rl.buckets, client)
				}
				b.mu.Unlock()
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

// clientIP identifies the requesting client. Proxy headers are honored
// only when the limiter was configured to trust them.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			for i := 0; i < len(xff); i++ {
				if xff[i] == ',' {
					return xff[:i]
				}
			}
			return xff
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
