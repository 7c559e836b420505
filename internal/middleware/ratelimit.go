package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-client token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained refill rate of the bucket.
	RequestsPerSecond float64
	// Burst is the bucket capacity.
	Burst int
}

// Idle client entries are swept so one-off callers don't accumulate forever.
const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

// visitor pairs a client's limiter with its last activity timestamp.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-client token-bucket limit keyed by remote IP.
// Requests over the limit get a 429 with a Retry-After hint; accepted
// requests carry X-RateLimit-* headers describing the bucket state.
func RateLimiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	var visitors sync.Map // ip -> *visitor

	go func() {
		for {
			time.Sleep(limiterSweepEvery)
			visitors.Range(func(key, value any) bool {
				if v := value.(*visitor); time.Since(v.lastSeen) > limiterIdleAfter {
					visitors.Delete(key)
				}
				return true
			})
		}
	}()

	limiterFor := func(ip string) *rate.Limiter {
		if v, ok := visitors.Load(ip); ok {
			vis := v.(*visitor)
			vis.lastSeen = time.Now()
			return vis.limiter
		}
		vis := &visitor{
			limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
			lastSeen: time.Now(),
		}
		visitors.Store(ip, vis)
		return vis.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := limiterFor(clientIP(r))

			res := limiter.Reserve()
			if !res.OK() {
				writeRateLimited(w, 0)
				return
			}
			if delay := res.Delay(); delay > 0 {
				// Granting now would exceed the rate; return the token
				// and tell the caller when to come back.
				res.Cancel()
				writeRateLimited(w, int(delay.Seconds())+1)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP keys the limiter on RemoteAddr alone. X-Forwarded-For is
// caller-controlled and would let a client rotate identities, so it is
// deliberately not consulted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    http.StatusTooManyRequests,
		"message": "rate limit exceeded",
	})
}
