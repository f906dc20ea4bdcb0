package shield

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig allows MaxRequests per client within each Window.
type RateLimitConfig struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
}

type clientKey struct {
	ip       string
	endpoint string
}

type window struct {
	used int
	ends time.Time
}

// RateLimiter counts requests per client IP and endpoint in fixed windows.
// Endpoints are keyed "METHOD /path"; an endpoint without a rule is not
// limited.
type RateLimiter struct {
	rules map[string]RateLimitConfig
	now   func() time.Time

	mu      sync.Mutex
	windows map[clientKey]*window
}

// NewRateLimiter enforces rules. A rule with a non-positive MaxRequests or
// Window is dropped.
func NewRateLimiter(rules map[string]RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		rules:   make(map[string]RateLimitConfig, len(rules)),
		now:     time.Now,
		windows: make(map[clientKey]*window),
	}
	for endpoint, cfg := range rules {
		if cfg.MaxRequests > 0 && cfg.Window > 0 {
			rl.rules[endpoint] = cfg
		}
	}
	return rl
}

// StartGC forgets ended windows every 5 minutes until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	go func() {
		tick := time.NewTicker(5 * time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, w := range rl.windows {
		if !now.Before(w.ends) {
			delete(rl.windows, k)
		}
	}
}

// take counts one request and returns how long the client must wait when
// it is over its allowance.
func (rl *RateLimiter) take(ip, endpoint string) (time.Duration, bool) {
	cfg, limited := rl.rules[endpoint]
	if !limited {
		return 0, true
	}
	now := rl.now()
	k := clientKey{ip: ip, endpoint: endpoint}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	w := rl.windows[k]
	if w == nil || !now.Before(w.ends) {
		w = &window{ends: now.Add(cfg.Window)}
		rl.windows[k] = w
	}
	if w.used >= cfg.MaxRequests {
		return w.ends.Sub(now), false
	}
	w.used++
	return 0, true
}

// Middleware answers 429 with a Retry-After header once a client has used
// its allowance on the requested endpoint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		wait, ok := rl.take(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).WarnContext(r.Context(), "shield: rate limited",
			"ip", ip, "endpoint", endpoint, "retry_after", wait)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the first X-Forwarded-For entry, or the host of
// RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
