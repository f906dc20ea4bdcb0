// Package shield provides the HTTP middleware placed in front of the public
// API: security headers, body limits, request ids and per-IP rate limits.
//
// Usage:
//
//	rl := shield.NewRateLimiter(map[string]shield.RateLimitConfig{
//	    "POST /api/assistant/messages": {MaxRequests: 20, Window: time.Minute},
//	})
//	rl.StartGC(done)
//	for _, mw := range shield.DefaultAPIStack(rl) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// HeadToGet converts HEAD requests to GET so that route handlers registered
// with r.Get() respond instead of returning 405.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// DefaultAPIStack returns the middleware stack of the JSON API, outermost
// first: HeadToGet, SecurityHeaders, MaxJSONBody, RequestID, then rl when
// it is non-nil.
func DefaultAPIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxJSONBody(64 * 1024),
		RequestID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
