// Package kit is the transport-neutral endpoint layer shared by the HTTP
// and MCP surfaces.
package kit

import (
	"context"
	"log/slog"
	"time"
)

// Endpoint handles one decoded request.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so that the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call of an endpoint with its transport and outcome.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			m := MetaFrom(ctx)
			attrs := []any{
				"endpoint", name,
				"transport", m.Transport,
				"duration", time.Since(start),
			}
			if m.RequestID != "" {
				attrs = append(attrs, "request_id", m.RequestID)
			}
			if m.SessionID != "" {
				attrs = append(attrs, "session", m.SessionID)
			}
			if err != nil {
				logger.WarnContext(ctx, "kit: endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "kit: endpoint served", attrs...)
			}
			return resp, err
		}
	}
}
