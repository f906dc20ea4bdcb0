// Package connectivity guards calls to third parties (model provider,
// document storage) with composable middleware: timeout, retry with
// backoff, circuit breaker and a fixed requests-per-second ceiling.
//
// A Call is a closure; results are captured by the caller:
//
//	var out *Completion
//	err := guard(func(ctx context.Context) error {
//		var err error
//		out, err = client.Complete(ctx, req)
//		return err
//	})(ctx)
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Call is one guarded unit of work.
type Call func(ctx context.Context) error

// Middleware wraps a Call with cross-cutting behaviour.
type Middleware func(next Call) Call

// Chain composes middlewares left-to-right: the first is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Call) Call {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every failed call at warn level and successful ones at debug.
func Logging(logger *slog.Logger, service string) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) error {
			start := time.Now()
			err := next(ctx)
			dur := time.Since(start)
			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"service", service,
					"duration_ms", dur.Milliseconds())
			}
			return err
		}
	}
}

// Recovery converts panics in downstream calls into errors.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "connectivity: panic recovered",
						"panic", r,
						"stack", string(debug.Stack()))
					err = fmt.Errorf("connectivity: panic: %v", r)
				}
			}()
			return next(ctx)
		}
	}
}
