package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithTimeout applies a per-attempt timeout. Zero disables it.
func WithTimeout(d time.Duration) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) error {
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next(ctx)
		}
	}
}

// Retryable decides whether a failed call is worth another attempt.
type Retryable func(error) bool

// WithRetry retries failed calls with exponential backoff starting at
// baseBackoff. Calls rejected by an open breaker, context errors and errors
// that retryable refuses are returned immediately. retryable may be nil to
// retry everything else.
func WithRetry(maxRetries int, baseBackoff time.Duration, retryable Retryable, logger *slog.Logger) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) error {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				err := next(ctx)
				if err == nil {
					return nil
				}
				lastErr = err

				if ctx.Err() != nil {
					return lastErr
				}
				var open *ErrCircuitOpen
				if errors.As(err, &open) {
					return err
				}
				if retryable != nil && !retryable(err) {
					return err
				}

				if attempt < maxRetries {
					wait := baseBackoff * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "connectivity: retrying call",
							"attempt", attempt+1,
							"max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}
