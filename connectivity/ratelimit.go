package connectivity

import (
	"context"
	"sync"
	"time"
)

// Limiter spaces calls so that no more than perSecond start in any second.
// Callers queue in arrival order on the mutex.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
	now      func() time.Time
}

// NewLimiter returns a limiter for perSecond calls. perSecond <= 0 disables it.
func NewLimiter(perSecond float64) *Limiter {
	l := &Limiter{now: time.Now}
	if perSecond > 0 {
		l.interval = time.Duration(float64(time.Second) / perSecond)
	}
	return l
}

// Wait blocks until the caller may start, or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.interval == 0 {
		return nil
	}
	l.mu.Lock()
	now := l.now()
	start := l.next
	if start.Before(now) {
		start = now
	}
	l.next = start.Add(l.interval)
	l.mu.Unlock()

	d := start.Sub(now)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithRateLimit makes every call wait for its slot on l.
func WithRateLimit(l *Limiter) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) error {
			if err := l.Wait(ctx); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}
