package llm

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/hazyhaar/etabli/connectivity"
	"github.com/hazyhaar/etabli/faults"
)

// GuardConfig tunes the resilience of provider calls.
type GuardConfig struct {
	// Timeout bounds one attempt. Default: 2m.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries after the first attempt. Default: 3. Negative disables.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Backoff is the first retry delay, doubled per attempt. Default: 2s.
	Backoff time.Duration `json:"backoff" yaml:"backoff"`

	// RequestsPerSecond caps call starts. Default: 1. Negative disables.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`

	// Breaker opens after consecutive provider failures. Defaults: 5
	// failures, 30s cooldown, 2 probes.
	Breaker connectivity.BreakerConfig `json:"breaker" yaml:"breaker"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *GuardConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	} else if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Retryable reports whether a failed provider call may succeed if repeated.
// Oversized content, bad configuration and definitive provider refusals do
// not improve with time.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrTokenLimit) {
		return false
	}
	if faults.Is(err, faults.KindConfiguration) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// Guarded wraps a Provider with timeout, retry, circuit breaker and rate
// limiting. All calls share one breaker and one limiter.
type Guarded struct {
	next    Provider
	logger  *slog.Logger
	limiter *connectivity.Limiter
	breaker *connectivity.CircuitBreaker
	guard   connectivity.Middleware
}

// NewGuarded wraps p.
func NewGuarded(p Provider, cfg GuardConfig) *Guarded {
	cfg.defaults()
	limiter := connectivity.NewLimiter(cfg.RequestsPerSecond)
	breaker := connectivity.NewCircuitBreaker(cfg.Breaker)
	return &Guarded{
		next:    p,
		logger:  cfg.Logger,
		limiter: limiter,
		breaker: breaker,
		guard: connectivity.Chain(
			connectivity.Recovery(cfg.Logger),
			connectivity.Logging(cfg.Logger, "llm"),
			connectivity.WithRetry(cfg.MaxRetries, cfg.Backoff, Retryable, cfg.Logger),
			connectivity.WithCircuitBreaker(breaker, "llm", Retryable),
			connectivity.WithRateLimit(limiter),
			connectivity.WithTimeout(cfg.Timeout),
		),
	}
}

func (g *Guarded) do(ctx context.Context, fn connectivity.Call) error {
	return g.guard(fn)(ctx)
}

// Complete implements Provider.
func (g *Guarded) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	var out *Completion
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.Complete(ctx, req)
		return err
	})
	return out, err
}

// CountTokens implements Tokenizer.
func (g *Guarded) CountTokens(ctx context.Context, text string) (int, error) {
	var n int
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = g.next.CountTokens(ctx, text)
		return err
	})
	return n, err
}

// UploadDocument implements Provider.
func (g *Guarded) UploadDocument(ctx context.Context, name, content string) (*Document, error) {
	var out *Document
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.UploadDocument(ctx, name, content)
		return err
	})
	return out, err
}

// DocumentState implements Provider.
func (g *Guarded) DocumentState(ctx context.Context, id string) (DocumentState, error) {
	var out DocumentState
	err := g.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.next.DocumentState(ctx, id)
		return err
	})
	return out, err
}

// DeleteDocument implements Provider.
func (g *Guarded) DeleteDocument(ctx context.Context, id string) error {
	return g.do(ctx, func(ctx context.Context) error {
		return g.next.DeleteDocument(ctx, id)
	})
}

// Stream implements Provider. A stream is never retried: fragments may
// already have reached the user. It still waits for its rate slot and
// feeds the breaker.
func (g *Guarded) Stream(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !g.breaker.Allow() {
			yield("", &connectivity.ErrCircuitOpen{Service: "llm"})
			return
		}
		if err := g.limiter.Wait(ctx); err != nil {
			g.breaker.Release()
			yield("", err)
			return
		}
		for chunk, err := range g.next.Stream(ctx, req) {
			if err != nil {
				if Retryable(err) {
					g.breaker.RecordFailure()
				} else {
					g.breaker.RecordSuccess()
				}
				g.logger.WarnContext(ctx, "llm: stream failed", "error", err)
				yield("", err)
				return
			}
			if !yield(chunk, nil) {
				g.breaker.RecordSuccess()
				return
			}
		}
		g.breaker.RecordSuccess()
	}
}
