package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes a CircuitBreaker. Zero fields take the defaults.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures int `json:"failures" yaml:"failures"`
	// Cooldown is how long an open breaker rejects calls before probing.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// Probes is the number of successful probes that closes the breaker.
	Probes int `json:"probes" yaml:"probes"`
	// Now replaces time.Now in tests.
	Now func() time.Time `json:"-" yaml:"-"`
}

func (c *BreakerConfig) defaults() {
	if c.Failures <= 0 {
		c.Failures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// CircuitBreaker stops calling a provider that keeps failing. While half
// open it lets a single probe through at a time. Safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	streak    int       // consecutive failures while closed
	openUntil time.Time // zero while closed
	probing   bool      // a half-open probe is in flight
	passed    int       // successful probes since the cooldown ended
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.defaults()
	return &CircuitBreaker{cfg: cfg}
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	switch {
	case cb.openUntil.IsZero():
		return BreakerClosed
	case cb.cfg.Now().Before(cb.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}

// State reports the current position.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// Allow reports whether a call may proceed. A true answer in the half-open
// state reserves the probe slot until the outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.stateLocked() {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
	}
	return true
}

// RecordSuccess reports a call that went through.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stateLocked() != BreakerHalfOpen {
		cb.streak = 0
		return
	}
	cb.probing = false
	cb.passed++
	if cb.passed >= cb.cfg.Probes {
		cb.closeLocked()
	}
}

// RecordFailure reports a provider failure. A failed probe restarts the
// cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.stateLocked() {
	case BreakerClosed:
		cb.streak++
		if cb.streak >= cb.cfg.Failures {
			cb.tripLocked()
		}
	case BreakerHalfOpen:
		cb.tripLocked()
	}
}

// Release frees a probe slot reserved by Allow when the call never reached
// the provider.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeLocked()
}

func (cb *CircuitBreaker) tripLocked() {
	cb.openUntil = cb.cfg.Now().Add(cb.cfg.Cooldown)
	cb.probing = false
	cb.passed = 0
}

func (cb *CircuitBreaker) closeLocked() {
	cb.openUntil = time.Time{}
	cb.streak = 0
	cb.probing = false
	cb.passed = 0
}

// WithCircuitBreaker rejects calls with ErrCircuitOpen while cb is open.
// Errors for which counts returns false (caller mistakes such as an
// over-budget prompt) count as a healthy provider.
func WithCircuitBreaker(cb *CircuitBreaker, service string, counts Retryable) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) error {
			if !cb.Allow() {
				return &ErrCircuitOpen{Service: service}
			}
			err := next(ctx)
			if err != nil && (counts == nil || counts(err)) {
				cb.RecordFailure()
			} else {
				cb.RecordSuccess()
			}
			return err
		}
	}
}
