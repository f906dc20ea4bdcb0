// Package lifecycle carries the process-wide graceful exit flag polled by
// long-running pipeline loops.
package lifecycle

import (
	"errors"
	"sync/atomic"

	"github.com/hazyhaar/etabli/faults"
)

// ErrShutdownRequested is returned by Check once a shutdown was requested.
var ErrShutdownRequested = errors.New("lifecycle: shutdown requested")

// Shutdown is a one-way flag. The zero value is ready to use.
type Shutdown struct {
	requested atomic.Bool
}

// Request raises the flag. Safe to call from a signal handler goroutine.
func (s *Shutdown) Request() { s.requested.Store(true) }

// Requested reports whether the flag is raised.
func (s *Shutdown) Requested() bool { return s.requested.Load() }

// Check returns a shutdown fault when the flag is raised, nil otherwise.
func (s *Shutdown) Check(op string) error {
	if s == nil || !s.Requested() {
		return nil
	}
	return faults.New(faults.KindShutdown, op, ErrShutdownRequested)
}
