// Package faults classifies pipeline failures so each stage can apply the
// right recovery policy: absorb, reduce, skip the cluster, or stop the run.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the recovery class of a failure. Kinds are strings so they log
// and serialise naturally.
type Kind string

const (
	// KindReachability is a network or certificate failure while reaching a
	// raw item. It is persisted on the item and the item is skipped until
	// its cool-down elapses.
	KindReachability Kind = "REACHABILITY"

	// KindTokenLimit means the content did not fit the model window. It
	// drives content reduction and is never swallowed.
	KindTokenLimit Kind = "TOKEN_LIMIT"

	// KindUpstream is an error reported by the model provider (auth, quota,
	// malformed structured response). Fatal for the current cluster only.
	KindUpstream Kind = "UPSTREAM"

	// KindBatchIngestion aborts a whole knowledge ingestion run.
	KindBatchIngestion Kind = "BATCH_INGESTION"

	// KindConfiguration is a setup problem. The run stops entirely.
	KindConfiguration Kind = "CONFIGURATION"

	// KindShutdown is raised between clusters once a shutdown was requested.
	KindShutdown Kind = "SHUTDOWN"

	// KindUnknown is anything not classified above.
	KindUnknown Kind = "UNKNOWN"
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Reachability, TokenLimit, Upstream, BatchIngestion and Configuration are
// shorthands for New with the matching Kind.
func Reachability(op string, err error) error   { return New(KindReachability, op, err) }
func TokenLimit(op string, err error) error     { return New(KindTokenLimit, op, err) }
func Upstream(op string, err error) error       { return New(KindUpstream, op, err) }
func BatchIngestion(op string, err error) error { return New(KindBatchIngestion, op, err) }
func Configuration(op string, err error) error  { return New(KindConfiguration, op, err) }

// KindOf returns the outermost Kind found in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Err
	}
	return false
}

// StopsRun reports whether err must end the whole run rather than just the
// current cluster.
func StopsRun(err error) bool {
	return Is(err, KindConfiguration) || Is(err, KindShutdown) || Is(err, KindBatchIngestion)
}
