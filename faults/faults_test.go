package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("quota exhausted")
	err := fmt.Errorf("cluster m1: %w", Upstream("enrich", base))

	if got := KindOf(err); got != KindUpstream {
		t.Fatalf("KindOf = %q, want %q", got, KindUpstream)
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost its cause")
	}
	if KindOf(base) != KindUnknown {
		t.Fatal("plain error should be unknown")
	}
}

func TestIs_NestedKinds(t *testing.T) {
	// WHAT: Is walks nested fault wrappers, not just the outermost one.
	// WHY: A token-limit failure may be re-wrapped as upstream by a caller.
	inner := TokenLimit("fit", errors.New("zero content"))
	outer := Upstream("enrich", inner)
	if !Is(outer, KindTokenLimit) {
		t.Fatal("expected nested token limit kind")
	}
	if Is(outer, KindConfiguration) {
		t.Fatal("unexpected configuration kind")
	}
}

func TestStopsRun(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Configuration("ingest", errors.New("too many documents")), true},
		{New(KindShutdown, "feed", errors.New("requested")), true},
		{BatchIngestion("ingest", errors.New("processing failed")), true},
		{Upstream("enrich", errors.New("401")), false},
		{Reachability("collect", errors.New("refused")), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := StopsRun(tt.err); got != tt.want {
			t.Errorf("StopsRun(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNew_Nil(t *testing.T) {
	if New(KindUpstream, "op", nil) != nil {
		t.Fatal("New(nil) must be nil")
	}
}

func TestIsNetwork(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"deadline", context.DeadlineExceeded, true},
		{"dns", &net.DNSError{Err: "no such host", Name: "x.gouv.fr"}, true},
		{"op", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"text refused", errors.New("dial tcp: connection refused"), true},
		{"text cert", errors.New("x509: certificate signed by unknown authority"), true},
		{"parse", errors.New("invalid character '<' looking for value"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNetwork(tt.err); got != tt.want {
				t.Errorf("IsNetwork = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyNetwork(t *testing.T) {
	err := ClassifyNetwork("fingerprint", errors.New("read tcp: connection reset by peer"))
	if KindOf(err) != KindReachability {
		t.Fatalf("kind = %q, want reachability", KindOf(err))
	}
	plain := errors.New("bad html")
	if ClassifyNetwork("convert", plain) != plain {
		t.Fatal("non-network error must pass through")
	}
}
