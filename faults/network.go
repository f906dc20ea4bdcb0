package faults

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
)

// IsNetwork reports whether err looks like a transient reachability failure:
// timeouts, refused or reset connections, DNS errors, early EOF and TLS
// certificate problems.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return true
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return true
	}
	return isNetworkMessage(strings.ToLower(err.Error()))
}

// isNetworkMessage catches errors that crossed a process boundary (git,
// headless browser) and only survive as text.
func isNetworkMessage(msg string) bool {
	for _, pattern := range []string{
		"timeout", "timed out", "deadline exceeded",
		"connection refused", "connection reset",
		"no such host", "dns", "network is unreachable",
		"eof", "tls", "certificate", "x509",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ClassifyNetwork wraps err as KindReachability when it is a network
// failure and returns it unchanged otherwise.
func ClassifyNetwork(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNetwork(err) {
		return Reachability(op, err)
	}
	return err
}
