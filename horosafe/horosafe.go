// Package horosafe guards the places where etabli handles data it did not
// produce: feed URLs before a fetch or clone, cache paths derived from item
// IDs, and remote bodies.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
)

// MaxResponseBody caps remote page reads (5 MiB).
const MaxResponseBody int64 = 5 << 20

var (
	ErrPathTraversal    = errors.New("horosafe: path escapes its base")
	ErrSSRF             = errors.New("horosafe: URL targets a non-public address")
	ErrUnsafeScheme     = errors.New("horosafe: URL scheme not allowed")
	ErrResponseTooLarge = errors.New("horosafe: response too large")
)

// URLPolicy decides which remote URLs may be fetched.
type URLPolicy struct {
	// Schemes lists the accepted schemes, lower case.
	Schemes []string
	// AllowPrivate lets loopback and private addresses through (tests,
	// intranet deployments).
	AllowPrivate bool
}

var (
	// WebPolicy admits websites to fingerprint.
	WebPolicy = URLPolicy{Schemes: []string{"http", "https"}}
	// GitPolicy admits repositories to clone.
	GitPolicy = URLPolicy{Schemes: []string{"https", "http", "git"}}
)

// Check validates rawURL. Unless AllowPrivate is set, a host name is
// resolved and rejected if any of its addresses is not public.
func (p URLPolicy) Check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: parse URL: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); !slices.Contains(p.Schemes, scheme) {
		return fmt.Errorf("%w: %q", ErrUnsafeScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}
	if p.AllowPrivate {
		return nil
	}

	addrs, err := lookup(host)
	if err != nil {
		// Left to the fetch, which records the host as unreachable.
		return nil
	}
	for _, a := range addrs {
		if !Public(a) {
			return fmt.Errorf("%w: %s resolves to %s", ErrSSRF, host, a)
		}
	}
	return nil
}

func lookup(host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a}, nil
	}
	names, err := net.LookupHost(host)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(names))
	for _, n := range names {
		if a, err := netip.ParseAddr(n); err == nil {
			addrs = append(addrs, a)
		}
	}
	return addrs, nil
}

// sharedSpace is the carrier-grade NAT range, which netip does not treat
// as private.
var sharedSpace = netip.MustParsePrefix("100.64.0.0/10")

// Public reports whether a is a globally routable unicast address.
func Public(a netip.Addr) bool {
	a = a.Unmap()
	switch {
	case !a.IsValid(), a.IsUnspecified(), a.IsLoopback(), a.IsPrivate(),
		a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast(), a.IsMulticast():
		return false
	}
	return !sharedSpace.Contains(a)
}

// SafePath joins rel under base, rejecting anything that would leave it.
func SafePath(base, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, rel)
	}
	return filepath.Join(base, rel), nil
}

// ValidateIdentifier accepts IDs usable as a single file name: at most 256
// ASCII letters, digits, '_', '-' and '.', never "." or "..".
func ValidateIdentifier(s string) error {
	switch {
	case s == "":
		return errors.New("horosafe: empty identifier")
	case len(s) > 256:
		return errors.New("horosafe: identifier longer than 256 bytes")
	case s == "." || strings.Contains(s, ".."):
		return fmt.Errorf("%w: %q", ErrPathTraversal, s)
	}
	if i := strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' ||
			'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	}); i >= 0 {
		return fmt.Errorf("horosafe: invalid character %q in identifier", s[i])
	}
	return nil
}

// LimitedReadAll reads r fully unless it holds more than max bytes.
func LimitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: over %d bytes", ErrResponseTooLarge, max)
	}
	return data, nil
}
