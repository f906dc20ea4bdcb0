package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/horosafe"
)

// ErrServerStatus is returned when a site answers with a 5xx status.
var ErrServerStatus = errors.New("fingerprint: server error status")

// PageLoader fetches what a browser would observe at a URL.
type PageLoader interface {
	Load(ctx context.Context, pageURL string) (*Page, error)
}

// HTTPLoader fetches pages with a plain HTTP client. Scripts are not
// executed, so client-rendered markup is invisible to it.
type HTTPLoader struct {
	Client    *http.Client
	UserAgent string
	MaxBody   int64
	Policy    horosafe.URLPolicy
}

// NewHTTPLoader creates a loader restricted to public web URLs.
func NewHTTPLoader(timeout time.Duration) *HTTPLoader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLoader{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: "Mozilla/5.0 (compatible; etabli/1.0)",
		MaxBody:   horosafe.MaxResponseBody,
		Policy:    horosafe.WebPolicy,
	}
}

// Load performs a GET and parses the response. Network failures are
// returned as reachability faults.
func (l *HTTPLoader) Load(ctx context.Context, pageURL string) (*Page, error) {
	if err := l.Policy.Check(pageURL); err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: request: %w", err)
	}
	req.Header.Set("User-Agent", l.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := l.Client.Do(req)
	if err != nil {
		return nil, faults.ClassifyNetwork("fingerprint.load", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, faults.Reachability("fingerprint.load", fmt.Errorf("%w: %d", ErrServerStatus, resp.StatusCode))
	}
	body, err := horosafe.LimitedReadAll(resp.Body, l.MaxBody)
	if err != nil {
		return nil, faults.ClassifyNetwork("fingerprint.read", err)
	}

	var cookies []string
	for _, c := range resp.Cookies() {
		cookies = append(cookies, c.Name)
	}
	return ParsePage(resp.Request.URL.String(), resp.StatusCode, resp.Header, cookies, string(body)), nil
}
