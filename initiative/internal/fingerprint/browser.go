package fingerprint

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/horosafe"
)

// BrowserConfig configures the headless browser loader.
type BrowserConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome.
	RemoteURL string

	// NavigationTimeout bounds navigation and load. Default: 30s.
	NavigationTimeout time.Duration

	Policy horosafe.URLPolicy
	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.Policy.Schemes == nil {
		c.Policy = horosafe.WebPolicy
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserLoader renders pages in headless Chrome with stealth applied, so
// client-rendered frameworks and scripts injected at runtime are seen.
// Chrome is started lazily on first use.
type BrowserLoader struct {
	cfg BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewBrowserLoader creates a BrowserLoader. Call Close to stop Chrome.
func NewBrowserLoader(cfg BrowserConfig) *BrowserLoader {
	cfg.defaults()
	return &BrowserLoader{cfg: cfg}
}

func (l *BrowserLoader) connect() (*rod.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browser != nil {
		return l.browser, nil
	}

	wsURL := l.cfg.RemoteURL
	if wsURL == "" {
		lnch := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := lnch.Launch()
		if err != nil {
			return nil, fmt.Errorf("fingerprint: launch chrome: %w", err)
		}
		wsURL = u
		l.lnch = lnch
		l.cfg.Logger.Info("fingerprint: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("fingerprint: connect chrome: %w", err)
	}
	l.browser = b
	return b, nil
}

// Load navigates to pageURL and captures the main document response, the
// cookies and the rendered DOM.
func (l *BrowserLoader) Load(ctx context.Context, pageURL string) (*Page, error) {
	if err := l.cfg.Policy.Check(pageURL); err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	b, err := l.connect()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, l.cfg.NavigationTimeout)
	defer cancel()
	p := page.Context(navCtx)

	var (
		status  int
		headers = http.Header{}
	)
	wait := p.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		status = e.Response.Status
		for k, v := range e.Response.Headers {
			headers.Add(k, v.Str())
		}
		return true
	})

	if err := p.Navigate(pageURL); err != nil {
		return nil, faults.ClassifyNetwork("fingerprint.navigate", err)
	}
	wait()
	if err := p.WaitLoad(); err != nil {
		l.cfg.Logger.Warn("fingerprint: wait load timeout", "url", pageURL, "error", err)
	}

	res, err := p.Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, faults.ClassifyNetwork("fingerprint.dom", err)
	}

	var cookies []string
	if cs, err := p.Cookies(nil); err == nil {
		for _, c := range cs {
			cookies = append(cookies, c.Name)
		}
	}

	info, err := p.Info()
	finalURL := pageURL
	if err == nil && info.URL != "" {
		finalURL = info.URL
	}
	return ParsePage(finalURL, status, headers, cookies, res.Value.Str()), nil
}

// Close stops Chrome.
func (l *BrowserLoader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.browser != nil {
		l.browser.Close()
		l.browser = nil
	}
	if l.lnch != nil {
		l.lnch.Cleanup()
		l.lnch = nil
	}
	return nil
}
