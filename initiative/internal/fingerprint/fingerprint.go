// Package fingerprint detects the technologies a website is built with from
// its response headers, cookies and markup, using the Wappalyzer
// fingerprint database.
package fingerprint

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"golang.org/x/net/html"

	"github.com/hazyhaar/etabli/docpipe"
)

// MinConfidence is the lowest confidence kept in a report.
const MinConfidence = 75

// Page is what a loader observed at a URL.
type Page struct {
	URL       string
	Status    int
	Headers   http.Header
	Cookies   []string
	HTML      string
	Generator string
}

// ParsePage builds a Page and extracts the generator meta tag from body.
func ParsePage(pageURL string, status int, headers http.Header, cookies []string, body string) *Page {
	p := &Page{URL: pageURL, Status: status, Headers: headers, Cookies: cookies, HTML: body}
	if p.Headers == nil {
		p.Headers = http.Header{}
	}
	if doc, err := html.Parse(strings.NewReader(body)); err == nil {
		p.Generator = docpipe.MetaGenerator(doc)
	}
	return p
}

// Technology is one detection.
type Technology struct {
	Name       string   `json:"name"`
	Version    string   `json:"version,omitempty"`
	Confidence int      `json:"confidence"`
	Categories []string `json:"categories"`
}

// Report is the cached outcome of fingerprinting one website.
type Report struct {
	URL          string       `json:"url"`
	Status       int          `json:"status"`
	Generator    string       `json:"generator,omitempty"`
	Technologies []Technology `json:"technologies"`
}

// Names lists the detected technology names.
func (r *Report) Names() []string {
	out := make([]string, len(r.Technologies))
	for i, t := range r.Technologies {
		out[i] = t.Name
	}
	return out
}

// Engine matches a response against a fingerprint database.
// *wappalyzer.Wappalyze satisfies it.
type Engine interface {
	FingerprintWithInfo(headers map[string][]string, body []byte) map[string]wappalyzer.AppInfo
}

// The database is embedded in wappalyzergo and costs a few megabytes once
// compiled, so every Detector shares one.
var defaultEngine = sync.OnceValues(func() (*wappalyzer.Wappalyze, error) {
	return wappalyzer.New()
})

// Detector reports the technologies of a page.
type Detector struct {
	engine Engine
	min    int
}

// NewDetector creates a Detector over the Wappalyzer database.
func NewDetector() (*Detector, error) {
	engine, err := defaultEngine()
	if err != nil {
		return nil, fmt.Errorf("fingerprint: load database: %w", err)
	}
	return NewDetectorWith(engine), nil
}

// NewDetectorWith creates a Detector over engine.
func NewDetectorWith(engine Engine) *Detector {
	return &Detector{engine: engine, min: MinConfidence}
}

// Analyze fingerprints page. A Wappalyzer match is a whole-pattern match and
// counts as certain; technologies under MinConfidence are dropped.
func (d *Detector) Analyze(page *Page) *Report {
	r := &Report{URL: page.URL, Status: page.Status, Generator: page.Generator, Technologies: []Technology{}}
	seen := make(map[string]int)
	for key, info := range d.engine.FingerprintWithInfo(engineHeaders(page), []byte(page.HTML)) {
		name, version, _ := strings.Cut(key, ":")
		if name == "" {
			continue
		}
		if i, ok := seen[name]; ok {
			if r.Technologies[i].Version == "" {
				r.Technologies[i].Version = version
			}
			continue
		}
		tech := Technology{Name: name, Version: version, Confidence: 100, Categories: info.Categories}
		if tech.Confidence < d.min {
			continue
		}
		if tech.Categories == nil {
			tech.Categories = []string{}
		}
		seen[name] = len(r.Technologies)
		r.Technologies = append(r.Technologies, tech)
	}
	slices.SortFunc(r.Technologies, func(a, b Technology) int { return cmp.Compare(a.Name, b.Name) })
	return r
}

// engineHeaders returns the response headers with the observed cookies
// folded into Set-Cookie, which is where the database looks for them.
func engineHeaders(p *Page) map[string][]string {
	h := p.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	have := make(map[string]bool)
	for _, line := range h.Values("Set-Cookie") {
		name, _, _ := strings.Cut(line, "=")
		have[strings.TrimSpace(name)] = true
	}
	for _, c := range p.Cookies {
		if !have[c] {
			h.Add("Set-Cookie", c+"=")
		}
	}
	return h
}
