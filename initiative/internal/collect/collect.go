// Package collect gathers the content describing one cluster: website
// markdown and technologies, repository functions, dependencies and README.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/etabli/docpipe"
	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/horosafe"
	"github.com/hazyhaar/etabli/initiative/internal/checkout"
	"github.com/hazyhaar/etabli/initiative/internal/fingerprint"
	"github.com/hazyhaar/etabli/initiative/internal/inspect"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// ErrNoContent is returned when no member of a cluster yielded content.
var ErrNoContent = errors.New("collect: cluster has no usable content")

// WebsiteContent is what a website contributes to the prompt.
type WebsiteContent struct {
	DomainID     string   `json:"domain_id"`
	Name         string   `json:"name"`
	Main         bool     `json:"main"`
	Markdown     string   `json:"markdown"`
	DeducedTools []string `json:"deduced_tools,omitempty"`
}

// RepositoryContent is what a repository contributes to the prompt.
type RepositoryContent struct {
	RepositoryID string   `json:"repository_id"`
	URL          string   `json:"url"`
	Main         bool     `json:"main"`
	Functions    []string `json:"functions,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Readme       string   `json:"readme,omitempty"`
}

// Content is the collected material of a cluster, main items first.
type Content struct {
	Websites     []WebsiteContent    `json:"websites"`
	Repositories []RepositoryContent `json:"repositories"`
	// DeducedTools merges detected technologies and dependencies. They are
	// hints for the model, not facts.
	DeducedTools []string `json:"deduced_tools"`
}

// Empty reports whether no member contributed anything.
func (c *Content) Empty() bool { return len(c.Websites) == 0 && len(c.Repositories) == 0 }

// Recorder persists reachability bookkeeping on raw items.
type Recorder interface {
	MarkDomainUnreachable(ctx context.Context, id, message string, at time.Time) error
	MarkRepositoryUnreachable(ctx context.Context, id, message string, at time.Time) error
	ClearDomainUnreachable(ctx context.Context, id string) error
	ClearRepositoryUnreachable(ctx context.Context, id string) error
}

// Config configures a Collector.
type Config struct {
	// CacheDir holds every collected artefact.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// Refresh ignores cached artefacts and fetches everything again.
	Refresh bool `json:"refresh" yaml:"refresh"`

	// FingerprintDelay follows every live fingerprint. Default: 1s.
	FingerprintDelay time.Duration `json:"fingerprint_delay" yaml:"fingerprint_delay"`

	// CheckoutDelay follows every live clone. Default: 1s.
	CheckoutDelay time.Duration `json:"checkout_delay" yaml:"checkout_delay"`

	// ReachabilityCooldown is how long a domain or repository that could
	// not be reached is left alone. Default: 7 days. Negative disables.
	ReachabilityCooldown time.Duration `json:"reachability_cooldown" yaml:"reachability_cooldown"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(os.TempDir(), "etabli-cache")
	}
	if c.FingerprintDelay < 0 {
		c.FingerprintDelay = 0
	} else if c.FingerprintDelay == 0 {
		c.FingerprintDelay = time.Second
	}
	if c.CheckoutDelay < 0 {
		c.CheckoutDelay = 0
	} else if c.CheckoutDelay == 0 {
		c.CheckoutDelay = time.Second
	}
	if c.ReachabilityCooldown < 0 {
		c.ReachabilityCooldown = 0
	} else if c.ReachabilityCooldown == 0 {
		c.ReachabilityCooldown = 7 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps are the ports a Collector drives. Loader may be nil to disable
// fingerprinting; Inspector nil selects manifest parsing only.
type Deps struct {
	Recorder  Recorder
	Converter docpipe.Converter
	Loader    fingerprint.PageLoader
	Detector  *fingerprint.Detector
	Cloner    *checkout.Cloner
	Inspector inspect.CodeInspector
}

// Collector gathers cluster content, caching every artefact on disk.
type Collector struct {
	cfg   Config
	deps  Deps
	cache *Cache
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Collector. A negative delay in cfg disables it.
func New(cfg Config, deps Deps) *Collector {
	cfg.defaults()
	if deps.Converter == nil {
		deps.Converter = docpipe.New(docpipe.Config{Logger: cfg.Logger})
	}
	if deps.Detector == nil && deps.Loader != nil {
		d, err := fingerprint.NewDetector()
		if err != nil {
			cfg.Logger.Error("collect: fingerprinting disabled", "error", err)
			deps.Loader = nil
		}
		deps.Detector = d
	}
	if deps.Inspector == nil {
		deps.Inspector = &inspect.ManifestInspector{Logger: cfg.Logger}
	}
	cache := NewCache(cfg.CacheDir)
	if deps.Cloner == nil {
		deps.Cloner = checkout.NewCloner(checkout.Config{Root: cache.RepositoriesDir(), Logger: cfg.Logger})
	}
	return &Collector{cfg: cfg, deps: deps, cache: cache, sleep: sleepCtx, now: time.Now}
}

// Cache exposes the artefact cache.
func (c *Collector) Cache() *Cache { return c.cache }

// Collect gathers the content of one cluster. A member that fails is
// logged and left out; reachability failures are also recorded on the raw
// item. ErrNoContent is returned when nothing at all was collected.
func (c *Collector) Collect(ctx context.Context, domains []store.DomainMember, repositories []store.RepositoryMember) (*Content, error) {
	out := &Content{Websites: []WebsiteContent{}, Repositories: []RepositoryContent{}}
	var tools []string

	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, err := c.website(ctx, d)
		if err != nil {
			c.skip(ctx, "website", d.ID, err)
			continue
		}
		if w == nil {
			continue
		}
		out.Websites = append(out.Websites, *w)
		tools = append(tools, w.DeducedTools...)
	}

	for _, r := range repositories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.coolingDown(r.LastReachabilityErrorAt) {
			c.cfg.Logger.DebugContext(ctx, "collect: repository cooling down", "id", r.ID, "url", r.RepositoryURL)
			continue
		}
		rc, err := c.repository(ctx, r)
		if err != nil {
			c.skip(ctx, "repository", r.ID, err)
			if faults.Is(err, faults.KindReachability) && c.deps.Recorder != nil {
				if merr := c.deps.Recorder.MarkRepositoryUnreachable(ctx, r.ID, err.Error(), c.now()); merr != nil {
					c.cfg.Logger.Warn("collect: record unreachable repository", "id", r.ID, "error", merr)
				}
			}
			continue
		}
		out.Repositories = append(out.Repositories, *rc)
		tools = append(tools, rc.Dependencies...)
	}

	out.DeducedTools = uniqueFold(tools)
	if out.Empty() {
		return nil, ErrNoContent
	}
	return out, nil
}

// coolingDown reports whether a reachability failure at (unix ms) is too
// recent to try the item again.
func (c *Collector) coolingDown(at *int64) bool {
	if at == nil || c.cfg.ReachabilityCooldown == 0 {
		return false
	}
	return c.now().Sub(time.UnixMilli(*at)) < c.cfg.ReachabilityCooldown
}

func (c *Collector) skip(ctx context.Context, kind, id string, err error) {
	c.cfg.Logger.WarnContext(ctx, "collect: member skipped",
		"kind", kind, "id", id, "error_kind", faults.KindOf(err), "error", err)
}

// website converts the stored raw HTML of d and fingerprints it. A missing
// fingerprint does not drop the markdown, and a domain cooling down is not
// loaded at all.
func (c *Collector) website(ctx context.Context, d store.DomainMember) (*WebsiteContent, error) {
	if err := horosafe.ValidateIdentifier(d.ID); err != nil {
		return nil, fmt.Errorf("collect: domain id: %w", err)
	}

	markdown, err := c.markdown(ctx, d)
	if err != nil {
		return nil, err
	}
	if markdown == "" {
		c.cfg.Logger.DebugContext(ctx, "collect: website has no stored content", "id", d.ID, "name", d.Name)
		return nil, nil
	}

	w := &WebsiteContent{DomainID: d.ID, Name: d.Name, Main: d.Main, Markdown: markdown}
	report, err := c.fingerprint(ctx, d)
	switch {
	case err != nil:
		c.skip(ctx, "fingerprint", d.ID, err)
		if faults.Is(err, faults.KindReachability) && c.deps.Recorder != nil {
			if merr := c.deps.Recorder.MarkDomainUnreachable(ctx, d.ID, err.Error(), c.now()); merr != nil {
				c.cfg.Logger.Warn("collect: record unreachable domain", "id", d.ID, "error", merr)
			}
		}
	case report != nil:
		w.DeducedTools = report.Names()
	}
	return w, nil
}

func (c *Collector) markdown(ctx context.Context, d store.DomainMember) (string, error) {
	mdFile := websiteFile(d.ID, ".md")
	if !c.cfg.Refresh {
		if data, ok, err := c.cache.Read(mdFile); err != nil {
			return "", err
		} else if ok {
			return string(data), nil
		}
	}
	if strings.TrimSpace(d.WebsiteRawContent) == "" {
		return "", nil
	}
	if err := c.cache.Write(websiteFile(d.ID, ".html"), []byte(d.WebsiteRawContent)); err != nil {
		return "", err
	}
	page, err := c.deps.Converter.Convert(ctx, d.WebsiteRawContent, "https://"+d.Name)
	if errors.Is(err, docpipe.ErrEmptyContent) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	text := page.Text()
	if err := c.cache.Write(mdFile, []byte(text)); err != nil {
		return "", err
	}
	return text, nil
}

func (c *Collector) fingerprint(ctx context.Context, d store.DomainMember) (*fingerprint.Report, error) {
	file := websiteFile(d.ID, ".fingerprint.json")
	if !c.cfg.Refresh {
		var cached fingerprint.Report
		if ok, err := c.cache.ReadJSON(file, &cached); err != nil {
			return nil, err
		} else if ok {
			return &cached, nil
		}
	}
	if c.deps.Loader == nil {
		return nil, nil
	}
	if c.coolingDown(d.LastReachabilityErrorAt) {
		c.cfg.Logger.DebugContext(ctx, "collect: website cooling down", "id", d.ID, "name", d.Name)
		return nil, nil
	}

	page, err := c.deps.Loader.Load(ctx, "https://"+d.Name)
	if serr := c.sleep(ctx, c.cfg.FingerprintDelay); serr != nil {
		return nil, serr
	}
	if err != nil {
		return nil, err
	}
	report := c.deps.Detector.Analyze(page)
	if err := c.cache.WriteJSON(file, report); err != nil {
		return nil, err
	}
	if c.deps.Recorder != nil && d.LastReachabilityErrorAt != nil {
		if err := c.deps.Recorder.ClearDomainUnreachable(ctx, d.ID); err != nil {
			c.cfg.Logger.Warn("collect: clear unreachable domain", "id", d.ID, "error", err)
		}
	}
	return report, nil
}

func (c *Collector) repository(ctx context.Context, r store.RepositoryMember) (*RepositoryContent, error) {
	if err := horosafe.ValidateIdentifier(r.ID); err != nil {
		return nil, fmt.Errorf("collect: repository id: %w", err)
	}

	res, err := c.deps.Cloner.Checkout(ctx, r.ID, r.RepositoryURL, r.DefaultBranch, c.cfg.Refresh)
	if err != nil {
		return nil, err
	}
	if res.Fetched {
		if err := c.sleep(ctx, c.cfg.CheckoutDelay); err != nil {
			return nil, err
		}
		if c.deps.Recorder != nil && r.LastReachabilityErrorAt != nil {
			if err := c.deps.Recorder.ClearRepositoryUnreachable(ctx, r.ID); err != nil {
				c.cfg.Logger.Warn("collect: clear unreachable repository", "id", r.ID, "error", err)
			}
		}
	}

	file := repositoryFile(r.ID, ".analysis.json")
	var report inspect.Report
	ok := false
	if !res.Fetched {
		if ok, err = c.cache.ReadJSON(file, &report); err != nil {
			return nil, err
		}
	}
	if !ok {
		fresh, err := c.deps.Inspector.Inspect(ctx, res.Dir)
		if err != nil {
			return nil, fmt.Errorf("collect: inspect %s: %w", r.ID, err)
		}
		report = *fresh
		if err := c.cache.WriteJSON(file, report); err != nil {
			return nil, err
		}
	}

	readme := readReadme(res.Dir)
	if readme == "" {
		readme = strings.TrimSpace(r.Description)
	}
	return &RepositoryContent{
		RepositoryID: r.ID,
		URL:          r.RepositoryURL,
		Main:         r.Main,
		Functions:    report.Functions,
		Dependencies: report.Dependencies,
		Readme:       readme,
	}, nil
}

// readReadme returns the first non-empty README at the checkout root.
func readReadme(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	byName := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			byName[strings.ToLower(e.Name())] = e.Name()
		}
	}
	for _, candidate := range []string{"readme.md", "readme.txt", "readme"} {
		name, ok := byName[candidate]
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil && strings.TrimSpace(string(data)) != "" {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// uniqueFold deduplicates case-insensitively, keeping first-seen spelling.
func uniqueFold(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
