package collect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/horosafe"
	"github.com/hazyhaar/etabli/initiative/internal/checkout"
	"github.com/hazyhaar/etabli/initiative/internal/fingerprint"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

type fakeRecorder struct {
	mu          sync.Mutex
	domains     []string
	repos       []string
	clearedDoms []string
}

func (f *fakeRecorder) MarkDomainUnreachable(_ context.Context, id, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains = append(f.domains, id)
	return nil
}

func (f *fakeRecorder) MarkRepositoryUnreachable(_ context.Context, id, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos = append(f.repos, id)
	return nil
}

func (f *fakeRecorder) ClearDomainUnreachable(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedDoms = append(f.clearedDoms, id)
	return nil
}

func (f *fakeRecorder) ClearRepositoryUnreachable(context.Context, string) error { return nil }

type fakeLoader struct {
	calls int
	err   error
}

func (f *fakeLoader) Load(_ context.Context, pageURL string) (*fingerprint.Page, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return fingerprint.ParsePage(pageURL, 200, nil, nil,
		`<html><head><meta name="generator" content="WordPress 6"></head></html>`), nil
}

// fakeClone writes a small source tree; repositories whose URL contains
// "gone" do not exist.
func fakeClone(calls *int) checkout.CloneFunc {
	return func(_ context.Context, dir, url, _ string) error {
		*calls++
		if strings.Contains(url, "gone") {
			return transport.ErrRepositoryNotFound
		}
		files := map[string]string{
			"package.json": `{"dependencies":{"react":"^18","nodemailer":"6"}}`,
			"src/mail.ts":  "export function sendWelcomeEmail() {}",
		}
		if strings.Contains(url, "readme") {
			files["README.md"] = "# Outil\nEnvoi de courriels."
		}
		for name, content := range files {
			path := filepath.Join(dir, name)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
		}
		return nil
	}
}

func newTestCollector(t *testing.T, rec Recorder, loader fingerprint.PageLoader, clones *int) *Collector {
	t.Helper()
	dir := t.TempDir()
	cloner := checkout.NewCloner(checkout.Config{
		Root:   filepath.Join(dir, "repositories"),
		Clone:  fakeClone(clones),
		Policy: horosafe.URLPolicy{Schemes: []string{"https"}, AllowPrivate: true},
	})
	return New(Config{CacheDir: dir, FingerprintDelay: -1, CheckoutDelay: -1}, Deps{
		Recorder: rec,
		Loader:   loader,
		Cloner:   cloner,
	})
}

func domainMember(id, name, html string, main bool) store.DomainMember {
	return store.DomainMember{RawDomain: &store.RawDomain{ID: id, Name: name, WebsiteRawContent: html}, Main: main}
}

func repoMember(id, url, description string, main bool) store.RepositoryMember {
	return store.RepositoryMember{RawRepository: &store.RawRepository{ID: id, RepositoryURL: url, Description: description}, Main: main}
}

func TestCollect(t *testing.T) {
	// WHAT: Websites and repositories yield prompt content with deduced
	// tools merged from fingerprints and dependencies.
	// WHY: This is everything the model sees about an initiative.
	rec := &fakeRecorder{}
	var clones int
	c := newTestCollector(t, rec, &fakeLoader{}, &clones)

	content, err := c.Collect(context.Background(),
		[]store.DomainMember{domainMember("d1", "a.gouv.fr", "<h1>Démarches</h1><p>Formulaires.</p>", true)},
		[]store.RepositoryMember{
			repoMember("r1", "https://forge.example/readme.git", "ignored", false),
			repoMember("r2", "https://forge.example/plain.git", "Outil de courriel", false),
		})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(content.Websites) != 1 || !strings.Contains(content.Websites[0].Markdown, "# Démarches") {
		t.Fatalf("websites = %+v", content.Websites)
	}
	if len(content.Repositories) != 2 {
		t.Fatalf("repositories = %+v", content.Repositories)
	}
	if got := content.Repositories[0].Readme; !strings.HasPrefix(got, "# Outil") {
		t.Errorf("readme = %q", got)
	}
	if got := content.Repositories[1].Readme; got != "Outil de courriel" {
		t.Errorf("readme fallback = %q, want description", got)
	}
	if len(content.Repositories[0].Functions) != 0 {
		t.Errorf("manifest inspector reported functions: %v", content.Repositories[0].Functions)
	}
	for _, want := range []string{"WordPress", "react", "nodemailer"} {
		if !slices.Contains(content.DeducedTools, want) {
			t.Errorf("deduced tools lack %s: %v", want, content.DeducedTools)
		}
	}
	if n := len(content.DeducedTools); n != len(uniqueFold(content.DeducedTools)) {
		t.Errorf("deduced tools = %v, want unique names", content.DeducedTools)
	}
}

func TestCollect_SkipsUnreachable(t *testing.T) {
	// WHAT: An unreachable repository is recorded and left out while the
	// rest of the cluster is still collected.
	// WHY: One dead remote must not sink the whole initiative.
	rec := &fakeRecorder{}
	var clones int
	c := newTestCollector(t, rec, nil, &clones)

	content, err := c.Collect(context.Background(), nil, []store.RepositoryMember{
		repoMember("r1", "https://forge.example/gone.git", "", true),
		repoMember("r2", "https://forge.example/plain.git", "desc", false),
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(content.Repositories) != 1 || content.Repositories[0].RepositoryID != "r2" {
		t.Fatalf("repositories = %+v", content.Repositories)
	}
	if !slices.Equal(rec.repos, []string{"r1"}) {
		t.Fatalf("recorded = %v, want [r1]", rec.repos)
	}
}

func TestCollect_FingerprintFailureKeepsWebsite(t *testing.T) {
	rec := &fakeRecorder{}
	var clones int
	loader := &fakeLoader{err: faults.Reachability("load", errors.New("connection refused"))}
	c := newTestCollector(t, rec, loader, &clones)

	content, err := c.Collect(context.Background(),
		[]store.DomainMember{domainMember("d1", "a.gouv.fr", "<p>Bonjour le monde</p>", true)}, nil)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(content.Websites) != 1 || len(content.Websites[0].DeducedTools) != 0 {
		t.Fatalf("websites = %+v", content.Websites)
	}
	if !slices.Equal(rec.domains, []string{"d1"}) {
		t.Fatalf("recorded = %v, want [d1]", rec.domains)
	}
}

func TestCollect_NoContent(t *testing.T) {
	var clones int
	c := newTestCollector(t, &fakeRecorder{}, nil, &clones)
	_, err := c.Collect(context.Background(),
		[]store.DomainMember{domainMember("d1", "a.gouv.fr", "", true)},
		[]store.RepositoryMember{repoMember("r1", "https://forge.example/gone.git", "", false)})
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("err = %v, want ErrNoContent", err)
	}
}

func TestCollect_UsesCache(t *testing.T) {
	// WHAT: A second collection reuses fingerprints, markdown and checkouts.
	// WHY: Re-enrichment after a prompt change must not refetch the web.
	loader := &fakeLoader{}
	var clones int
	c := newTestCollector(t, &fakeRecorder{}, loader, &clones)
	domains := []store.DomainMember{domainMember("d1", "a.gouv.fr", "<p>Bonjour le monde</p>", true)}
	repos := []store.RepositoryMember{repoMember("r1", "https://forge.example/plain.git", "", false)}

	for range 2 {
		if _, err := c.Collect(context.Background(), domains, repos); err != nil {
			t.Fatalf("collect: %v", err)
		}
	}
	if loader.calls != 1 || clones != 1 {
		t.Fatalf("loads=%d clones=%d, want 1 each", loader.calls, clones)
	}
	for _, rel := range []string{"websites/d1.html", "websites/d1.md", "websites/d1.fingerprint.json", "repositories/r1.analysis.json"} {
		if _, ok, err := c.Cache().Read(rel); err != nil || !ok {
			t.Errorf("cache %s missing (err=%v)", rel, err)
		}
	}
}

func TestCache_RejectsTraversal(t *testing.T) {
	c := NewCache(t.TempDir())
	if err := c.Write("../outside", []byte("x")); err == nil {
		t.Fatal("expected traversal rejection")
	}
}

func TestCollect_ReachabilityCooldown(t *testing.T) {
	// WHAT: Members that failed to answer within the cool-down are neither
	// loaded nor cloned; older failures are tried again.
	// WHY: A dead host would otherwise cost a browser load or a clone on
	// every run.
	rec := &fakeRecorder{}
	var clones int
	loader := &fakeLoader{}
	c := newTestCollector(t, rec, loader, &clones)
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	recent := now.Add(-time.Minute).UnixMilli()
	stale := now.Add(-8 * 24 * time.Hour).UnixMilli()

	fresh := domainMember("d1", "a.gouv.fr", "<p>Premier site</p>", true)
	fresh.LastReachabilityErrorAt = &recent
	old := domainMember("d2", "b.gouv.fr", "<p>Second site</p>", false)
	old.LastReachabilityErrorAt = &stale
	freshRepo := repoMember("r1", "https://forge.example/plain.git", "desc", false)
	freshRepo.LastReachabilityErrorAt = &recent
	oldRepo := repoMember("r2", "https://forge.example/plain.git", "desc", false)
	oldRepo.LastReachabilityErrorAt = &stale

	content, err := c.Collect(context.Background(),
		[]store.DomainMember{fresh, old}, []store.RepositoryMember{freshRepo, oldRepo})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if loader.calls != 1 || clones != 1 {
		t.Fatalf("loads = %d clones = %d, want 1 each", loader.calls, clones)
	}
	if len(content.Websites) != 2 {
		t.Fatalf("websites = %+v, stored content must still be used", content.Websites)
	}
	if got := content.Websites[0].DeducedTools; len(got) != 0 {
		t.Errorf("cooling down website has tools %v", got)
	}
	if got := content.Websites[1].DeducedTools; !slices.Contains(got, "WordPress") {
		t.Errorf("retried website tools = %v", got)
	}
	if len(content.Repositories) != 1 || content.Repositories[0].RepositoryID != "r2" {
		t.Fatalf("repositories = %+v", content.Repositories)
	}
	if len(rec.domains) != 0 || len(rec.repos) != 0 {
		t.Fatalf("cooling down members recorded again: %v %v", rec.domains, rec.repos)
	}
	if !slices.Equal(rec.clearedDoms, []string{"d2"}) {
		t.Fatalf("cleared = %v, want [d2]", rec.clearedDoms)
	}
}
