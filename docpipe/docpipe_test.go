package docpipe

import (
	"context"
	"errors"
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const samplePage = `<!doctype html>
<html><head>
<title>Démarches simplifiées</title>
<meta name="description" content="Dématérialiser les démarches administratives">
<meta name="generator" content="WordPress 6.4">
<style>body{color:red}</style>
</head><body>
<nav><a href="/accueil">Accueil</a></nav>
<h1>Démarches</h1>
<p>Créez un <strong>formulaire</strong> en ligne.</p>
<img src="/logo.png" alt="logo-image">
<svg><text>vector-label</text></svg>
<div style="display:none">hidden-text</div>
<table><tr><th>Service</th><th>Statut</th></tr><tr><td>API</td><td>ouvert</td></tr></table>
<script>var tracker = 1;</script>
</body></html>`

func TestConvert(t *testing.T) {
	// WHAT: Structure survives as markdown, images, vectors, scripts and
	// hidden nodes do not.
	// WHY: Only readable text is worth prompt tokens.
	page, err := New(Config{}).Convert(context.Background(), samplePage, "https://demarches.gouv.fr")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if page.Title != "Démarches simplifiées" {
		t.Errorf("title = %q", page.Title)
	}
	if page.Description != "Dématérialiser les démarches administratives" {
		t.Errorf("description = %q", page.Description)
	}
	for _, want := range []string{"# Démarches", "**formulaire**", "Service", "|"} {
		if !strings.Contains(page.Markdown, want) {
			t.Errorf("markdown lacks %q:\n%s", want, page.Markdown)
		}
	}
	for _, bad := range []string{"logo-image", "vector-label", "hidden-text", "tracker", "color:red", "!["} {
		if strings.Contains(page.Markdown, bad) {
			t.Errorf("markdown contains %q:\n%s", bad, page.Markdown)
		}
	}
}

func TestConvert_KeepHidden(t *testing.T) {
	page, err := New(Config{KeepHidden: true}).Convert(context.Background(), samplePage, "")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(page.Markdown, "hidden-text") {
		t.Fatalf("hidden text dropped with KeepHidden:\n%s", page.Markdown)
	}
}

func TestHTMLToMarkdown_PrefixesDescription(t *testing.T) {
	out, err := HTMLToMarkdown(context.Background(), samplePage, "")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.HasPrefix(out, "Description: Dématérialiser") {
		t.Fatalf("output = %q", out)
	}
}

func TestConvert_Empty(t *testing.T) {
	// WHAT: A page made only of scripts yields ErrEmptyContent.
	// WHY: The collector skips such websites instead of sending an empty block.
	_, err := New(Config{}).Convert(context.Background(),
		`<html><body><script>render()</script><img src="a.png"></body></html>`, "")
	if !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}
}

func TestConvert_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Config{}).Convert(ctx, samplePage, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMetaGenerator(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(samplePage))
	if err != nil {
		t.Fatal(err)
	}
	if got := MetaGenerator(doc); got != "WordPress 6.4" {
		t.Fatalf("generator = %q, want %q", got, "WordPress 6.4")
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		html string
		want bool
	}{
		{`<div style="display: none">x</div>`, true},
		{`<div style="visibility:hidden">x</div>`, true},
		{`<div hidden>x</div>`, true},
		{`<div aria-hidden="true">x</div>`, true},
		{`<div style="color: blue">x</div>`, false},
	}
	for _, tt := range tests {
		doc, err := html.Parse(strings.NewReader(tt.html))
		if err != nil {
			t.Fatal(err)
		}
		div := findElement(doc, "div")
		if div == nil {
			t.Fatalf("no div in %q", tt.html)
		}
		if got := isHidden(div); got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.html, got, tt.want)
		}
	}
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := findElement(c, tag); f != nil {
			return f
		}
	}
	return nil
}
