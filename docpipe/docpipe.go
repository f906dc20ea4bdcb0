// Package docpipe turns collected website HTML into the markdown given to
// the model.
//
// The pipeline runs in three passes:
//   - x/net/html parses the page, reads its title and meta description and
//     drops script, style and hidden nodes
//   - bluemonday keeps structural markup only (no img, no svg)
//   - html-to-markdown renders the result with the base, commonmark and
//     table plugins
//
// Usage:
//
//	pipe := docpipe.New(docpipe.Config{})
//	page, err := pipe.Convert(ctx, rawHTML, "https://example.gouv.fr")
//	fmt.Println(page.Markdown)
package docpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// ErrEmptyContent is returned when a page yields no text at all.
var ErrEmptyContent = errors.New("docpipe: page has no textual content")

// Page is the converted form of a website.
type Page struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Markdown    string `json:"markdown"`
}

// Text returns the markdown prefixed with the meta description, the form
// embedded in prompts.
func (p *Page) Text() string {
	if p.Description == "" {
		return p.Markdown
	}
	return "Description: " + p.Description + "\n\n" + p.Markdown
}

// Converter turns website HTML into markdown.
type Converter interface {
	Convert(ctx context.Context, rawHTML, pageURL string) (*Page, error)
}

// Pipeline is the default Converter.
type Pipeline struct {
	cfg    Config
	policy *bluemonday.Policy
	md     *converter.Converter
}

// New creates a Pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		cfg:    cfg,
		policy: structuralPolicy(),
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

var defaultPipeline = New(Config{})

// HTMLToMarkdown converts rawHTML with a default Pipeline and returns the
// prompt form of the page.
func HTMLToMarkdown(ctx context.Context, rawHTML, pageURL string) (string, error) {
	page, err := defaultPipeline.Convert(ctx, rawHTML, pageURL)
	if err != nil {
		return "", err
	}
	return page.Text(), nil
}

// Convert parses, sanitizes and renders rawHTML. pageURL resolves relative
// links and may be empty.
func (p *Pipeline) Convert(ctx context.Context, rawHTML, pageURL string) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(rawHTML) > p.cfg.MaxInputSize {
		p.cfg.Logger.Debug("docpipe: truncating input", "url", pageURL, "size", len(rawHTML))
		rawHTML = rawHTML[:p.cfg.MaxInputSize]
	}

	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("docpipe: parse %s: %w", pageURL, err)
	}
	page := &Page{
		Title:       findTitle(doc),
		Description: findMetaDescription(doc),
	}

	prune(doc, !p.cfg.KeepHidden)
	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("docpipe: render %s: %w", pageURL, err)
	}
	clean := p.policy.SanitizeBytes(buf.Bytes())

	var md string
	if pageURL != "" {
		md, err = p.md.ConvertString(string(clean), converter.WithDomain(pageURL))
	} else {
		md, err = p.md.ConvertString(string(clean))
	}
	if err != nil {
		return nil, fmt.Errorf("docpipe: markdown %s: %w", pageURL, err)
	}
	page.Markdown = strings.TrimSpace(md)

	if page.Markdown == "" && page.Description == "" {
		return nil, ErrEmptyContent
	}
	return page, nil
}

// structuralPolicy keeps text structure and links. Images and vector
// graphics carry nothing useful for the model and inflate the token count.
func structuralPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowAttrs("href").OnElements("a")
	p.AllowElements(
		"h1", "h2", "h3", "h4", "h5", "h6",
		"p", "br", "hr", "div", "span", "section", "article", "main", "header", "footer", "nav",
		"ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
		"strong", "em", "b", "i", "u", "code", "pre", "blockquote", "a",
	)
	p.SkipElementsContent("svg", "script", "style", "noscript", "template")
	return p
}
