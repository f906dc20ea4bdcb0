package enrich

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// ErrMalformedResult is returned when the model answer does not match the
// result schema.
var ErrMalformedResult = errors.New("enrich: malformed model result")

// FunctionalUseCases are the capability flags answered by the model.
type FunctionalUseCases struct {
	GeneratesPDF           bool `json:"generatesPDF"`
	HasVirtualEmailInboxes bool `json:"hasVirtualEmailInboxes"`
	SendsEmails            bool `json:"sendsEmails"`
}

// Result is the structured sheet returned by the model.
type Result struct {
	Name               string             `json:"name"`
	BusinessUseCases   []string           `json:"businessUseCases"`
	Description        string             `json:"description"`
	Tools              []string           `json:"tools"`
	FunctionalUseCases FunctionalUseCases `json:"functionalUseCases"`
}

// ResultSchema constrains provider output to Result.
var ResultSchema = &llm.Schema{
	Type: llm.TypeObject,
	Properties: map[string]*llm.Schema{
		"name":             {Type: llm.TypeString},
		"businessUseCases": {Type: llm.TypeArray, Items: &llm.Schema{Type: llm.TypeString}},
		"description":      {Type: llm.TypeString},
		"tools":            {Type: llm.TypeArray, Items: &llm.Schema{Type: llm.TypeString}},
		"functionalUseCases": {
			Type: llm.TypeObject,
			Properties: map[string]*llm.Schema{
				"generatesPDF":           {Type: llm.TypeBoolean},
				"hasVirtualEmailInboxes": {Type: llm.TypeBoolean},
				"sendsEmails":            {Type: llm.TypeBoolean},
			},
			Required: []string{"generatesPDF", "hasVirtualEmailInboxes", "sendsEmails"},
		},
	},
	Required: []string{"name", "businessUseCases", "description", "tools", "functionalUseCases"},
}

var fencedJSON = regexp.MustCompile("(?s)```json\\s*\\n(.*?)```")

// ParseResult decodes a model answer: either raw JSON or the first fenced
// json block of a markdown answer. Unknown fields are rejected.
func ParseResult(text string) (*Result, error) {
	body := strings.TrimSpace(text)
	if m := fencedJSON.FindStringSubmatch(body); m != nil {
		body = strings.TrimSpace(m[1])
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	var r Result
	if err := dec.Decode(&r); err != nil {
		return nil, faults.Upstream("enrich: parse result", fmt.Errorf("%w: %v", ErrMalformedResult, err))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, faults.Upstream("enrich: parse result", fmt.Errorf("%w: trailing data", ErrMalformedResult))
	}
	if strings.TrimSpace(r.Description) == "" {
		return nil, faults.Upstream("enrich: parse result", fmt.Errorf("%w: empty description", ErrMalformedResult))
	}
	return &r, nil
}

// Sanitize trims free-text fields and capitalizes their first letter.
// Empty and duplicate entries are dropped.
func (r *Result) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Description = capitalizeFirst(strings.TrimSpace(r.Description))
	r.BusinessUseCases = cleanList(r.BusinessUseCases, capitalizeFirst)
	r.Tools = cleanList(r.Tools, nil)
}

// Flags maps the answered capabilities to stored functional use cases.
func (r *Result) Flags() []store.FunctionalUseCase {
	var out []store.FunctionalUseCase
	if r.FunctionalUseCases.GeneratesPDF {
		out = append(out, store.GeneratesPDF)
	}
	if r.FunctionalUseCases.HasVirtualEmailInboxes {
		out = append(out, store.HasVirtualEmailInboxes)
	}
	if r.FunctionalUseCases.SendsEmails {
		out = append(out, store.SendsEmails)
	}
	return out
}

func cleanList(in []string, transform func(string) string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if transform != nil {
			s = transform(s)
		}
		key := strings.ToLower(s)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
