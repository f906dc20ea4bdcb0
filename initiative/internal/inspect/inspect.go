// Package inspect extracts function names and dependencies from a
// repository checkout.
package inspect

import (
	"context"
	"strings"
	"unicode"
)

// Report is the analysis of one checkout.
type Report struct {
	Functions    []string `json:"functions"`
	Dependencies []string `json:"dependencies"`
}

// CodeInspector analyses the source tree rooted at dir.
type CodeInspector interface {
	Inspect(ctx context.Context, dir string) (*Report, error)
}

// IsMeaningfulFunction reports whether name has more than one word once
// split on case changes and separators. Single words carry no business
// signal and are typical of minified code.
func IsMeaningfulFunction(name string) bool {
	return len(splitWords(name)) > 1
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if unicode.IsUpper(r) && len(cur) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

// unique drops empty and repeated entries, keeping first-seen order.
func unique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
