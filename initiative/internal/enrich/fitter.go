package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative/internal/collect"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
)

// DefaultModelTokenLimit is the prompt budget when none is configured.
const DefaultModelTokenLimit = 16384

// ErrZeroContent is returned when every piece of content was dropped and
// the prompt still did not fit.
var ErrZeroContent = errors.New("enrich: no content left to fit under the token limit")

// CallFunc sends one fitted prompt to the model. Returning an error that
// wraps llm.ErrTokenLimit makes the Fitter drop content and try again.
type CallFunc func(ctx context.Context, prompt string) error

// Fit describes the content that finally went through.
type Fit struct {
	Websites     int
	Repositories int
	Tokens       int
	Passes       int
}

// Fitter keeps prompts under the model budget by dropping content.
type Fitter struct {
	Prompt    *Prompt
	Tokenizer llm.Tokenizer
	// Limit is the exclusive token ceiling. Default: DefaultModelTokenLimit.
	Limit  int
	Logger *slog.Logger
}

func (f *Fitter) limit() int {
	if f.Limit <= 0 {
		return DefaultModelTokenLimit
	}
	return f.Limit
}

// Overflow returns an error wrapping llm.ErrTokenLimit when the provider
// counted promptTokens at or above the limit. Zero means the provider did
// not report usage.
func (f *Fitter) Overflow(promptTokens int) error {
	if limit := f.limit(); promptTokens >= limit {
		return faults.TokenLimit("enrich: provider usage",
			fmt.Errorf("%w: provider counted %d tokens, limit %d", llm.ErrTokenLimit, promptTokens, limit))
	}
	return nil
}

// Fit renders content, drops the least useful parts until the prompt fits,
// then calls the model. Repositories go first, last one first; websites
// only once no repository is left. Every pass removes one item, so there
// are at most len(websites)+len(repositories)+1 passes. The model is never
// called with a prompt at or above the limit.
func (f *Fitter) Fit(ctx context.Context, content *collect.Content, call CallFunc) (*Fit, error) {
	limit := f.limit()
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	websites := append([]collect.WebsiteContent(nil), content.Websites...)
	repositories := append([]collect.RepositoryContent(nil), content.Repositories...)
	maxPasses := len(websites) + len(repositories) + 1

	for pass := 1; pass <= maxPasses; pass++ {
		if len(websites)+len(repositories) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		prompt, err := f.Prompt.Render(websites, repositories, content.DeducedTools)
		if err != nil {
			return nil, err
		}
		tokens, err := f.Tokenizer.CountTokens(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("enrich: count tokens: %w", err)
		}

		if tokens < limit {
			err := call(ctx, prompt)
			if err == nil {
				return &Fit{Websites: len(websites), Repositories: len(repositories), Tokens: tokens, Passes: pass}, nil
			}
			if !errors.Is(err, llm.ErrTokenLimit) {
				return nil, err
			}
			logger.InfoContext(ctx, "enrich: model rejected prompt size", "tokens", tokens, "pass", pass)
		} else {
			logger.DebugContext(ctx, "enrich: prompt over budget",
				"tokens", tokens, "limit", limit,
				"websites", len(websites), "repositories", len(repositories))
		}

		if n := len(repositories); n > 0 {
			repositories = repositories[:n-1]
		} else {
			websites = websites[:len(websites)-1]
		}
	}
	return nil, faults.TokenLimit("enrich: fit", ErrZeroContent)
}
