package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
)

// ErrTooManyDocuments is returned when the corpus needs more documents than
// a knowledge base may hold.
var ErrTooManyDocuments = errors.New("knowledge: corpus needs too many documents")

// blockSeparator joins blocks inside a document.
const blockSeparator = "\n"

// Options bound the packing.
type Options struct {
	// DocumentTokenLimit is the provider ceiling per document.
	DocumentTokenLimit int `json:"document_token_limit" yaml:"document_token_limit"`
	// FillRatio is the usable share of DocumentTokenLimit.
	FillRatio float64 `json:"fill_ratio" yaml:"fill_ratio"`
	// MaxDocuments caps the number of documents.
	MaxDocuments int `json:"max_documents" yaml:"max_documents"`
}

// DefaultOptions are the initiatives knowledge base bounds.
var DefaultOptions = Options{DocumentTokenLimit: 2_000_000, FillRatio: 0.98, MaxDocuments: 20}

// Budget is the usable token count per document.
func (o Options) Budget() int { return int(float64(o.DocumentTokenLimit) * o.FillRatio) }

type bin struct {
	blocks []string
	tokens int
}

// Pack places blocks into the fewest documents it can: each block goes
// into the first document with room, keeping corpus order inside every
// document. A block larger than the budget gets a document of its own.
func Pack(ctx context.Context, blocks []Block, tok llm.Tokenizer, opts Options) ([]string, error) {
	budget := opts.Budget()
	if budget <= 0 {
		return nil, faults.Configuration("knowledge: pack", fmt.Errorf("knowledge: invalid budget %d", budget))
	}

	var bins []*bin
	for _, b := range blocks {
		n, err := tok.CountTokens(ctx, b.Text+blockSeparator)
		if err != nil {
			return nil, fmt.Errorf("knowledge: count block %s: %w", b.ID, err)
		}
		placed := false
		if n <= budget {
			for _, target := range bins {
				if target.tokens+n <= budget {
					target.blocks = append(target.blocks, b.Text)
					target.tokens += n
					placed = true
					break
				}
			}
		}
		if !placed {
			// An oversized block fills its document.
			bins = append(bins, &bin{blocks: []string{b.Text}, tokens: min(n, budget)})
		}
	}

	if opts.MaxDocuments > 0 && len(bins) > opts.MaxDocuments {
		return nil, faults.Configuration("knowledge: pack",
			fmt.Errorf("%w: %d over a maximum of %d", ErrTooManyDocuments, len(bins), opts.MaxDocuments))
	}

	docs := make([]string, len(bins))
	for i, b := range bins {
		docs[i] = strings.Join(b.blocks, blockSeparator)
	}
	return docs, nil
}
