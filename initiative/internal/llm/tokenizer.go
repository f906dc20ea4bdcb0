package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE vocabulary used by BPETokenizer.
const DefaultEncoding = "cl100k_base"

var loaderOnce sync.Once

// BPETokenizer counts tokens locally with an embedded BPE vocabulary. It
// never touches the network, so budget checks stay cheap and deterministic.
// Counts approximate the provider's own tokenizer; keep a margin under the
// model limit.
type BPETokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewBPETokenizer loads encoding (empty selects DefaultEncoding).
func NewBPETokenizer(encoding string) (*BPETokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("llm: load encoding %s: %w", encoding, err)
	}
	return &BPETokenizer{enc: enc}, nil
}

// CountTokens implements Tokenizer.
func (t *BPETokenizer) CountTokens(_ context.Context, text string) (int, error) {
	return len(t.enc.Encode(text, nil, nil)), nil
}
