package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// ErrEmptyCorpus is returned when there is nothing to ingest.
var ErrEmptyCorpus = errors.New("knowledge: corpus is empty")

// ErrDocumentFailed is returned when the provider could not process a
// document.
var ErrDocumentFailed = errors.New("knowledge: document processing failed")

// ErrProcessingTimeout is returned when a document is still processing
// after Config.ProcessingTimeout.
var ErrProcessingTimeout = errors.New("knowledge: document processing timed out")

// Config configures an Ingester.
type Config struct {
	// Initiatives bounds the initiatives knowledge base. Default:
	// DefaultOptions.
	Initiatives Options `json:"initiatives" yaml:"initiatives"`

	// Tools bounds the tools knowledge base. MaxDocuments is always 1.
	Tools Options `json:"tools" yaml:"tools"`

	// PollInterval spaces document state checks. Default: 5s.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// ProcessingTimeout bounds the wait for one document. Default: 1m.
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout"`

	// MaxAge makes a published knowledge base due again once it is older,
	// ahead of the provider deleting its documents. Zero never expires.
	MaxAge time.Duration `json:"max_age" yaml:"max_age"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	fill := func(o *Options) {
		if o.DocumentTokenLimit <= 0 {
			o.DocumentTokenLimit = DefaultOptions.DocumentTokenLimit
		}
		if o.FillRatio <= 0 || o.FillRatio > 1 {
			o.FillRatio = DefaultOptions.FillRatio
		}
		if o.MaxDocuments <= 0 {
			o.MaxDocuments = DefaultOptions.MaxDocuments
		}
	}
	fill(&c.Initiatives)
	fill(&c.Tools)
	c.Tools.MaxDocuments = 1
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result describes a successful ingestion.
type Result struct {
	Kind        store.KnowledgeKind `json:"kind"`
	DocumentIDs []string            `json:"document_ids"`
	Replaced    []string            `json:"replaced"`
}

// Ingester publishes a knowledge base to the provider.
type Ingester struct {
	cfg       Config
	store     *store.Store
	provider  llm.Provider
	tokenizer llm.Tokenizer
	now       func() time.Time
}

// NewIngester creates an Ingester. tokenizer nil counts with provider.
func NewIngester(cfg Config, st *store.Store, provider llm.Provider, tokenizer llm.Tokenizer) *Ingester {
	cfg.defaults()
	if tokenizer == nil {
		tokenizer = provider
	}
	return &Ingester{cfg: cfg, store: st, provider: provider, tokenizer: tokenizer, now: time.Now}
}

// Ready reports whether the knowledge base of kind has documents.
func (in *Ingester) Ready(ctx context.Context, kind store.KnowledgeKind) (bool, error) {
	st, err := in.store.Settings(ctx)
	if err != nil {
		return false, err
	}
	return len(st.Documents(kind)) > 0, nil
}

// Due reports whether kind should be ingested again: it was flagged by a
// change, was never published, or is older than MaxAge.
func (in *Ingester) Due(ctx context.Context, kind store.KnowledgeKind) (bool, error) {
	st, err := in.store.Settings(ctx)
	if err != nil {
		return false, err
	}
	if st.Pending(kind) || len(st.Documents(kind)) == 0 {
		return true, nil
	}
	at := st.IngestedAt(kind)
	if in.cfg.MaxAge <= 0 || at == nil {
		return false, nil
	}
	return in.now().Sub(time.UnixMilli(*at)) >= in.cfg.MaxAge, nil
}

// Documents returns the current document IDs of kind.
func (in *Ingester) Documents(ctx context.Context, kind store.KnowledgeKind) ([]string, error) {
	st, err := in.store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	return st.Documents(kind), nil
}

// Ingest renders the corpus of kind, uploads it and swaps it in. Either
// every document is processed and the bookkeeping points at the new
// generation, or everything uploaded by this call is deleted and the
// previous generation stays in place.
//
// A change flagged while the run was reading or uploading keeps kind
// pending, so the next run picks it up.
func (in *Ingester) Ingest(ctx context.Context, kind store.KnowledgeKind) (*Result, error) {
	base, err := in.store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	blocks, err := in.corpus(ctx, kind)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, faults.Configuration("knowledge: ingest", fmt.Errorf("%w: %s", ErrEmptyCorpus, kind))
	}

	opts := in.cfg.Initiatives
	if kind == store.KnowledgeTools {
		opts = in.cfg.Tools
	}
	docs, err := Pack(ctx, blocks, in.tokenizer, opts)
	if err != nil {
		return nil, err
	}
	in.cfg.Logger.InfoContext(ctx, "knowledge: corpus packed",
		"kind", kind, "blocks", len(blocks), "documents", len(docs))

	var uploaded []string
	for i, content := range docs {
		name := fmt.Sprintf("etabli_%s_%d.md", kind, i+1)
		doc, err := in.provider.UploadDocument(ctx, name, content)
		if err != nil {
			in.rollback(ctx, uploaded)
			return nil, faults.BatchIngestion("knowledge: upload", fmt.Errorf("%s: %w", name, err))
		}
		uploaded = append(uploaded, doc.ID)
	}

	if err := in.waitProcessed(ctx, uploaded); err != nil {
		in.rollback(ctx, uploaded)
		return nil, faults.BatchIngestion("knowledge: process", err)
	}

	var previous []string
	err = in.store.InTx(ctx, func(tx *store.Store) error {
		st, err := tx.Settings(ctx)
		if err != nil {
			return err
		}
		previous = st.Documents(kind)
		flagged := st.Version != base.Version && st.Pending(kind)
		st.SetDocuments(kind, uploaded, in.now().UnixMilli())
		if flagged {
			st.MarkPending(kind)
			in.cfg.Logger.InfoContext(ctx, "knowledge: corpus changed during ingestion, kept pending", "kind", kind)
		}
		return tx.SaveSettings(ctx, st)
	})
	if err != nil {
		in.rollback(ctx, uploaded)
		return nil, faults.BatchIngestion("knowledge: bookkeeping", err)
	}

	for _, id := range previous {
		if err := in.provider.DeleteDocument(ctx, id); err != nil {
			in.cfg.Logger.WarnContext(ctx, "knowledge: delete previous document", "id", id, "error", err)
		}
	}
	in.cfg.Logger.InfoContext(ctx, "knowledge: ingested",
		"kind", kind, "documents", len(uploaded), "replaced", len(previous))
	return &Result{Kind: kind, DocumentIDs: uploaded, Replaced: previous}, nil
}

func (in *Ingester) corpus(ctx context.Context, kind store.KnowledgeKind) ([]Block, error) {
	var blocks []Block
	var err error
	if kind == store.KnowledgeTools {
		err = in.store.EachTool(ctx, func(t *store.Tool) error {
			blocks = append(blocks, RenderTool(t))
			return nil
		})
	} else {
		err = in.store.EachInitiative(ctx, func(i *store.Initiative) error {
			blocks = append(blocks, RenderInitiative(i))
			return nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s corpus: %w", kind, err)
	}
	return blocks, nil
}

// waitProcessed polls every document concurrently until all are ready.
// The first failure cancels the other waits.
func (in *Ingester) waitProcessed(ctx context.Context, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return in.waitOne(gctx, id) })
	}
	return g.Wait()
}

func (in *Ingester) waitOne(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, in.cfg.ProcessingTimeout)
	defer cancel()
	ticker := time.NewTicker(in.cfg.PollInterval)
	defer ticker.Stop()
	for {
		state, err := in.provider.DocumentState(ctx, id)
		if err != nil {
			return fmt.Errorf("knowledge: state of %s: %w", id, err)
		}
		switch state {
		case llm.DocumentReady:
			return nil
		case llm.DocumentFailed:
			return fmt.Errorf("%w: %s", ErrDocumentFailed, id)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrProcessingTimeout, id)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// rollback deletes documents uploaded by a failed run. It runs even when
// ctx is cancelled so that no orphan stays on the provider.
func (in *Ingester) rollback(ctx context.Context, ids []string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	for _, id := range ids {
		if err := in.provider.DeleteDocument(ctx, id); err != nil {
			in.cfg.Logger.ErrorContext(ctx, "knowledge: rollback delete", "id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		in.cfg.Logger.WarnContext(ctx, "knowledge: run rolled back", "documents", len(ids))
	}
}
