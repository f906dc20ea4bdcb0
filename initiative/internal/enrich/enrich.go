package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative/internal/collect"
	"github.com/hazyhaar/etabli/initiative/internal/lifecycle"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/initiative/internal/store"
	"github.com/hazyhaar/etabli/observability"
)

// ErrToolsNotIngested is returned when enrichment starts before the tools
// knowledge document exists.
var ErrToolsNotIngested = errors.New("enrich: tools knowledge document is not ingested")

// Config configures an Enricher.
type Config struct {
	// ModelTokenLimit is the prompt budget. Default: 16384.
	ModelTokenLimit int `json:"model_token_limit" yaml:"model_token_limit"`

	// ClusterDelay separates two clusters. Default: 1s. Negative disables.
	ClusterDelay time.Duration `json:"cluster_delay" yaml:"cluster_delay"`

	// TxTimeout bounds the write of one result. Default: 1m.
	TxTimeout time.Duration `json:"tx_timeout" yaml:"tx_timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.ModelTokenLimit <= 0 {
		c.ModelTokenLimit = DefaultModelTokenLimit
	}
	if c.ClusterDelay < 0 {
		c.ClusterDelay = 0
	} else if c.ClusterDelay == 0 {
		c.ClusterDelay = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Deps are the collaborators of an Enricher. Tokenizer nil counts with
// the Provider; Shutdown and Events may be nil.
type Deps struct {
	Store     *store.Store
	Collector *collect.Collector
	Provider  llm.Provider
	Tokenizer llm.Tokenizer
	Shutdown  *lifecycle.Shutdown
	Events    *observability.EventLogger
}

// Report summarizes a run.
type Report struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Enricher drives clusters flagged for enrichment through collection,
// the model and persistence, one at a time.
type Enricher struct {
	cfg       Config
	deps      Deps
	fitter    *Fitter
	persister *Persister
}

// New creates an Enricher.
func New(cfg Config, deps Deps) *Enricher {
	cfg.defaults()
	tokenizer := deps.Tokenizer
	if tokenizer == nil {
		tokenizer = deps.Provider
	}
	return &Enricher{
		cfg:  cfg,
		deps: deps,
		fitter: &Fitter{
			Prompt:    NewPrompt(),
			Tokenizer: tokenizer,
			Limit:     cfg.ModelTokenLimit,
			Logger:    cfg.Logger,
		},
		persister: &Persister{Store: deps.Store, Timeout: cfg.TxTimeout},
	}
}

// Run enriches every live cluster flagged for it, in ID order. A failed
// cluster is logged and left flagged for the next run; configuration,
// shutdown and ingestion faults end the run.
func (e *Enricher) Run(ctx context.Context) (Report, error) {
	var report Report
	st, err := e.deps.Store.Settings(ctx)
	if err != nil {
		return report, err
	}
	toolsDocs := st.Documents(store.KnowledgeTools)
	if len(toolsDocs) == 0 {
		return report, faults.Configuration("enrich: run", ErrToolsNotIngested)
	}

	maps, err := e.deps.Store.MapsNeedingUpdate(ctx)
	if err != nil {
		return report, fmt.Errorf("enrich: list clusters: %w", err)
	}
	e.cfg.Logger.InfoContext(ctx, "enrich: run started", "clusters", len(maps))

	for i, m := range maps {
		if err := e.deps.Shutdown.Check("enrich: run"); err != nil {
			return report, err
		}
		if i > 0 {
			if err := sleep(ctx, e.cfg.ClusterDelay); err != nil {
				return report, err
			}
		}

		report.Processed++
		done := e.deps.Events.Track("enrich", m.ID)
		in, err := e.Enrich(ctx, m, toolsDocs)
		if err != nil {
			done(nil, err)
			report.Failed++
			if faults.StopsRun(err) || ctx.Err() != nil {
				return report, err
			}
			e.cfg.Logger.WarnContext(ctx, "enrich: cluster failed",
				"map_id", m.ID, "error_kind", faults.KindOf(err), "error", err)
			if errors.Is(err, collect.ErrNoContent) {
				if merr := e.deps.Store.MarkMapUnreachable(ctx, m.ID); merr != nil {
					e.cfg.Logger.Warn("enrich: mark cluster unreachable", "map_id", m.ID, "error", merr)
				}
			}
			continue
		}
		done(map[string]string{"initiative_id": in.ID, "name": in.Name}, nil)
		report.Succeeded++
	}

	e.cfg.Logger.InfoContext(ctx, "enrich: run finished",
		"processed", report.Processed, "succeeded", report.Succeeded, "failed", report.Failed)
	return report, nil
}

// Enrich processes one cluster: collect, fit and ask, then persist.
func (e *Enricher) Enrich(ctx context.Context, m *store.InitiativeMap, toolsDocs []string) (*store.Initiative, error) {
	domains, repositories, err := e.deps.Store.MapMembers(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("enrich: load members: %w", err)
	}
	cluster := Cluster{Map: m, Domains: domains, Repositories: repositories}

	content, err := e.deps.Collector.Collect(ctx, domains, repositories)
	if err != nil {
		return nil, err
	}

	var result *Result
	fit, err := e.fitter.Fit(ctx, content, func(ctx context.Context, prompt string) error {
		completion, err := e.deps.Provider.Complete(ctx, llm.CompletionRequest{
			System:    SystemInstructions,
			Prompt:    prompt,
			Documents: toolsDocs,
			Schema:    ResultSchema,
		})
		if err != nil {
			return err
		}
		if err := e.fitter.Overflow(completion.PromptTokens); err != nil {
			return err
		}
		result, err = ParseResult(completion.Text)
		return err
	})
	if err != nil {
		return nil, err
	}
	result.Sanitize()

	in, err := e.persister.Save(ctx, cluster, result)
	if err != nil {
		return nil, fmt.Errorf("enrich: save %s: %w", m.ID, err)
	}
	e.cfg.Logger.InfoContext(ctx, "enrich: initiative saved",
		"map_id", m.ID, "initiative_id", in.ID, "name", in.Name,
		"websites", fit.Websites, "repositories", fit.Repositories, "tokens", fit.Tokens)
	return in, nil
}

func sleep(ctx context.Context, d time.Duration) error {
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
