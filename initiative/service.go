// Package initiative aggregates raw domains and repositories into enriched
// initiative records, publishes them as a knowledge base and answers
// questions about them. Service is the single entry point of the CLI, the
// HTTP API and the MCP tools.
package initiative

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/hazyhaar/etabli/dbopen"
	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative/internal/assistant"
	"github.com/hazyhaar/etabli/initiative/internal/checkout"
	"github.com/hazyhaar/etabli/initiative/internal/collect"
	"github.com/hazyhaar/etabli/initiative/internal/enrich"
	"github.com/hazyhaar/etabli/initiative/internal/fingerprint"
	"github.com/hazyhaar/etabli/initiative/internal/inspect"
	"github.com/hazyhaar/etabli/initiative/internal/knowledge"
	"github.com/hazyhaar/etabli/initiative/internal/lifecycle"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/initiative/internal/reconcile"
	"github.com/hazyhaar/etabli/initiative/internal/store"
	"github.com/hazyhaar/etabli/observability"
)

// Open opens (or creates) the service database with every schema applied.
func Open(path string) (*sql.DB, error) {
	return dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(store.Schema),
		dbopen.WithSchema(observability.Schema))
}

// Service runs the pipeline stages and serves the enriched records.
type Service struct {
	cfg      *Config
	logger   *slog.Logger
	store    *store.Store
	events   *observability.EventLogger
	shutdown *lifecycle.Shutdown

	provider  llm.Provider
	tokenizer llm.Tokenizer
	loader    fingerprint.PageLoader
	clone     checkout.CloneFunc

	collector  *collect.Collector
	reconciler *reconcile.Engine
	enricher   *enrich.Enricher
	ingester   *knowledge.Ingester
	assistant  *assistant.Manager
	broker     *assistant.Broker

	closers   []io.Closer
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Service during creation.
type Option func(*Service)

// WithProvider replaces the Gemini provider. The provider is still wrapped
// by the guard chain.
func WithProvider(p llm.Provider) Option {
	return func(svc *Service) { svc.provider = p }
}

// WithTokenizer replaces the configured tokenizer.
func WithTokenizer(t llm.Tokenizer) Option {
	return func(svc *Service) { svc.tokenizer = t }
}

// WithPageLoader replaces the fingerprint page loader.
func WithPageLoader(l fingerprint.PageLoader) Option {
	return func(svc *Service) { svc.loader = l }
}

// WithCloneFunc replaces the git clone used by checkouts.
func WithCloneFunc(fn checkout.CloneFunc) Option {
	return func(svc *Service) { svc.clone = fn }
}

// New creates a Service over db. db must carry the schemas applied by
// Open. Without WithProvider a Gemini client is created from
// cfg.Model.APIKey; without a key the stages calling the model fail with a
// configuration fault while the others still run.
func New(ctx context.Context, db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setLogger(logger)

	st := store.New(db)
	svc := &Service{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		shutdown: &lifecycle.Shutdown{},
		events:   observability.NewEventLogger(db, cfg.EventBuffer, observability.WithLogger(logger)),
		broker:   assistant.NewBroker(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}

	offline := false
	if svc.provider == nil {
		gemini, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:          cfg.Model.APIKey,
			Model:           cfg.Model.Name,
			MaxOutputTokens: cfg.Model.MaxOutputTokens,
			Logger:          logger,
		})
		switch {
		case errors.Is(err, llm.ErrMissingAPIKey):
			logger.Warn("initiative: no model API key, model stages are disabled")
			svc.provider = llm.Unavailable{Err: err}
			offline = true
		case err != nil:
			svc.Close()
			return nil, err
		default:
			svc.provider = gemini
		}
	}
	svc.provider = llm.NewGuarded(svc.provider, cfg.Guard)

	if svc.tokenizer == nil {
		if cfg.Model.Tokenizer == "provider" && !offline {
			svc.tokenizer = svc.provider
		} else {
			bpe, err := llm.NewBPETokenizer(cfg.Model.Encoding)
			if err != nil {
				svc.Close()
				return nil, faults.Configuration("initiative: tokenizer", err)
			}
			svc.tokenizer = bpe
		}
	}

	svc.collector = collect.New(cfg.Collect, svc.collectDeps())
	svc.reconciler = reconcile.New(st, logger, cfg.ReconcileTimeout)
	svc.enricher = enrich.New(cfg.Enrich, enrich.Deps{
		Store:     st,
		Collector: svc.collector,
		Provider:  svc.provider,
		Tokenizer: svc.tokenizer,
		Shutdown:  svc.shutdown,
		Events:    svc.events,
	})
	svc.ingester = knowledge.NewIngester(cfg.Knowledge, st, svc.provider, svc.tokenizer)
	svc.assistant = assistant.NewManager(cfg.Assistant, st, svc.provider, svc.broker)
	return svc, nil
}

func (svc *Service) collectDeps() collect.Deps {
	deps := collect.Deps{Recorder: svc.store}

	switch {
	case svc.cfg.Fingerprint.Disabled:
	case svc.loader != nil:
		deps.Loader = svc.loader
	case svc.cfg.Fingerprint.Browser:
		browser := fingerprint.NewBrowserLoader(fingerprint.BrowserConfig{
			RemoteURL:         svc.cfg.Fingerprint.RemoteURL,
			NavigationTimeout: svc.cfg.Fingerprint.Timeout,
			Logger:            svc.logger,
		})
		svc.closers = append(svc.closers, browser)
		deps.Loader = browser
	default:
		deps.Loader = fingerprint.NewHTTPLoader(svc.cfg.Fingerprint.Timeout)
	}

	if svc.clone != nil {
		cache := collect.NewCache(svc.cfg.Collect.CacheDir)
		deps.Cloner = checkout.NewCloner(checkout.Config{
			Root:   cache.RepositoriesDir(),
			Clone:  svc.clone,
			Logger: svc.logger,
		})
	}

	manifest := &inspect.ManifestInspector{Logger: svc.logger}
	if svc.cfg.SemgrepRules != "" {
		deps.Inspector = &inspect.MultiInspector{
			Inspectors: []inspect.CodeInspector{inspect.NewSemgrepInspector(svc.cfg.SemgrepRules, svc.logger), manifest},
			Logger:     svc.logger,
		}
	} else {
		deps.Inspector = manifest
	}
	return deps
}

// Close releases the broker subscribers, flushes pending events and stops
// the headless browser if one was started. Only the first call has effect.
func (svc *Service) Close() error {
	var errs []error
	svc.closeOnce.Do(func() {
		close(svc.done)
		svc.broker.Close()
		for _, c := range svc.closers {
			errs = append(errs, c.Close())
		}
		errs = append(errs, svc.events.Close())
		svc.logger.Info("initiative: closed")
	})
	return errors.Join(errs...)
}

// RequestShutdown asks the running stage to stop after the current cluster.
func (svc *Service) RequestShutdown() {
	svc.shutdown.Request()
	svc.logger.Warn("initiative: shutdown requested")
}

// ShuttingDown reports whether a shutdown was requested.
func (svc *Service) ShuttingDown() bool { return svc.shutdown.Requested() }
