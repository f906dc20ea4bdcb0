package initiative

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/etabli/initiative/internal/enrich"
	"github.com/hazyhaar/etabli/initiative/internal/graph"
	"github.com/hazyhaar/etabli/initiative/internal/knowledge"
	"github.com/hazyhaar/etabli/initiative/internal/reconcile"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// Reports of the pipeline stages.
type (
	InferReport  = reconcile.Report
	FeedReport   = enrich.Report
	IngestResult = knowledge.Result
)

// InferInitiatives clusters every eligible raw domain and repository and
// reconciles the stored maps with the result. Maps whose membership changed
// are flagged for enrichment and the initiatives knowledge base for a new
// ingestion.
func (svc *Service) InferInitiatives(ctx context.Context) (report InferReport, err error) {
	done := svc.events.Track("infer", "")
	defer func() { done(report, err) }()

	if err = svc.shutdown.Check("initiative: infer"); err != nil {
		return report, err
	}

	domains, err := svc.store.EligibleRawDomains(ctx)
	if err != nil {
		return report, fmt.Errorf("initiative: infer: %w", err)
	}
	repositories, err := svc.store.EligibleRawRepositories(ctx)
	if err != nil {
		return report, fmt.Errorf("initiative: infer: %w", err)
	}

	g := graph.Build(domainInputs(domains), repositoryInputs(repositories))
	clusters := graph.Resolve(g)
	svc.logger.InfoContext(ctx, "initiative: graph built",
		"domains", len(domains), "repositories", len(repositories), "clusters", len(clusters))

	return svc.reconciler.Run(ctx, clusters)
}

func domainInputs(domains []*store.RawDomain) []graph.DomainInput {
	in := make([]graph.DomainInput, 0, len(domains))
	for _, d := range domains {
		in = append(in, graph.DomainInput{
			ID:                    d.ID,
			Name:                  d.Name,
			ProbableRepositoryURL: d.ProbableRepositoryURL,
			ParentID:              d.MainSimilarDomainID,
		})
	}
	return in
}

func repositoryInputs(repositories []*store.RawRepository) []graph.RepositoryInput {
	in := make([]graph.RepositoryInput, 0, len(repositories))
	for _, r := range repositories {
		in = append(in, graph.RepositoryInput{
			ID:                    r.ID,
			Homepage:              r.Homepage,
			ProbableWebsiteDomain: r.ProbableWebsiteDomain,
			ParentID:              r.MainSimilarRepositoryID,
		})
	}
	return in
}

// FeedInitiatives enriches every map flagged for update.
func (svc *Service) FeedInitiatives(ctx context.Context) (report FeedReport, err error) {
	done := svc.events.Track("feed", "")
	defer func() { done(report, err) }()
	return svc.enricher.Run(ctx)
}

// IngestInitiatives republishes the initiatives knowledge base.
func (svc *Service) IngestInitiatives(ctx context.Context) (*IngestResult, error) {
	return svc.ingest(ctx, store.KnowledgeInitiatives)
}

// IngestTools republishes the tools knowledge base.
func (svc *Service) IngestTools(ctx context.Context) (*IngestResult, error) {
	return svc.ingest(ctx, store.KnowledgeTools)
}

func (svc *Service) ingest(ctx context.Context, kind store.KnowledgeKind) (res *IngestResult, err error) {
	done := svc.events.Track("ingest_"+string(kind), "")
	defer func() { done(res, err) }()

	if err = svc.shutdown.Check("initiative: ingest"); err != nil {
		return nil, err
	}
	return svc.ingester.Ingest(ctx, kind)
}

// RefreshKnowledge ingests each knowledge base that is due: flagged by a
// change, never published, or close to expiring at the provider. Tools go
// first since enrichment reads them. A kind with an empty corpus is
// skipped.
func (svc *Service) RefreshKnowledge(ctx context.Context) ([]*IngestResult, error) {
	var out []*IngestResult
	for _, kind := range []store.KnowledgeKind{store.KnowledgeTools, store.KnowledgeInitiatives} {
		due, err := svc.ingester.Due(ctx, kind)
		if err != nil {
			return out, fmt.Errorf("initiative: refresh %s: %w", kind, err)
		}
		if !due {
			continue
		}
		res, err := svc.ingest(ctx, kind)
		if errors.Is(err, knowledge.ErrEmptyCorpus) {
			svc.logger.InfoContext(ctx, "initiative: nothing to ingest", "kind", kind)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}
