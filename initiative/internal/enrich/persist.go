package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/etabli/dbopen"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// ErrNoName is returned when a cluster has no member to name it after.
var ErrNoName = errors.New("enrich: initiative name cannot be inferred")

// Cluster is a persisted cluster with its members, main ones first.
type Cluster struct {
	Map          *store.InitiativeMap
	Domains      []store.DomainMember
	Repositories []store.RepositoryMember
}

// InitiativeName names a cluster after its first domain (the inferred
// website name when known, which reads better than a host name), else
// after its first repository.
func InitiativeName(c Cluster) (string, error) {
	if len(c.Domains) > 0 {
		d := c.Domains[0]
		if d.WebsiteInferredName != "" {
			return d.WebsiteInferredName, nil
		}
		return d.Name, nil
	}
	if len(c.Repositories) > 0 {
		return c.Repositories[0].Name, nil
	}
	return "", ErrNoName
}

// Persister writes enrichment results.
type Persister struct {
	Store *store.Store
	// Timeout bounds the write transaction. Default: 1m.
	Timeout time.Duration
}

// Save upserts the initiative of c from r in one transaction: associations
// are replaced, only tools already known are linked, business use cases
// are created on demand, and the cluster leaves the enrichment queue.
func (p *Persister) Save(ctx context.Context, c Cluster, r *Result) (*store.Initiative, error) {
	name, err := InitiativeName(c)
	if err != nil {
		return nil, err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	in := &store.Initiative{
		OriginID:           c.Map.ID,
		Name:               name,
		Description:        r.Description,
		Websites:           make([]string, 0, len(c.Domains)),
		Repositories:       make([]string, 0, len(c.Repositories)),
		FunctionalUseCases: r.Flags(),
	}
	for _, d := range c.Domains {
		in.Websites = append(in.Websites, "https://"+d.Name)
	}
	for _, repo := range c.Repositories {
		in.Repositories = append(in.Repositories, repo.RepositoryURL)
	}

	err = p.Store.InTx(ctx, func(tx *store.Store) error {
		if err := tx.UpsertInitiative(ctx, in); err != nil {
			return err
		}

		tools, err := tx.ToolsByNames(ctx, r.Tools)
		if err != nil {
			return fmt.Errorf("enrich: match tools: %w", err)
		}
		toolIDs := make([]string, 0, len(tools))
		for _, t := range tools {
			toolIDs = append(toolIDs, t.ID)
		}
		if err := tx.SetInitiativeTools(ctx, in.ID, toolIDs); err != nil {
			return fmt.Errorf("enrich: link tools: %w", err)
		}

		useCaseIDs := make([]string, 0, len(r.BusinessUseCases))
		for _, name := range r.BusinessUseCases {
			b, err := tx.EnsureBusinessUseCase(ctx, name)
			if err != nil {
				return fmt.Errorf("enrich: business use case %q: %w", name, err)
			}
			useCaseIDs = append(useCaseIDs, b.ID)
		}
		if err := tx.SetInitiativeBusinessUseCases(ctx, in.ID, useCaseIDs); err != nil {
			return fmt.Errorf("enrich: link business use cases: %w", err)
		}

		if err := tx.ClearNeedsUpdate(ctx, c.Map.ID); err != nil {
			return err
		}
		return tx.FlagIngestion(ctx, store.KnowledgeInitiatives)
	}, dbopen.WithTxTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return in, nil
}
