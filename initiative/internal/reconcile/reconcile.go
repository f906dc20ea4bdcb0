// Package reconcile diffs freshly computed clusters against the persisted
// ones and applies the difference in one transaction.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/hazyhaar/etabli/dbopen"
	"github.com/hazyhaar/etabli/initiative/internal/graph"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// Snapshot is the comparable shape of a cluster.
type Snapshot struct {
	MainItemIdentifier string
	DomainIDs          []string
	RepositoryIDs      []string
}

// FromCluster converts a computed cluster.
func FromCluster(c graph.Cluster) Snapshot {
	s := Snapshot{MainItemIdentifier: c.MainID}
	for _, m := range c.Members {
		if m.Kind == graph.KindDomain {
			s.DomainIDs = append(s.DomainIDs, m.ID)
		} else {
			s.RepositoryIDs = append(s.RepositoryIDs, m.ID)
		}
	}
	return s.normalized()
}

// FromMap converts a persisted cluster.
func FromMap(m *store.InitiativeMap) Snapshot {
	s := Snapshot{MainItemIdentifier: m.MainItemIdentifier}
	for _, d := range m.Domains {
		s.DomainIDs = append(s.DomainIDs, d.ID)
	}
	for _, r := range m.Repositories {
		s.RepositoryIDs = append(s.RepositoryIDs, r.ID)
	}
	return s.normalized()
}

func (s Snapshot) normalized() Snapshot {
	s.DomainIDs = slices.Clone(s.DomainIDs)
	s.RepositoryIDs = slices.Clone(s.RepositoryIDs)
	sort.Strings(s.DomainIDs)
	sort.Strings(s.RepositoryIDs)
	return s
}

func (s Snapshot) sameMembers(o Snapshot) bool {
	return slices.Equal(s.DomainIDs, o.DomainIDs) && slices.Equal(s.RepositoryIDs, o.RepositoryIDs)
}

func (s Snapshot) members() (domains, repositories []store.Member) {
	for _, id := range s.DomainIDs {
		domains = append(domains, store.Member{ID: id, Main: id == s.MainItemIdentifier})
	}
	for _, id := range s.RepositoryIDs {
		repositories = append(repositories, store.Member{ID: id, Main: id == s.MainItemIdentifier})
	}
	return domains, repositories
}

// Plan is the set of changes turning stored into computed.
type Plan struct {
	Added   []Snapshot
	Updated []Snapshot
	Deleted []Snapshot
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Added) == 0 && len(p.Updated) == 0 && len(p.Deleted) == 0
}

// Diff compares snapshots keyed by main item identifier. A cluster present
// on both sides is updated only when its membership set differs.
func Diff(stored, computed []Snapshot) Plan {
	old := make(map[string]Snapshot, len(stored))
	for _, s := range stored {
		old[s.MainItemIdentifier] = s.normalized()
	}

	var p Plan
	seen := make(map[string]bool, len(computed))
	for _, c := range computed {
		c = c.normalized()
		seen[c.MainItemIdentifier] = true
		prev, ok := old[c.MainItemIdentifier]
		switch {
		case !ok:
			p.Added = append(p.Added, c)
		case !prev.sameMembers(c):
			p.Updated = append(p.Updated, c)
		}
	}
	for _, s := range stored {
		if !seen[s.MainItemIdentifier] {
			p.Deleted = append(p.Deleted, s.normalized())
		}
	}
	sortSnapshots(p.Added)
	sortSnapshots(p.Updated)
	sortSnapshots(p.Deleted)
	return p
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool { return s[i].MainItemIdentifier < s[j].MainItemIdentifier })
}

// Report counts the applied changes.
type Report struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Changed reports whether anything was applied.
func (r Report) Changed() bool { return r.Added+r.Updated+r.Deleted > 0 }

// Engine applies plans to the store.
type Engine struct {
	store   *store.Store
	logger  *slog.Logger
	timeout time.Duration
}

// New creates an Engine. timeout bounds the single transaction of a run;
// zero selects one minute.
func New(st *store.Store, logger *slog.Logger, timeout time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Engine{store: st, logger: logger, timeout: timeout}
}

// Run reconciles clusters with the persisted state. Every change of the run
// commits together or not at all; rerunning on the same input is a no-op.
// Any change flags the initiatives knowledge base for re-ingestion.
func (e *Engine) Run(ctx context.Context, clusters []graph.Cluster) (Report, error) {
	computed := make([]Snapshot, len(clusters))
	for i, c := range clusters {
		computed[i] = FromCluster(c)
	}

	var report Report
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		report = Report{}
		maps, err := tx.ActiveMaps(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: load maps: %w", err)
		}
		stored := make([]Snapshot, len(maps))
		for i, m := range maps {
			stored[i] = FromMap(m)
		}

		plan := Diff(stored, computed)
		for _, s := range plan.Added {
			domains, repos := s.members()
			m := &store.InitiativeMap{MainItemIdentifier: s.MainItemIdentifier, Domains: domains, Repositories: repos}
			if err := tx.CreateMap(ctx, m); err != nil {
				return err
			}
			report.Added++
		}
		for _, s := range plan.Deleted {
			if err := tx.SoftDeleteMap(ctx, s.MainItemIdentifier); err != nil {
				return fmt.Errorf("reconcile: delete %s: %w", s.MainItemIdentifier, err)
			}
			report.Deleted++
		}
		for _, s := range plan.Updated {
			domains, repos := s.members()
			if err := tx.ReplaceMembers(ctx, s.MainItemIdentifier, domains, repos); err != nil {
				return fmt.Errorf("reconcile: update %s: %w", s.MainItemIdentifier, err)
			}
			report.Updated++
		}

		if report.Changed() {
			if err := tx.FlagIngestion(ctx, store.KnowledgeInitiatives); err != nil {
				return fmt.Errorf("reconcile: flag ingestion: %w", err)
			}
		}
		return nil
	}, dbopen.WithTxTimeout(e.timeout))
	if err != nil {
		return Report{}, err
	}

	e.logger.InfoContext(ctx, "reconcile: applied",
		"added", report.Added,
		"updated", report.Updated,
		"deleted", report.Deleted)
	return report, nil
}
