package store

import (
	"context"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/etabli/dbopen"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

func eligibleDomain(id, name string) *RawDomain {
	return &RawDomain{
		ID: id, Name: name,
		IndexableFromRobotsTxt: true, WebsiteContentIndexable: true,
		WebsiteHasContent: true, WebsiteHasStyle: true,
	}
}

func TestSchema_Tables(t *testing.T) {
	// WHAT: Every table of the schema exists after open.
	// WHY: Schema is the foundation; every stage depends on it.
	s := openTestStore(t)
	for _, table := range []string{
		"raw_domains", "raw_repositories", "initiative_maps",
		"raw_domains_on_initiative_maps", "raw_repositories_on_initiative_maps",
		"initiatives", "tools", "tools_on_initiatives", "business_use_cases",
		"business_use_cases_on_initiatives", "settings",
	} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestEligibleRawDomains_Filters(t *testing.T) {
	// WHAT: Non-indexable, unstyled and redirecting domains are excluded.
	// WHY: They are tests, tooling or moved sites, not initiatives.
	s := openTestStore(t)
	ctx := context.Background()

	ok := eligibleDomain("d1", "a.gouv.fr")
	noStyle := eligibleDomain("d2", "b.gouv.fr")
	noStyle.WebsiteHasStyle = false
	redirect := eligibleDomain("d3", "c.gouv.fr")
	redirect.RedirectDomainTarget = "a.gouv.fr"
	robots := eligibleDomain("d4", "grafana.gouv.fr")
	robots.IndexableFromRobotsTxt = false

	for _, d := range []*RawDomain{ok, noStyle, redirect, robots} {
		if err := s.UpsertRawDomain(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.Name, err)
		}
	}

	got, err := s.EligibleRawDomains(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "d1" {
		t.Fatalf("eligible = %v, want only d1", got)
	}
}

func TestEligibleRawRepositories_ExcludesForks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertRawRepository(ctx, &RawRepository{ID: "r1", RepositoryURL: "https://git/x", Name: "x"})
	s.UpsertRawRepository(ctx, &RawRepository{ID: "r2", RepositoryURL: "https://git/y", Name: "y", IsFork: true})

	got, err := s.EligibleRawRepositories(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("eligible = %v, want only r1", got)
	}
}

func TestMaps_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertRawDomain(ctx, eligibleDomain("d1", "a.gouv.fr"))
	s.UpsertRawDomain(ctx, eligibleDomain("d2", "b.gouv.fr"))
	s.UpsertRawRepository(ctx, &RawRepository{ID: "r1", RepositoryURL: "https://git/x", Name: "x"})

	m := &InitiativeMap{
		MainItemIdentifier: "d1",
		Domains:            []Member{{ID: "d1", Main: true}, {ID: "d2"}},
	}
	if err := s.CreateMap(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.ReplaceMembers(ctx, "d1", []Member{{ID: "d1", Main: true}}, []Member{{ID: "r1"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, err := s.GetMap(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Domains) != 1 || len(got.Repositories) != 1 || !got.NeedsUpdate {
		t.Fatalf("after replace: %+v", got)
	}

	domains, repos, err := s.MapMembers(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(domains) != 1 || !domains[0].Main || domains[0].Name != "a.gouv.fr" {
		t.Fatalf("domains = %+v", domains)
	}
	if len(repos) != 1 || repos[0].Main {
		t.Fatalf("repos = %+v", repos)
	}

	if err := s.SoftDeleteMap(ctx, "d1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := s.SoftDeleteMap(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
	live, _ := s.ActiveMaps(ctx)
	if len(live) != 0 {
		t.Fatalf("active maps = %d, want 0", len(live))
	}
	n, _ := s.CountMaps(ctx)
	if n != 1 {
		t.Fatalf("rows = %d, want 1 (soft delete keeps the row)", n)
	}
}

func seedInitiative(t *testing.T, s *Store, mainID, name, description string) *Initiative {
	t.Helper()
	ctx := context.Background()
	s.UpsertRawDomain(ctx, eligibleDomain(mainID, mainID+".gouv.fr"))
	m := &InitiativeMap{MainItemIdentifier: mainID, Domains: []Member{{ID: mainID, Main: true}}}
	if err := s.CreateMap(ctx, m); err != nil {
		t.Fatal(err)
	}
	in := &Initiative{OriginID: m.ID, Name: name, Description: description,
		Websites: []string{"https://" + mainID + ".gouv.fr"}}
	if err := s.UpsertInitiative(ctx, in); err != nil {
		t.Fatal(err)
	}
	return in
}

func TestUpsertInitiative_KeyedByOrigin(t *testing.T) {
	// WHAT: A second upsert on the same origin updates in place.
	// WHY: Re-enrichment must not create a second initiative for a cluster.
	s := openTestStore(t)
	ctx := context.Background()
	first := seedInitiative(t, s, "d1", "Alpha", "first")

	again := &Initiative{OriginID: first.OriginID, Name: "Alpha", Description: "second",
		FunctionalUseCases: []FunctionalUseCase{SendsEmails}}
	if err := s.UpsertInitiative(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatalf("id = %s, want %s", again.ID, first.ID)
	}
	got, err := s.GetInitiative(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Description != "second" || len(got.FunctionalUseCases) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestListInitiatives_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := seedInitiative(t, s, "d1", "Démarches simplifiées", "Formulaires en ligne")
	seedInitiative(t, s, "d2", "Annuaire", "Contacts des services")

	tool := &Tool{Name: "React"}
	if err := s.UpsertTool(ctx, tool); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInitiativeTools(ctx, a.ID, []string{tool.ID}); err != nil {
		t.Fatal(err)
	}

	list, total, err := s.ListInitiatives(ctx, ListFilter{Query: "demarches"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || list[0].ID != a.ID {
		t.Fatalf("fts: total=%d list=%v", total, list)
	}

	list, total, err = s.ListInitiatives(ctx, ListFilter{ToolIDs: []string{tool.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(list[0].Tools) != 1 || list[0].Tools[0].Name != "React" {
		t.Fatalf("tool filter: total=%d list=%+v", total, list)
	}

	_, total, _ = s.ListInitiatives(ctx, ListFilter{Limit: 1})
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
}

func TestToolsByNames_CaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertTool(ctx, &Tool{Name: "PostgreSQL"})

	got, err := s.ToolsByNames(ctx, []string{"postgresql", "unknown"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "PostgreSQL" {
		t.Fatalf("got %+v", got)
	}
}

func TestEnsureBusinessUseCase_ConnectOrCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a, err := s.EnsureBusinessUseCase(ctx, "Gestion des aides")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.EnsureBusinessUseCase(ctx, "Gestion des aides")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Fatalf("ids differ: %s vs %s", a.ID, b.ID)
	}
}

func TestSettings_VersionedWrite(t *testing.T) {
	// WHAT: A stale settings write is rejected.
	// WHY: Several process instances may run stages over the same row.
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	stale, _ := s.Settings(ctx)

	first.SetDocuments(KnowledgeInitiatives, []string{"files/a"}, 42)
	if err := s.SaveSettings(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	stale.UpdateIngestedTools = false
	if err := s.SaveSettings(ctx, stale); !errors.Is(err, ErrSettingsConflict) {
		t.Fatalf("stale save err = %v, want ErrSettingsConflict", err)
	}

	got, _ := s.Settings(ctx)
	if got.Pending(KnowledgeInitiatives) || len(got.Documents(KnowledgeInitiatives)) != 1 {
		t.Fatalf("settings = %+v", got)
	}
	if got.Version != first.Version {
		t.Fatalf("version = %d, want %d", got.Version, first.Version)
	}
}

func TestInTx_Rollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Store) error {
		if err := tx.UpsertRawDomain(ctx, eligibleDomain("d1", "a.gouv.fr")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := s.GetRawDomain(ctx, "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after rollback err = %v, want ErrNotFound", err)
	}
}
