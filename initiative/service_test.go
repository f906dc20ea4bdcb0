package initiative

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/etabli/dbopen"
	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/idgen"
	"github.com/hazyhaar/etabli/initiative/internal/lifecycle"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/initiative/internal/llm/llmtest"
	"github.com/hazyhaar/etabli/initiative/internal/store"
	"github.com/hazyhaar/etabli/observability"
)

const enrichAnswer = `{
  "name": "Démarches",
  "businessUseCases": ["Aide aux démarches"],
  "description": "Permet de suivre ses démarches en ligne.",
  "tools": ["react"],
  "functionalUseCases": {"generatesPDF": true, "hasVirtualEmailInboxes": false, "sendsEmails": false}
}`

const domainsFeed = `{"id":"d1","name":"demarches.gouv.fr","indexable_from_robots_txt":true,"website_content_indexable":true,"website_has_content":true,"website_has_style":true,"website_inferred_name":"Démarches","website_raw_content":"<h1>Démarches</h1><p>Suivez vos démarches.</p>"}
{"id":"d2","name":"redirect.gouv.fr","indexable_from_robots_txt":true,"website_content_indexable":true,"website_has_content":true,"website_has_style":true,"redirect_domain_target":"demarches.gouv.fr"}
`

const repositoriesFeed = `{"id":"r1","repository_url":"https://203.0.113.10/fork.git","name":"fork","is_fork":true}
`

const toolsFeed = `{"name":"react","title":"React","description":"UI library"}
{"name":"django","title":"Django"}
`

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{}
	cfg.Collect.CacheDir = t.TempDir()
	cfg.Collect.FingerprintDelay = -1
	cfg.Collect.CheckoutDelay = -1
	cfg.Enrich.ClusterDelay = -1
	cfg.Knowledge.PollInterval = time.Millisecond
	cfg.Knowledge.ProcessingTimeout = time.Second
	cfg.Guard.MaxRetries = -1
	cfg.Guard.RequestsPerSecond = -1
	cfg.Fingerprint.Disabled = true
	return cfg
}

func newTestService(t *testing.T, provider *llmtest.Fake, opts ...Option) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(observability.Schema))
	opts = append([]Option{WithProvider(provider), WithTokenizer(llmtest.WordTokenizer{})}, opts...)
	svc, err := New(context.Background(), db, testConfig(t), nil, opts...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func enrichingProvider() *llmtest.Fake {
	return &llmtest.Fake{CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.Completion, error) {
		return &llm.Completion{Text: enrichAnswer}, nil
	}}
}

// seedFeeds imports the three feeds and publishes the tools knowledge base.
func seedFeeds(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	if n, err := svc.ImportRawDomains(ctx, strings.NewReader(domainsFeed)); err != nil || n != 2 {
		t.Fatalf("import domains: n=%d err=%v", n, err)
	}
	if n, err := svc.ImportRawRepositories(ctx, strings.NewReader(repositoriesFeed)); err != nil || n != 1 {
		t.Fatalf("import repositories: n=%d err=%v", n, err)
	}
	if n, err := svc.ImportTools(ctx, strings.NewReader(toolsFeed)); err != nil || n != 2 {
		t.Fatalf("import tools: n=%d err=%v", n, err)
	}
	if _, err := svc.IngestTools(ctx); err != nil {
		t.Fatalf("ingest tools: %v", err)
	}
}

// runPipeline drives a seeded service through inference, enrichment and
// the initiatives ingestion and returns the single initiative produced.
func runPipeline(t *testing.T, svc *Service) *Initiative {
	t.Helper()
	ctx := context.Background()
	seedFeeds(t, svc)

	inferred, err := svc.InferInitiatives(ctx)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if inferred.Added != 1 || inferred.Updated != 0 || inferred.Deleted != 0 {
		t.Fatalf("infer report = %+v, want one cluster", inferred)
	}
	fed, err := svc.FeedInitiatives(ctx)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if fed.Succeeded != 1 || fed.Failed != 0 {
		t.Fatalf("feed report = %+v", fed)
	}
	if _, err := svc.IngestInitiatives(ctx); err != nil {
		t.Fatalf("ingest initiatives: %v", err)
	}

	res, err := svc.ListInitiatives(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 1 {
		t.Fatalf("total = %d, want 1", res.Total)
	}
	return res.Items[0]
}

func TestPipeline_EndToEnd(t *testing.T) {
	// WHAT: Feeds go through clustering, enrichment, ingestion and the
	// assistant, and every query sees the result.
	// WHY: The stages only make sense chained; each one reads what the
	// previous one wrote.
	provider := enrichingProvider()
	svc := newTestService(t, provider)
	ctx := context.Background()

	in := runPipeline(t, svc)
	if in.Name != "Démarches" || !slices.Equal(in.Websites, []string{"https://demarches.gouv.fr"}) {
		t.Fatalf("initiative = %+v", in)
	}
	if len(in.Repositories) != 0 {
		t.Errorf("forked repository leaked into the cluster: %v", in.Repositories)
	}
	if len(in.Tools) != 1 || in.Tools[0].Name != "react" {
		t.Errorf("tools = %+v", in.Tools)
	}
	if !slices.Equal(in.FunctionalUseCases, []FunctionalUseCase{GeneratesPDF}) {
		t.Errorf("functional use cases = %v", in.FunctionalUseCases)
	}

	got, err := svc.GetInitiative(ctx, strings.ToUpper(in.ID))
	if err != nil || got.ID != in.ID {
		t.Fatalf("get by upper-case id: %v", err)
	}

	var docs []string
	for _, content := range provider.Documents() {
		docs = append(docs, content)
	}
	if len(docs) != 2 {
		t.Fatalf("hosted documents = %d, want tools and initiatives", len(docs))
	}

	provider.Chunks = []string{"Voir ", "etabli://" + in.ID}
	session := idgen.New()
	chunks, cancel, err := svc.Subscribe(session)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	ans, err := svc.Ask(ctx, Request{SessionID: session, Message: "Qui envoie des PDF ?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !ans.Complete || ans.Content != "Voir etabli://"+in.ID {
		t.Fatalf("answer = %+v", ans)
	}
	for i := range 2 {
		select {
		case c := <-chunks:
			if c.MessageID != ans.ID || c.Content != provider.Chunks[i] {
				t.Fatalf("chunk %d = %+v", i, c)
			}
		case <-time.After(time.Second):
			t.Fatalf("chunk %d not delivered", i)
		}
	}

	linked, err := svc.ResolveInitiativeLink(ctx, "etabli://"+in.ID)
	if err != nil || linked.ID != in.ID {
		t.Fatalf("resolve link: %v", err)
	}

	var exported []ExportRecord
	if err := svc.ExportInitiatives(ctx, func(rec ExportRecord) error {
		exported = append(exported, rec)
		return nil
	}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported) != 1 || !slices.Equal(exported[0].Tools, []string{"react"}) ||
		!slices.Equal(exported[0].BusinessUseCases, []string{"Aide aux démarches"}) {
		t.Fatalf("export = %+v", exported)
	}

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	events, err := svc.events.Recent(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	stages := make(map[string]bool)
	for _, e := range events {
		stages[e.Stage] = true
	}
	for _, want := range []string{"infer", "feed", "enrich", "ingest_tools", "ingest_initiatives", "ask", "export"} {
		if !stages[want] {
			t.Errorf("no %q event recorded", want)
		}
	}
}

func TestInferInitiatives_Idempotent(t *testing.T) {
	// WHAT: A second inference over unchanged feeds changes nothing.
	// WHY: Clusters that did not move must not be enriched again.
	svc := newTestService(t, enrichingProvider())
	ctx := context.Background()
	runPipeline(t, svc)

	report, err := svc.InferInitiatives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Changed() {
		t.Fatalf("report = %+v, want no change", report)
	}
	maps, err := svc.store.MapsNeedingUpdate(ctx)
	if err != nil || len(maps) != 0 {
		t.Fatalf("maps needing update = %d, err = %v", len(maps), err)
	}
}

func TestRefreshKnowledge(t *testing.T) {
	// WHAT: Refresh publishes the pending tools base, skips the empty
	// initiatives corpus and does nothing on a second call.
	// WHY: The refresh runs unattended and must be safe to repeat.
	svc := newTestService(t, enrichingProvider())
	ctx := context.Background()
	if _, err := svc.ImportTools(ctx, strings.NewReader(toolsFeed)); err != nil {
		t.Fatal(err)
	}

	got, err := svc.RefreshKnowledge(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(got) != 1 || got[0].Kind != store.KnowledgeTools {
		t.Fatalf("refreshed = %+v, want the tools base only", got)
	}
	if got, err := svc.RefreshKnowledge(ctx); err != nil || len(got) != 0 {
		t.Fatalf("second refresh = %+v, %v", got, err)
	}
}

func TestStages_ShutdownRequested(t *testing.T) {
	svc := newTestService(t, enrichingProvider())
	svc.RequestShutdown()
	if !svc.ShuttingDown() {
		t.Fatal("flag not raised")
	}
	ctx := context.Background()
	if _, err := svc.InferInitiatives(ctx); !errors.Is(err, lifecycle.ErrShutdownRequested) {
		t.Errorf("infer err = %v", err)
	}
	if _, err := svc.IngestTools(ctx); !faults.Is(err, faults.KindShutdown) {
		t.Errorf("ingest err = %v", err)
	}
}

func TestFeedInitiatives_RequiresToolsDocument(t *testing.T) {
	svc := newTestService(t, enrichingProvider())
	_, err := svc.FeedInitiatives(context.Background())
	if !faults.Is(err, faults.KindConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
}

func TestAsk_KnowledgeBaseNotReady(t *testing.T) {
	svc := newTestService(t, &llmtest.Fake{Chunks: []string{"ignored"}})
	_, err := svc.Ask(context.Background(), Request{SessionID: idgen.New(), Message: "Bonjour"})
	if !errors.Is(err, ErrKnowledgeBaseNotReady) {
		t.Fatalf("err = %v, want ErrKnowledgeBaseNotReady", err)
	}
}

func TestGetInitiative_NotFound(t *testing.T) {
	svc := newTestService(t, &llmtest.Fake{})
	for _, id := range []string{"", "not-a-uuid", idgen.New()} {
		if _, err := svc.GetInitiative(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetInitiative(%q) err = %v, want ErrNotFound", id, err)
		}
	}
}

func TestListOptions(t *testing.T) {
	tests := []struct {
		name     string
		opts     ListOptions
		wantErr  bool
		wantPage int
		wantSize int
	}{
		{"defaults", ListOptions{}, false, 1, 10},
		{"size 25", ListOptions{Page: 3, PageSize: 25}, false, 3, 25},
		{"size 50", ListOptions{PageSize: 50}, false, 1, 50},
		{"size 20", ListOptions{PageSize: 20}, true, 0, 0},
		{"negative page", ListOptions{Page: -1}, true, 0, 0},
		{"bad tool id", ListOptions{ToolIDs: []string{"react"}}, true, 0, 0},
		{"bad use case", ListOptions{FunctionalUseCases: []FunctionalUseCase{"FLIES"}}, true, 0, 0},
		{"known use case", ListOptions{FunctionalUseCases: []FunctionalUseCase{SendsEmails}}, false, 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.opts
			err := o.normalize()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Fatalf("err = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if o.Page != tt.wantPage || o.PageSize != tt.wantSize {
				t.Fatalf("page=%d size=%d", o.Page, o.PageSize)
			}
		})
	}
}

func TestListInitiatives_Filters(t *testing.T) {
	svc := newTestService(t, enrichingProvider())
	ctx := context.Background()
	in := runPipeline(t, svc)

	res, err := svc.ListInitiatives(ctx, ListOptions{ToolIDs: []string{in.Tools[0].ID}})
	if err != nil || res.Total != 1 {
		t.Fatalf("by tool: total=%v err=%v", res, err)
	}
	res, err = svc.ListInitiatives(ctx, ListOptions{FunctionalUseCases: []FunctionalUseCase{SendsEmails}})
	if err != nil || res.Total != 0 || res.Items == nil {
		t.Fatalf("by missing use case: %+v err=%v", res, err)
	}
	res, err = svc.ListInitiatives(ctx, ListOptions{Page: 2})
	if err != nil || res.Total != 1 || len(res.Items) != 0 {
		t.Fatalf("second page: %+v err=%v", res, err)
	}
}

func TestImportRawDomains_KeepsPageContent(t *testing.T) {
	// WHAT: The crawled page travels through the feed into the store.
	// WHY: The stored record hides it from JSON; the feed must not.
	svc := newTestService(t, &llmtest.Fake{})
	ctx := context.Background()
	if _, err := svc.ImportRawDomains(ctx, strings.NewReader(domainsFeed)); err != nil {
		t.Fatal(err)
	}
	d, err := svc.store.GetRawDomain(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(d.WebsiteRawContent, "Suivez vos démarches") {
		t.Fatalf("raw content = %q", d.WebsiteRawContent)
	}
}

func TestImportFeeds_Malformed(t *testing.T) {
	svc := newTestService(t, &llmtest.Fake{})
	ctx := context.Background()

	feed := `{"id":"d1","name":"a.gouv.fr"}` + "\n" + `{"id":` + "\n"
	n, err := svc.ImportRawDomains(ctx, strings.NewReader(feed))
	if n != 1 || !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("n=%d err=%v", n, err)
	}

	n, err = svc.ImportTools(ctx, strings.NewReader(`{"title":"Nameless"}`))
	if n != 0 || !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("tools n=%d err=%v", n, err)
	}
	tools := 0
	if err := svc.store.EachTool(ctx, func(*Tool) error { tools++; return nil }); err != nil {
		t.Fatal(err)
	}
	if tools != 0 {
		t.Fatalf("tools = %d, want none", tools)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(observability.Schema))
	cfg := testConfig(t)
	cfg.Model.Tokenizer = "remote"
	if _, err := New(context.Background(), db, cfg, nil, WithProvider(&llmtest.Fake{})); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etabli.yaml")
	data := `
model:
  name: gemini-2.5-pro
  tokenizer: provider
enrich:
  model_token_limit: 500000
knowledge:
  initiatives:
    max_documents: 5
rate_limits:
  "POST /api/assistant/messages":
    max_requests: 5
    window: 1m
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.Name != "gemini-2.5-pro" || cfg.Model.Tokenizer != "provider" {
		t.Errorf("model = %+v", cfg.Model)
	}
	if cfg.Enrich.ModelTokenLimit != 500000 || cfg.Knowledge.Initiatives.MaxDocuments != 5 {
		t.Errorf("limits = %+v %+v", cfg.Enrich, cfg.Knowledge.Initiatives)
	}
	rl := cfg.RateLimits[AssistantMessagesEndpoint]
	if rl.MaxRequests != 5 || rl.Window != time.Minute {
		t.Errorf("rate limit = %+v", rl)
	}
	if cfg.Fingerprint.Timeout != 30*time.Second || cfg.ReconcileTimeout != time.Minute {
		t.Errorf("defaults not applied: %+v", cfg)
	}

	if err := os.WriteFile(path, []byte("model: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_WithoutAPIKey(t *testing.T) {
	// WHAT: A service without a model key still imports and clusters, and
	// model stages fail with the missing key.
	// WHY: Feeds are loaded on hosts that hold no provider credentials.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(observability.Schema))
	svc, err := New(context.Background(), db, testConfig(t), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer svc.Close()
	ctx := context.Background()

	if _, err := svc.ImportTools(ctx, strings.NewReader(toolsFeed)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.InferInitiatives(ctx); err != nil {
		t.Fatalf("infer: %v", err)
	}
	if _, err := svc.IngestTools(ctx); !errors.Is(err, llm.ErrMissingAPIKey) {
		t.Fatalf("ingest err = %v, want ErrMissingAPIKey", err)
	}
}

func TestNew_TokenizerDefaultsToProvider(t *testing.T) {
	// WHAT: Without a tokenizer setting, prompts are counted by the model
	// provider; with no API key the local count takes over.
	// WHY: A local vocabulary can undercount the model's own tokens and
	// let an over-budget prompt through.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(observability.Schema))
	svc, err := New(context.Background(), db, testConfig(t), nil, WithProvider(&llmtest.Fake{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer svc.Close()
	if svc.cfg.Model.Tokenizer != "provider" || svc.tokenizer != llm.Tokenizer(svc.provider) {
		t.Fatalf("tokenizer = %T (%q), want the provider", svc.tokenizer, svc.cfg.Model.Tokenizer)
	}

	db = dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema), dbopen.WithSchema(observability.Schema))
	offline, err := New(context.Background(), db, testConfig(t), nil)
	if err != nil {
		t.Fatalf("new offline: %v", err)
	}
	defer offline.Close()
	if _, ok := offline.tokenizer.(*llm.BPETokenizer); !ok {
		t.Fatalf("offline tokenizer = %T, want local BPE", offline.tokenizer)
	}
}
