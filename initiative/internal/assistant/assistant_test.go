package assistant

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/etabli/dbopen"
	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/initiative/internal/llm/llmtest"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

const (
	sessionA = "13422339-278f-400d-9b25-5399e9fe6233"
	sessionB = "0f1d2c3b-4a59-4687-9a1b-2c3d4e5f6a7b"
)

func receive(t *testing.T, ch <-chan Chunk) Chunk {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	return Chunk{}
}

func TestBroker_FiltersBySession(t *testing.T) {
	// WHAT: A subscriber joining after a chunk of another session only sees
	// chunks of its own session.
	// WHY: Sessions are anonymous; a leak would show one visitor's answer
	// to another.
	b := NewBroker()
	defer b.Close()

	b.Publish(Chunk{SessionID: sessionA, MessageID: "m1", Content: "for A"})

	ch, cancel := b.Subscribe(sessionB)
	defer cancel()
	b.Publish(Chunk{SessionID: sessionA, MessageID: "m1", Content: "still A"})
	b.Publish(Chunk{SessionID: sessionB, MessageID: "m2", Content: "for B"})

	got := receive(t, ch)
	if got.SessionID != sessionB || got.Content != "for B" {
		t.Fatalf("got %+v, want the chunk of session B", got)
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected chunk %+v", c)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ch, cancel := b.Subscribe(sessionA)
	defer cancel()

	for i := range 1000 {
		b.Publish(Chunk{SessionID: sessionA, MessageID: "m", Content: strings.Repeat("x", i%3+1)})
	}
	for i := range 1000 {
		if c := receive(t, ch); len(c.Content) != i%3+1 {
			t.Fatalf("chunk %d out of order: %q", i, c.Content)
		}
	}
}

func TestBroker_CancelAndClose(t *testing.T) {
	b := NewBroker()
	ch1, cancel1 := b.Subscribe(sessionA)
	ch2, _ := b.Subscribe(sessionA)

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Fatal("cancelled channel still open")
	}
	if b.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", b.Subscribers())
	}

	b.Close()
	if _, ok := <-ch2; ok {
		t.Fatal("channel open after Close")
	}
	ch3, _ := b.Subscribe(sessionA)
	if _, ok := <-ch3; ok {
		t.Fatal("subscription on a closed broker must be closed")
	}
	b.Publish(Chunk{SessionID: sessionA})
}

func newManager(t *testing.T, provider *llmtest.Fake, ready bool) (*Manager, *store.Store) {
	t.Helper()
	st := store.New(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
	if ready {
		ctx := context.Background()
		s, err := st.Settings(ctx)
		if err != nil {
			t.Fatal(err)
		}
		s.SetDocuments(store.KnowledgeInitiatives, []string{"files/1", "files/2"}, time.Now().UnixMilli())
		if err := st.SaveSettings(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	b := NewBroker()
	t.Cleanup(b.Close)
	return NewManager(Config{}, st, provider, b), st
}

func TestAsk_StreamsChunks(t *testing.T) {
	provider := &llmtest.Fake{Chunks: []string{"Voici ", "etabli://0190d2a4-7c1e-7000-8000-000000000001", "."}}
	m, _ := newManager(t, provider, true)
	ch, cancel := m.Broker().Subscribe(sessionA)
	defer cancel()

	answer, err := m.Ask(context.Background(), Request{SessionID: sessionA, Message: "Quels sites gèrent des démarches ?"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer.Content != "Voici etabli://0190d2a4-7c1e-7000-8000-000000000001." || !answer.Complete || answer.Author != AuthorAssistant {
		t.Fatalf("answer = %+v", answer)
	}
	var streamed strings.Builder
	for range provider.Chunks {
		c := receive(t, ch)
		if c.MessageID != answer.ID {
			t.Fatalf("chunk message id = %s, want %s", c.MessageID, answer.ID)
		}
		streamed.WriteString(c.Content)
	}
	if streamed.String() != answer.Content {
		t.Fatalf("streamed %q, answered %q", streamed.String(), answer.Content)
	}

	chat := provider.Chats[0]
	if chat.System != BotInstructions || !slices.Equal(chat.Documents, []string{"files/1", "files/2"}) {
		t.Fatalf("chat request = %+v", chat)
	}
	if got := Links(answer.Content); !slices.Equal(got, []string{"0190d2a4-7c1e-7000-8000-000000000001"}) {
		t.Fatalf("links = %v", got)
	}
}

func TestAsk_ReplaysSessionHistory(t *testing.T) {
	provider := &llmtest.Fake{Chunks: []string{"réponse"}}
	m, _ := newManager(t, provider, true)
	ctx := context.Background()

	if _, err := m.Ask(ctx, Request{SessionID: sessionA, Message: "première"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Ask(ctx, Request{SessionID: sessionA, Message: "seconde"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Ask(ctx, Request{SessionID: sessionB, Message: "autre"}); err != nil {
		t.Fatal(err)
	}

	want := []llm.Message{{Role: llm.RoleUser, Content: "première"}, {Role: llm.RoleAssistant, Content: "réponse"}}
	if !slices.Equal(provider.Chats[1].History, want) {
		t.Fatalf("history = %+v", provider.Chats[1].History)
	}
	if len(provider.Chats[2].History) != 0 {
		t.Fatalf("session B sees history of A: %+v", provider.Chats[2].History)
	}
}

func TestAsk_KnowledgeBaseNotReady(t *testing.T) {
	m, _ := newManager(t, &llmtest.Fake{Chunks: []string{"x"}}, false)
	_, err := m.Ask(context.Background(), Request{SessionID: sessionA, Message: "bonjour"})
	if !errors.Is(err, ErrKnowledgeBaseNotReady) || !faults.Is(err, faults.KindConfiguration) {
		t.Fatalf("err = %v", err)
	}
}

func TestAsk_StreamFailure(t *testing.T) {
	provider := &llmtest.Fake{Chunks: []string{"début"}, StreamErr: errors.New("connection reset")}
	m, _ := newManager(t, provider, true)
	_, err := m.Ask(context.Background(), Request{SessionID: sessionA, Message: "bonjour"})
	if !errors.Is(err, ErrAssistantUnavailable) {
		t.Fatalf("err = %v, want ErrAssistantUnavailable", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"valid", Request{SessionID: sessionA, Message: "bonjour"}, true},
		{"uppercase session", Request{SessionID: strings.ToUpper(sessionA), Message: "bonjour"}, true},
		{"bad session", Request{SessionID: "abc", Message: "bonjour"}, false},
		{"blank message", Request{SessionID: sessionA, Message: "   "}, false},
		{"at limit", Request{SessionID: sessionA, Message: strings.Repeat("é", MaxMessageLength)}, true},
		{"over limit", Request{SessionID: sessionA, Message: strings.Repeat("a", MaxMessageLength+1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.req)
			if (err == nil) != tt.ok {
				t.Fatalf("err = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
			if err == nil && got.SessionID != sessionA {
				t.Fatalf("session = %s, want canonical form", got.SessionID)
			}
		})
	}
}

func TestResolveInitiativeLink(t *testing.T) {
	m, st := newManager(t, &llmtest.Fake{}, true)
	ctx := context.Background()
	if err := st.UpsertRawDomain(ctx, &store.RawDomain{ID: "d1", Name: "a.gouv.fr"}); err != nil {
		t.Fatal(err)
	}
	cluster := &store.InitiativeMap{MainItemIdentifier: "d1", Domains: []store.Member{{ID: "d1", Main: true}}}
	if err := st.CreateMap(ctx, cluster); err != nil {
		t.Fatal(err)
	}
	in := &store.Initiative{OriginID: cluster.ID, Name: "A", Description: "a"}
	if err := st.UpsertInitiative(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := m.ResolveInitiativeLink(ctx, LinkScheme+in.ID)
	if err != nil || got.ID != in.ID {
		t.Fatalf("resolve = %+v, %v", got, err)
	}
	for _, link := range []string{"etabli://nope", "0190d2a4-7c1e-7000-8000-000000000099"} {
		if _, err := m.ResolveInitiativeLink(ctx, link); !errors.Is(err, ErrInitiativeNotFound) {
			t.Fatalf("%s: err = %v, want ErrInitiativeNotFound", link, err)
		}
	}
}
