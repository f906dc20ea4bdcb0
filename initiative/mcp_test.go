package initiative

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/etabli/idgen"
	"github.com/hazyhaar/etabli/initiative/internal/llm/llmtest"
)

var testMCPImpl = &mcp.Implementation{Name: "etabli-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// callTool returns the text of the tool answer and the tool error, if any.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, error) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		return "", err
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, nil
}

func TestMCP_Tools(t *testing.T) {
	provider := enrichingProvider()
	svc := newTestService(t, provider)
	in := runPipeline(t, svc)
	session := mcpSession(t, svc)

	text, err := callTool(t, session, "etabli_get_initiative", map[string]any{"id": "etabli://" + in.ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got Initiative
	if err := json.Unmarshal([]byte(text), &got); err != nil || got.ID != in.ID {
		t.Fatalf("get = %s, %v", text, err)
	}

	if _, err := callTool(t, session, "etabli_get_initiative", map[string]any{"id": idgen.New()}); err == nil ||
		!strings.Contains(err.Error(), "not found") {
		t.Fatalf("unknown id err = %v", err)
	}

	text, err = callTool(t, session, "etabli_list_initiatives", map[string]any{
		"query":                "démarches",
		"functional_use_cases": []string{"GENERATES_PDF"},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var page ListResult
	if err := json.Unmarshal([]byte(text), &page); err != nil || page.Total != 1 {
		t.Fatalf("list = %s, %v", text, err)
	}

	if _, err := callTool(t, session, "etabli_list_initiatives", map[string]any{"page_size": 7}); err == nil {
		t.Fatal("page size 7 accepted")
	}

	provider.Chunks = []string{"Voir etabli://" + in.ID}
	text, err = callTool(t, session, "etabli_ask_assistant", map[string]any{
		"sessionId": idgen.New(),
		"message":   "Qui suit les démarches ?",
	})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	var ans Answer
	if err := json.Unmarshal([]byte(text), &ans); err != nil || !ans.Complete {
		t.Fatalf("ask = %s, %v", text, err)
	}
}

func TestMCP_AskWithoutKnowledgeBase(t *testing.T) {
	session := mcpSession(t, newTestService(t, &llmtest.Fake{}))
	_, err := callTool(t, session, "etabli_ask_assistant", map[string]any{
		"sessionId": idgen.New(),
		"message":   "Bonjour",
	})
	if err == nil || !strings.Contains(err.Error(), "knowledge base") {
		t.Fatalf("err = %v", err)
	}
}
