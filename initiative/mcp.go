package initiative

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/etabli/kit"
)

// RegisterMCP registers the initiative tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerGetInitiative(srv)
	svc.registerListInitiatives(srv)
	svc.registerAskAssistant(srv)
}

func (svc *Service) mcpEndpoint(name string, e kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(svc.logger, name))(e)
}

// --- Initiatives ---

func (svc *Service) registerGetInitiative(srv *mcp.Server) {
	type req struct {
		ID string `json:"id"`
	}

	tool := &mcp.Tool{
		Name:        "etabli_get_initiative",
		Description: "Get one initiative with its websites, repositories, tools and use cases",
		InputSchema: kit.InputSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Initiative ID (UUID), or an etabli:// link"},
		}, []string{"id"}),
	}

	endpoint := func(ctx context.Context, request any) (any, error) {
		r := request.(*req)
		return svc.ResolveInitiativeLink(ctx, r.ID)
	}

	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, endpoint), kit.DecodeArguments[req]())
}

func (svc *Service) registerListInitiatives(srv *mcp.Server) {
	type req struct {
		Query              string              `json:"query"`
		Page               int                 `json:"page"`
		PageSize           int                 `json:"page_size"`
		ToolIDs            []string            `json:"tool_ids"`
		BusinessUseCaseIDs []string            `json:"business_use_case_ids"`
		FunctionalUseCases []FunctionalUseCase `json:"functional_use_cases"`
	}

	useCases := make([]string, 0, 3)
	for _, uc := range []FunctionalUseCase{GeneratesPDF, HasVirtualEmailInboxes, SendsEmails} {
		useCases = append(useCases, string(uc))
	}

	tool := &mcp.Tool{
		Name:        "etabli_list_initiatives",
		Description: "Search initiatives by text, tools, business use cases and functional use cases",
		InputSchema: kit.InputSchema(map[string]any{
			"query":     map[string]any{"type": "string", "description": "Full-text query on names and descriptions"},
			"page":      map[string]any{"type": "integer", "description": "Page number, starting at 1"},
			"page_size": map[string]any{"type": "integer", "enum": PageSizes, "description": "Page size"},
			"tool_ids": map[string]any{
				"type": "array", "items": map[string]any{"type": "string"},
				"description": "Only initiatives using all these tools",
			},
			"business_use_case_ids": map[string]any{
				"type": "array", "items": map[string]any{"type": "string"},
				"description": "Only initiatives having all these business use cases",
			},
			"functional_use_cases": map[string]any{
				"type": "array", "items": map[string]any{"type": "string", "enum": useCases},
				"description": "Only initiatives having all these capabilities",
			},
		}, nil),
	}

	endpoint := func(ctx context.Context, request any) (any, error) {
		r := request.(*req)
		return svc.ListInitiatives(ctx, ListOptions{
			Page:               r.Page,
			PageSize:           r.PageSize,
			Query:              r.Query,
			ToolIDs:            r.ToolIDs,
			BusinessUseCaseIDs: r.BusinessUseCaseIDs,
			FunctionalUseCases: r.FunctionalUseCases,
		})
	}

	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, endpoint), kit.DecodeArguments[req]())
}

// --- Assistant ---

func (svc *Service) registerAskAssistant(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "etabli_ask_assistant",
		Description: "Ask the assistant about initiatives. Answers link initiatives as etabli://<id>; reuse the session ID to keep the conversation",
		InputSchema: kit.InputSchema(map[string]any{
			"sessionId": map[string]any{"type": "string", "description": "Session ID (UUID)"},
			"message":   map[string]any{"type": "string", "description": "Question, at most 4000 characters"},
		}, []string{"sessionId", "message"}),
	}

	endpoint := func(ctx context.Context, request any) (any, error) {
		r := request.(*Request)
		return svc.Ask(ctx, *r)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		res, err := kit.DecodeArguments[Request]()(req)
		if err != nil {
			return nil, err
		}
		sessionID := res.Request.(*Request).SessionID
		res.EnrichCtx = func(ctx context.Context) context.Context {
			return kit.WithSessionID(ctx, sessionID)
		}
		return res, nil
	}

	kit.RegisterMCPTool(srv, tool, svc.mcpEndpoint(tool.Name, endpoint), decode)
}
