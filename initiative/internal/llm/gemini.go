package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/hazyhaar/etabli/faults"
)

// ErrMissingAPIKey is returned when no Gemini API key is configured.
var ErrMissingAPIKey = errors.New("llm: gemini API key is required")

// DefaultGeminiModel is used when GeminiConfig.Model is empty.
const DefaultGeminiModel = "gemini-2.0-flash"

// documentMIMEType is the MIME type of uploaded knowledge documents.
const documentMIMEType = "text/plain"

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string `json:"-" yaml:"-"`
	Model  string `json:"model" yaml:"model"`
	// MaxOutputTokens caps the answer. Zero leaves the model default.
	MaxOutputTokens int32        `json:"max_output_tokens" yaml:"max_output_tokens"`
	Logger          *slog.Logger `json:"-" yaml:"-"`
}

func (c *GeminiConfig) defaults() {
	if c.Model == "" {
		c.Model = DefaultGeminiModel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Gemini implements Provider on the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig

	// files caches uploaded file metadata by name, to attach documents
	// without a lookup per call.
	files sync.Map
}

// NewGemini creates a Gemini provider.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	cfg.defaults()
	if cfg.APIKey == "" {
		return nil, faults.Configuration("llm: gemini", ErrMissingAPIKey)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, faults.Configuration("llm: gemini", fmt.Errorf("create client: %w", err))
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// Complete implements Provider. Answers are deterministic (temperature 0)
// and, with a schema, constrained to JSON.
func (g *Gemini) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	parts, err := g.documentParts(ctx, req.Documents)
	if err != nil {
		return nil, err
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	config := g.generateConfig(req.System)
	if req.Schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = toGenaiSchema(req.Schema)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, config)
	if err != nil {
		return nil, mapError("llm: complete", err)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		return nil, faults.TokenLimit("llm: complete", ErrTokenLimit)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, faults.Upstream("llm: complete", ErrEmptyCompletion)
	}
	out := &Completion{Text: text}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
	}
	return out, nil
}

// Stream implements Provider.
func (g *Gemini) Stream(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		parts, err := g.documentParts(ctx, req.Documents)
		if err != nil {
			yield("", err)
			return
		}
		contents := make([]*genai.Content, 0, len(req.History)+1)
		for _, m := range req.History {
			role := genai.Role(genai.RoleUser)
			if m.Role == RoleAssistant {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(m.Content, role))
		}
		parts = append(parts, genai.NewPartFromText(req.Message))
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.cfg.Model, contents, g.generateConfig(req.System)) {
			if err != nil {
				yield("", mapError("llm: stream", err))
				return
			}
			if text := resp.Text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// CountTokens implements Tokenizer with the provider's own tokenizer.
func (g *Gemini) CountTokens(ctx context.Context, text string) (int, error) {
	resp, err := g.client.Models.CountTokens(ctx, g.cfg.Model, genai.Text(text), nil)
	if err != nil {
		return 0, mapError("llm: count tokens", err)
	}
	return int(resp.TotalTokens), nil
}

// UploadDocument implements Provider.
func (g *Gemini) UploadDocument(ctx context.Context, name, content string) (*Document, error) {
	f, err := g.client.Files.Upload(ctx, strings.NewReader(content), &genai.UploadFileConfig{
		MIMEType:    documentMIMEType,
		DisplayName: name,
	})
	if err != nil {
		return nil, mapError("llm: upload document", err)
	}
	g.files.Store(f.Name, f)
	g.cfg.Logger.Info("llm: document uploaded", "id", f.Name, "name", name, "bytes", len(content))
	return &Document{ID: f.Name, Name: name, State: fileState(f.State)}, nil
}

// DocumentState implements Provider.
func (g *Gemini) DocumentState(ctx context.Context, id string) (DocumentState, error) {
	f, err := g.client.Files.Get(ctx, id, nil)
	if err != nil {
		return "", mapError("llm: document state", err)
	}
	g.files.Store(f.Name, f)
	return fileState(f.State), nil
}

// DeleteDocument implements Provider. Deleting a missing document succeeds.
func (g *Gemini) DeleteDocument(ctx context.Context, id string) error {
	g.files.Delete(id)
	if _, err := g.client.Files.Delete(ctx, id, nil); err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil
		}
		return mapError("llm: delete document", err)
	}
	return nil
}

func (g *Gemini) generateConfig(system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0),
		MaxOutputTokens: g.cfg.MaxOutputTokens,
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return config
}

func (g *Gemini) documentParts(ctx context.Context, ids []string) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(ids)+1)
	for _, id := range ids {
		var f *genai.File
		if cached, ok := g.files.Load(id); ok {
			f = cached.(*genai.File)
		} else {
			got, err := g.client.Files.Get(ctx, id, nil)
			if err != nil {
				return nil, mapError("llm: resolve document", err)
			}
			g.files.Store(id, got)
			f = got
		}
		parts = append(parts, genai.NewPartFromURI(f.URI, f.MIMEType))
	}
	return parts, nil
}

func fileState(s genai.FileState) DocumentState {
	switch s {
	case genai.FileStateActive:
		return DocumentReady
	case genai.FileStateFailed:
		return DocumentFailed
	default:
		return DocumentProcessing
	}
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description: s.Description,
		Required:    s.Required,
		Items:       toGenaiSchema(s.Items),
	}
	switch s.Type {
	case TypeObject:
		out.Type = genai.TypeObject
	case TypeArray:
		out.Type = genai.TypeArray
	case TypeBoolean:
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, p := range s.Properties {
			out.Properties[name] = toGenaiSchema(p)
		}
	}
	return out
}

// mapError sorts provider failures into the fault taxonomy: an oversized
// request is a token limit, rejected credentials a configuration problem,
// everything else an upstream failure.
func mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(op, apiErr.Code, apiErr.Message)
	}
	return faults.Upstream(op, err)
}

func classifyStatus(op string, code int, message string) error {
	switch {
	case code == http.StatusBadRequest && isTokenLimitMessage(message):
		return faults.TokenLimit(op, fmt.Errorf("%w: %s", ErrTokenLimit, message))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return faults.Configuration(op, &StatusError{Code: code, Message: message})
	}
	return faults.Upstream(op, &StatusError{Code: code, Message: message})
}

func isTokenLimitMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "exceeds") || strings.Contains(msg, "too many tokens") ||
		strings.Contains(msg, "token count")
}
