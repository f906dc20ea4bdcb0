// Package llm is the port to the language model provider: structured
// completions, streamed chat, token counting and hosted knowledge documents.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ErrTokenLimit is returned when the provider reports that the submitted
// content exceeded its context window or output budget.
var ErrTokenLimit = errors.New("llm: content exceeds the model token limit")

// ErrEmptyCompletion is returned when the provider answered without text.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// StatusError is a provider answer with a non-success status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: provider status %d: %s", e.Code, e.Message)
}

// Temporary reports whether the call is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code == 429 || e.Code >= 500
}

// SchemaType is the JSON type of a Schema node.
type SchemaType string

const (
	TypeObject  SchemaType = "object"
	TypeArray   SchemaType = "array"
	TypeString  SchemaType = "string"
	TypeBoolean SchemaType = "boolean"
)

// Schema constrains a structured completion.
type Schema struct {
	Type        SchemaType
	Description string
	Properties  map[string]*Schema
	Required    []string
	Items       *Schema
}

// CompletionRequest asks for one structured answer.
type CompletionRequest struct {
	System string
	Prompt string
	// Documents are provider document IDs attached as context.
	Documents []string
	// Schema, when set, requests a JSON answer shaped by it.
	Schema *Schema
}

// Completion is the provider answer.
type Completion struct {
	Text         string
	PromptTokens int
}

// Role of a chat message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// ChatRequest is a conversational turn answered as a stream.
type ChatRequest struct {
	System    string
	Documents []string
	History   []Message
	Message   string
}

// DocumentState is the processing state of a hosted document.
type DocumentState string

const (
	DocumentProcessing DocumentState = "processing"
	DocumentReady      DocumentState = "ready"
	DocumentFailed     DocumentState = "failed"
)

// Document is a hosted knowledge document.
type Document struct {
	ID    string
	Name  string
	State DocumentState
}

// Tokenizer counts the tokens of a text.
type Tokenizer interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// Provider is the model provider.
type Provider interface {
	Tokenizer
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	// Stream yields answer fragments in order. Iteration stops at the first
	// error.
	Stream(ctx context.Context, req ChatRequest) iter.Seq2[string, error]
	UploadDocument(ctx context.Context, name, content string) (*Document, error)
	DocumentState(ctx context.Context, id string) (DocumentState, error)
	DeleteDocument(ctx context.Context, id string) error
}

// Unavailable is a Provider failing every call with Err. It stands in for
// a provider that could not be configured so that stages which never call
// the model still run.
type Unavailable struct {
	Err error
}

func (u Unavailable) CountTokens(context.Context, string) (int, error) { return 0, u.Err }

func (u Unavailable) Complete(context.Context, CompletionRequest) (*Completion, error) {
	return nil, u.Err
}

func (u Unavailable) Stream(context.Context, ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) { yield("", u.Err) }
}

func (u Unavailable) UploadDocument(context.Context, string, string) (*Document, error) {
	return nil, u.Err
}

func (u Unavailable) DocumentState(context.Context, string) (DocumentState, error) { return "", u.Err }

func (u Unavailable) DeleteDocument(context.Context, string) error { return u.Err }
