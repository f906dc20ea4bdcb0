// Package llmtest provides an in-memory llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/hazyhaar/etabli/initiative/internal/llm"
)

// WordTokenizer counts whitespace-separated words: one word, one token.
type WordTokenizer struct{}

// CountTokens implements llm.Tokenizer.
func (WordTokenizer) CountTokens(_ context.Context, text string) (int, error) {
	return len(strings.Fields(text)), nil
}

// Fake is a scriptable provider. The zero value answers "{}" to every
// completion, streams nothing and marks documents ready on upload.
type Fake struct {
	WordTokenizer

	// CompleteFunc answers completions when set.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error)

	// Chunks are streamed in order, then StreamErr if set.
	Chunks    []string
	StreamErr error

	// UploadErr is consulted before each upload; a non-nil result fails it.
	UploadErr func(name string) error
	// States overrides the reported state of documents by name.
	States map[string]llm.DocumentState

	mu          sync.Mutex
	next        int
	docs        map[string]*llm.Document
	contents    map[string]string
	Completions []llm.CompletionRequest
	Chats       []llm.ChatRequest
	Deleted     []string
}

// Complete implements llm.Provider.
func (f *Fake) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	f.mu.Lock()
	f.Completions = append(f.Completions, req)
	f.mu.Unlock()
	if f.CompleteFunc != nil {
		return f.CompleteFunc(ctx, req)
	}
	return &llm.Completion{Text: "{}"}, nil
}

// Stream implements llm.Provider.
func (f *Fake) Stream(_ context.Context, req llm.ChatRequest) iter.Seq2[string, error] {
	f.mu.Lock()
	f.Chats = append(f.Chats, req)
	f.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, c := range f.Chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.StreamErr != nil {
			yield("", f.StreamErr)
		}
	}
}

// UploadDocument implements llm.Provider.
func (f *Fake) UploadDocument(_ context.Context, name, content string) (*llm.Document, error) {
	if f.UploadErr != nil {
		if err := f.UploadErr(name); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.docs == nil {
		f.docs = make(map[string]*llm.Document)
		f.contents = make(map[string]string)
	}
	f.next++
	doc := &llm.Document{ID: fmt.Sprintf("files/%d", f.next), Name: name, State: llm.DocumentProcessing}
	f.docs[doc.ID] = doc
	f.contents[doc.ID] = content
	return doc, nil
}

// DocumentState implements llm.Provider.
func (f *Fake) DocumentState(_ context.Context, id string) (llm.DocumentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return "", fmt.Errorf("llmtest: unknown document %s", id)
	}
	if s, ok := f.States[doc.Name]; ok {
		return s, nil
	}
	return llm.DocumentReady, nil
}

// DeleteDocument implements llm.Provider.
func (f *Fake) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	delete(f.contents, id)
	f.Deleted = append(f.Deleted, id)
	return nil
}

// Documents returns the live document IDs with their content.
func (f *Fake) Documents() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.contents))
	for id, c := range f.contents {
		out[id] = c
	}
	return out
}
