// Package assistant answers questions over the initiatives knowledge base
// and streams the answers to the subscribers of each session.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/idgen"
	"github.com/hazyhaar/etabli/initiative/internal/llm"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

var (
	// ErrKnowledgeBaseNotReady is returned when no initiatives document has
	// been ingested yet.
	ErrKnowledgeBaseNotReady = errors.New("assistant: knowledge base not ready")
	// ErrAssistantUnavailable is returned when the provider failed while
	// answering. The request may be retried.
	ErrAssistantUnavailable = errors.New("assistant: unavailable")
	// ErrInitiativeNotFound is returned for a malformed or unknown
	// initiative link.
	ErrInitiativeNotFound = errors.New("assistant: initiative not found")
	// ErrInvalidRequest is returned for a bad session id or message.
	ErrInvalidRequest = errors.New("assistant: invalid request")
)

// MaxMessageLength is the longest accepted question, in characters.
const MaxMessageLength = 4000

// LinkScheme prefixes initiative links in answers.
const LinkScheme = "etabli://"

// BotInstructions steer the assistant towards citing initiatives.
const BotInstructions = `You are a bot to help retrieving the right initiative sheet into a directory. ` +
	`Use the provided sheets to answer questions and provide a link each time you mention one with the format "` +
	LinkScheme + `<initiativeId>". And please address the user as the Etabli Assistant ` +
	`(Etabli being the directory of sheets mentioned before). Just know that initiative represents a project or a product.`

var linkRe = regexp.MustCompile(regexp.QuoteMeta(LinkScheme) + `([0-9a-fA-F-]{36})`)

// Author identifies who wrote a message.
type Author string

const (
	AuthorUser      Author = "USER"
	AuthorAssistant Author = "ASSISTANT"
)

// Request is one question of a session.
type Request struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// Answer is the complete reply to a Request.
type Answer struct {
	ID       string `json:"id"`
	Author   Author `json:"author"`
	Content  string `json:"content"`
	Complete bool   `json:"complete"`
}

// Config configures a Manager.
type Config struct {
	// HistoryMessages caps the messages replayed per session. Default: 20.
	HistoryMessages int `json:"history_messages" yaml:"history_messages"`

	// SessionTTL forgets sessions idle for longer. Default: 30m.
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.HistoryMessages <= 0 {
		c.HistoryMessages = 20
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type session struct {
	history  []llm.Message
	lastSeen time.Time
}

// Manager runs assistant sessions.
type Manager struct {
	cfg      Config
	store    *store.Store
	provider llm.Provider
	broker   *Broker
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager publishing to broker.
func NewManager(cfg Config, st *store.Store, provider llm.Provider, broker *Broker) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:      cfg,
		store:    st,
		provider: provider,
		broker:   broker,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Broker returns the broker answers are published to.
func (m *Manager) Broker() *Broker { return m.broker }

// Validate checks a request and returns it with a canonical session id.
func Validate(req Request) (Request, error) {
	id, err := idgen.Parse(req.SessionID)
	if err != nil {
		return req, fmt.Errorf("%w: session id: %w", ErrInvalidRequest, err)
	}
	req.SessionID = id
	n := utf8.RuneCountInString(req.Message)
	if strings.TrimSpace(req.Message) == "" || n > MaxMessageLength {
		return req, fmt.Errorf("%w: message must hold 1 to %d characters, got %d", ErrInvalidRequest, MaxMessageLength, n)
	}
	return req, nil
}

// Ask streams the answer to req. Every chunk is published under the
// session and a fresh message id as soon as it arrives; the full answer is
// returned once the stream ends.
func (m *Manager) Ask(ctx context.Context, req Request) (*Answer, error) {
	req, err := Validate(req)
	if err != nil {
		return nil, err
	}
	settings, err := m.store.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("assistant: read settings: %w", err)
	}
	docs := settings.Documents(store.KnowledgeInitiatives)
	if len(docs) == 0 {
		return nil, faults.Configuration("assistant: ask", ErrKnowledgeBaseNotReady)
	}

	answer := &Answer{ID: idgen.New(), Author: AuthorAssistant}
	chat := llm.ChatRequest{
		System:    BotInstructions,
		Documents: docs,
		History:   m.history(req.SessionID),
		Message:   req.Message,
	}

	start := time.Now()
	var b strings.Builder
	for chunk, err := range m.provider.Stream(ctx, chat) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.cfg.Logger.WarnContext(ctx, "assistant: stream failed",
				"session", req.SessionID, "message", answer.ID, "error", err)
			return nil, faults.Upstream("assistant: ask", fmt.Errorf("%w: %w", ErrAssistantUnavailable, err))
		}
		if chunk == "" {
			continue
		}
		b.WriteString(chunk)
		m.broker.Publish(Chunk{SessionID: req.SessionID, MessageID: answer.ID, Content: chunk})
	}
	if b.Len() == 0 {
		return nil, faults.Upstream("assistant: ask", fmt.Errorf("%w: %w", ErrAssistantUnavailable, llm.ErrEmptyCompletion))
	}

	answer.Content = b.String()
	answer.Complete = true
	m.remember(req.SessionID, req.Message, answer.Content)
	m.cfg.Logger.InfoContext(ctx, "assistant: answered",
		"session", req.SessionID, "message", answer.ID,
		"chars", utf8.RuneCountInString(answer.Content), "duration", time.Since(start))
	return answer, nil
}

// ResolveInitiativeLink returns the initiative behind an answer link. It
// accepts either "etabli://<id>" or the bare id.
func (m *Manager) ResolveInitiativeLink(ctx context.Context, link string) (*store.Initiative, error) {
	id, err := idgen.Parse(strings.TrimPrefix(link, LinkScheme))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInitiativeNotFound, link)
	}
	in, err := m.store.GetInitiative(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrInitiativeNotFound, id)
	}
	return in, err
}

// Links returns the initiative ids linked from text, in order, without
// duplicates.
func Links(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range linkRe.FindAllStringSubmatch(text, -1) {
		id := strings.ToLower(m[1])
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) history(sessionID string) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]llm.Message(nil), s.history...)
}

func (m *Manager) remember(sessionID, question, answer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{}
		m.sessions[sessionID] = s
	}
	s.history = append(s.history,
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: answer})
	if over := len(s.history) - m.cfg.HistoryMessages; over > 0 {
		s.history = s.history[over:]
	}
	s.lastSeen = m.now()
}

// prune forgets idle sessions. Callers hold m.mu.
func (m *Manager) prune() {
	cutoff := m.now().Add(-m.cfg.SessionTTL)
	for id, s := range m.sessions {
		if s.lastSeen.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}
