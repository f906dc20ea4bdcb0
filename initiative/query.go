package initiative

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hazyhaar/etabli/idgen"
	"github.com/hazyhaar/etabli/initiative/internal/assistant"
	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// Records served by the queries.
type (
	Initiative        = store.Initiative
	Tool              = store.Tool
	BusinessUseCase   = store.BusinessUseCase
	FunctionalUseCase = store.FunctionalUseCase
)

// Functional use cases.
const (
	GeneratesPDF           = store.GeneratesPDF
	HasVirtualEmailInboxes = store.HasVirtualEmailInboxes
	SendsEmails            = store.SendsEmails
)

// Assistant messages.
type (
	Request = assistant.Request
	Answer  = assistant.Answer
	Chunk   = assistant.Chunk
)

// PageSizes lists the accepted list page sizes. The first is the default.
var PageSizes = []int{10, 25, 50}

// ListOptions selects one page of initiatives.
type ListOptions struct {
	// Page is 1-based. Zero means the first page.
	Page     int `json:"page"`
	PageSize int `json:"page_size"`

	// Query is matched against names and descriptions.
	Query              string              `json:"query,omitempty"`
	ToolIDs            []string            `json:"tool_ids,omitempty"`
	BusinessUseCaseIDs []string            `json:"business_use_case_ids,omitempty"`
	FunctionalUseCases []FunctionalUseCase `json:"functional_use_cases,omitempty"`
}

// ListResult is one page of initiatives.
type ListResult struct {
	Items    []*Initiative `json:"items"`
	Total    int           `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

func (o *ListOptions) normalize() error {
	if o.Page < 0 {
		return fmt.Errorf("%w: page must be positive", ErrInvalidInput)
	}
	if o.Page == 0 {
		o.Page = 1
	}
	if o.PageSize == 0 {
		o.PageSize = PageSizes[0]
	}
	if !slices.Contains(PageSizes, o.PageSize) {
		return fmt.Errorf("%w: page size must be one of %v", ErrInvalidInput, PageSizes)
	}
	o.Query = strings.TrimSpace(o.Query)
	o.ToolIDs = slices.Clone(o.ToolIDs)
	o.BusinessUseCaseIDs = slices.Clone(o.BusinessUseCaseIDs)
	for i, id := range o.ToolIDs {
		canonical, err := idgen.Parse(id)
		if err != nil {
			return fmt.Errorf("%w: tool id %q", ErrInvalidInput, id)
		}
		o.ToolIDs[i] = canonical
	}
	for i, id := range o.BusinessUseCaseIDs {
		canonical, err := idgen.Parse(id)
		if err != nil {
			return fmt.Errorf("%w: business use case id %q", ErrInvalidInput, id)
		}
		o.BusinessUseCaseIDs[i] = canonical
	}
	for _, uc := range o.FunctionalUseCases {
		if !slices.Contains(store.FunctionalUseCases, uc) {
			return fmt.Errorf("%w: functional use case %q", ErrInvalidInput, uc)
		}
	}
	return nil
}

// GetInitiative returns a live initiative. Malformed and unknown ids both
// yield ErrNotFound.
func (svc *Service) GetInitiative(ctx context.Context, id string) (*Initiative, error) {
	canonical, err := idgen.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	in, err := svc.store.GetInitiative(ctx, canonical)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	if err != nil {
		return nil, fmt.Errorf("initiative: get: %w", err)
	}
	return in, nil
}

// ListInitiatives returns one page of live initiatives, most recently
// updated first.
func (svc *Service) ListInitiatives(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	items, total, err := svc.store.ListInitiatives(ctx, store.ListFilter{
		Query:              opts.Query,
		ToolIDs:            opts.ToolIDs,
		BusinessUseCaseIDs: opts.BusinessUseCaseIDs,
		FunctionalUseCases: opts.FunctionalUseCases,
		Limit:              opts.PageSize,
		Offset:             (opts.Page - 1) * opts.PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("initiative: list: %w", err)
	}
	if items == nil {
		items = []*Initiative{}
	}
	return &ListResult{Items: items, Total: total, Page: opts.Page, PageSize: opts.PageSize}, nil
}

// ExportRecord is the flat export form of an initiative.
type ExportRecord struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Description        string              `json:"description"`
	Websites           []string            `json:"websites"`
	Repositories       []string            `json:"repositories"`
	BusinessUseCases   []string            `json:"business_use_cases"`
	FunctionalUseCases []FunctionalUseCase `json:"functional_use_cases"`
	Tools              []string            `json:"tools"`
	UpdatedAt          int64               `json:"updated_at"`
}

func exportRecord(in *Initiative) ExportRecord {
	rec := ExportRecord{
		ID:                 in.ID,
		Name:               in.Name,
		Description:        in.Description,
		Websites:           in.Websites,
		Repositories:       in.Repositories,
		BusinessUseCases:   make([]string, 0, len(in.BusinessUseCases)),
		FunctionalUseCases: in.FunctionalUseCases,
		Tools:              make([]string, 0, len(in.Tools)),
		UpdatedAt:          in.UpdatedAt,
	}
	for _, b := range in.BusinessUseCases {
		rec.BusinessUseCases = append(rec.BusinessUseCases, b.Name)
	}
	for _, t := range in.Tools {
		rec.Tools = append(rec.Tools, t.Name)
	}
	return rec
}

// ExportInitiatives calls fn for every live initiative in id order. An
// error from fn stops the export and is returned as is.
func (svc *Service) ExportInitiatives(ctx context.Context, fn func(ExportRecord) error) (err error) {
	n := 0
	done := svc.events.Track("export", "")
	defer func() { done(map[string]int{"records": n}, err) }()

	return svc.store.EachInitiative(ctx, func(in *Initiative) error {
		n++
		return fn(exportRecord(in))
	})
}

// Ask forwards a message to the assistant. Chunks are published to the
// subscribers of the session while the answer streams.
func (svc *Service) Ask(ctx context.Context, req Request) (ans *Answer, err error) {
	done := svc.events.Track("ask", req.SessionID)
	defer func() {
		if ans != nil {
			done(map[string]string{"message": ans.ID}, err)
			return
		}
		done(nil, err)
	}()
	return svc.assistant.Ask(ctx, req)
}

// Subscribe returns the chunks published for a session until cancel is
// called or the service closes.
func (svc *Service) Subscribe(sessionID string) (<-chan Chunk, func(), error) {
	id, err := idgen.Parse(sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: session id %q", ErrInvalidInput, sessionID)
	}
	ch, cancel := svc.broker.Subscribe(id)
	return ch, cancel, nil
}

// ResolveInitiativeLink returns the initiative behind an assistant link.
func (svc *Service) ResolveInitiativeLink(ctx context.Context, link string) (*Initiative, error) {
	in, err := svc.assistant.ResolveInitiativeLink(ctx, link)
	if errors.Is(err, assistant.ErrInitiativeNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return in, err
}
