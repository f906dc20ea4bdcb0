package initiative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hazyhaar/etabli/initiative/internal/store"
)

// RawRepository is a record of the repositories feed.
type RawRepository = store.RawRepository

// DomainRecord is a raw domain as carried by the feed. Unlike the stored
// record it includes the crawled page.
type DomainRecord struct {
	store.RawDomain
	WebsiteRawContent string `json:"website_raw_content,omitempty"`
}

// ImportRawDomains upserts every domain of a newline-delimited JSON feed
// and returns the number of records written. Records are applied one by
// one: a malformed record stops the import after the previous ones.
func (svc *Service) ImportRawDomains(ctx context.Context, r io.Reader) (int, error) {
	return importFeed(ctx, r, "domains", func(rec *DomainRecord) error {
		if strings.TrimSpace(rec.Name) == "" {
			return fmt.Errorf("%w: domain without name", ErrInvalidInput)
		}
		d := rec.RawDomain
		d.WebsiteRawContent = rec.WebsiteRawContent
		return svc.store.UpsertRawDomain(ctx, &d)
	})
}

// ImportRawRepositories upserts every repository of a newline-delimited
// JSON feed.
func (svc *Service) ImportRawRepositories(ctx context.Context, r io.Reader) (int, error) {
	return importFeed(ctx, r, "repositories", func(rec *RawRepository) error {
		if strings.TrimSpace(rec.RepositoryURL) == "" {
			return fmt.Errorf("%w: repository without url", ErrInvalidInput)
		}
		return svc.store.UpsertRawRepository(ctx, rec)
	})
}

// ImportTools upserts the tools vocabulary and flags the tools knowledge
// base for a new ingestion when anything was written.
func (svc *Service) ImportTools(ctx context.Context, r io.Reader) (int, error) {
	n, err := importFeed(ctx, r, "tools", func(rec *Tool) error {
		if strings.TrimSpace(rec.Name) == "" {
			return fmt.Errorf("%w: tool without name", ErrInvalidInput)
		}
		return svc.store.UpsertTool(ctx, rec)
	})
	if n > 0 {
		if ferr := svc.store.FlagIngestion(ctx, store.KnowledgeTools); ferr != nil {
			err = errors.Join(err, fmt.Errorf("initiative: import tools: %w", ferr))
		}
	}
	return n, err
}

func importFeed[T any](ctx context.Context, r io.Reader, feed string, apply func(*T) error) (int, error) {
	n := 0
	dec := json.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var rec T
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%w: %s record %d: %v", ErrInvalidInput, feed, n+1, err)
		}
		if err := apply(&rec); err != nil {
			return n, fmt.Errorf("initiative: import %s record %d: %w", feed, n+1, err)
		}
		n++
	}
}
