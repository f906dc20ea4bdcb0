package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const rawDomainColumns = `id, name, main_similar_domain_id, indexable_from_robots_txt,
	website_content_indexable, website_has_content, website_has_style, redirect_domain_target,
	website_title, website_inferred_name, website_raw_content, probable_repository_url,
	last_reachability_error_at, last_reachability_error_message, created_at, updated_at`

const rawRepositoryColumns = `id, repository_url, name, description, homepage, is_fork,
	main_similar_repository_id, probable_website_domain, default_branch,
	last_reachability_error_at, last_reachability_error_message, created_at, updated_at`

// UpsertRawDomain inserts or refreshes a domain from the feed.
func (s *Store) UpsertRawDomain(ctx context.Context, d *RawDomain) error {
	now := s.nowMs()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.ID == "" {
		d.ID = s.newID()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO raw_domains (`+rawDomainColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			main_similar_domain_id=excluded.main_similar_domain_id,
			indexable_from_robots_txt=excluded.indexable_from_robots_txt,
			website_content_indexable=excluded.website_content_indexable,
			website_has_content=excluded.website_has_content,
			website_has_style=excluded.website_has_style,
			redirect_domain_target=excluded.redirect_domain_target,
			website_title=excluded.website_title,
			website_inferred_name=excluded.website_inferred_name,
			website_raw_content=excluded.website_raw_content,
			probable_repository_url=excluded.probable_repository_url,
			updated_at=excluded.updated_at`,
		d.ID, d.Name, d.MainSimilarDomainID, d.IndexableFromRobotsTxt,
		d.WebsiteContentIndexable, d.WebsiteHasContent, d.WebsiteHasStyle, d.RedirectDomainTarget,
		d.WebsiteTitle, d.WebsiteInferredName, d.WebsiteRawContent, d.ProbableRepositoryURL,
		nullableMs(d.LastReachabilityErrorAt), d.LastReachabilityErrorMessage, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

// UpsertRawRepository inserts or refreshes a repository from the feed.
func (s *Store) UpsertRawRepository(ctx context.Context, r *RawRepository) error {
	now := s.nowMs()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.ID == "" {
		r.ID = s.newID()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO raw_repositories (`+rawRepositoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_url=excluded.repository_url,
			name=excluded.name,
			description=excluded.description,
			homepage=excluded.homepage,
			is_fork=excluded.is_fork,
			main_similar_repository_id=excluded.main_similar_repository_id,
			probable_website_domain=excluded.probable_website_domain,
			default_branch=excluded.default_branch,
			updated_at=excluded.updated_at`,
		r.ID, r.RepositoryURL, r.Name, r.Description, r.Homepage, r.IsFork,
		r.MainSimilarRepositoryID, r.ProbableWebsiteDomain, r.DefaultBranch,
		nullableMs(r.LastReachabilityErrorAt), r.LastReachabilityErrorMessage, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// EligibleRawDomains returns domains worth clustering: indexable, with
// styled content and not redirecting. Order is stable across runs.
func (s *Store) EligibleRawDomains(ctx context.Context) ([]*RawDomain, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+rawDomainColumns+` FROM raw_domains
		WHERE indexable_from_robots_txt = 1
			AND website_content_indexable = 1
			AND website_has_content = 1
			AND website_has_style = 1
			AND redirect_domain_target = ''
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RawDomain
	for rows.Next() {
		d, err := scanRawDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// EligibleRawRepositories returns non-fork repositories in stable order.
func (s *Store) EligibleRawRepositories(ctx context.Context) ([]*RawRepository, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+rawRepositoryColumns+` FROM raw_repositories
		WHERE is_fork = 0
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RawRepository
	for rows.Next() {
		r, err := scanRawRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRawDomain retrieves a domain by ID.
func (s *Store) GetRawDomain(ctx context.Context, id string) (*RawDomain, error) {
	d, err := scanRawDomain(s.q.QueryRowContext(ctx,
		`SELECT `+rawDomainColumns+` FROM raw_domains WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// GetRawRepository retrieves a repository by ID.
func (s *Store) GetRawRepository(ctx context.Context, id string) (*RawRepository, error) {
	r, err := scanRawRepository(s.q.QueryRowContext(ctx,
		`SELECT `+rawRepositoryColumns+` FROM raw_repositories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// MarkDomainUnreachable records a transient reachability failure.
func (s *Store) MarkDomainUnreachable(ctx context.Context, id, message string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE raw_domains SET last_reachability_error_at = ?, last_reachability_error_message = ?
		WHERE id = ?`, at.UnixMilli(), message, id)
	return err
}

// MarkRepositoryUnreachable records a transient reachability failure.
func (s *Store) MarkRepositoryUnreachable(ctx context.Context, id, message string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE raw_repositories SET last_reachability_error_at = ?, last_reachability_error_message = ?
		WHERE id = ?`, at.UnixMilli(), message, id)
	return err
}

// ClearDomainUnreachable forgets a past reachability failure.
func (s *Store) ClearDomainUnreachable(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE raw_domains SET last_reachability_error_at = NULL, last_reachability_error_message = ''
		WHERE id = ? AND last_reachability_error_at IS NOT NULL`, id)
	return err
}

// ClearRepositoryUnreachable forgets a past reachability failure.
func (s *Store) ClearRepositoryUnreachable(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE raw_repositories SET last_reachability_error_at = NULL, last_reachability_error_message = ''
		WHERE id = ? AND last_reachability_error_at IS NOT NULL`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRawDomain(sc scanner) (*RawDomain, error) {
	var d RawDomain
	var errAt sql.NullInt64
	err := sc.Scan(&d.ID, &d.Name, &d.MainSimilarDomainID, &d.IndexableFromRobotsTxt,
		&d.WebsiteContentIndexable, &d.WebsiteHasContent, &d.WebsiteHasStyle, &d.RedirectDomainTarget,
		&d.WebsiteTitle, &d.WebsiteInferredName, &d.WebsiteRawContent, &d.ProbableRepositoryURL,
		&errAt, &d.LastReachabilityErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.LastReachabilityErrorAt = scanNullMs(errAt)
	return &d, nil
}

func scanRawRepository(sc scanner) (*RawRepository, error) {
	var r RawRepository
	var errAt sql.NullInt64
	err := sc.Scan(&r.ID, &r.RepositoryURL, &r.Name, &r.Description, &r.Homepage, &r.IsFork,
		&r.MainSimilarRepositoryID, &r.ProbableWebsiteDomain, &r.DefaultBranch,
		&errAt, &r.LastReachabilityErrorMessage, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.LastReachabilityErrorAt = scanNullMs(errAt)
	return &r, nil
}
