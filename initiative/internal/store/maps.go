package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const mapColumns = `id, main_item_identifier, needs_update, deleted_at, last_reachability_error_at, created_at, updated_at`

// ActiveMaps returns every non-deleted cluster with its membership ids.
func (s *Store) ActiveMaps(ctx context.Context) ([]*InitiativeMap, error) {
	return s.queryMaps(ctx, `SELECT `+mapColumns+` FROM initiative_maps
		WHERE deleted_at IS NULL ORDER BY main_item_identifier`)
}

// MapsNeedingUpdate returns live clusters flagged for (re-)enrichment.
func (s *Store) MapsNeedingUpdate(ctx context.Context) ([]*InitiativeMap, error) {
	return s.queryMaps(ctx, `SELECT `+mapColumns+` FROM initiative_maps
		WHERE deleted_at IS NULL AND needs_update = 1 ORDER BY id`)
}

// MapsByMainItem returns every cluster row, deleted or not, for a main item.
func (s *Store) MapsByMainItem(ctx context.Context, mainItemIdentifier string) ([]*InitiativeMap, error) {
	return s.queryMaps(ctx, `SELECT `+mapColumns+` FROM initiative_maps
		WHERE main_item_identifier = ? ORDER BY created_at`, mainItemIdentifier)
}

// GetMap retrieves a cluster by ID with its membership ids.
func (s *Store) GetMap(ctx context.Context, id string) (*InitiativeMap, error) {
	maps, err := s.queryMaps(ctx, `SELECT `+mapColumns+` FROM initiative_maps WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(maps) == 0 {
		return nil, ErrNotFound
	}
	return maps[0], nil
}

// CountMaps returns the number of cluster rows, soft-deleted ones included.
func (s *Store) CountMaps(ctx context.Context) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM initiative_maps`).Scan(&n)
	return n, err
}

// CreateMap inserts a cluster flagged for enrichment with its memberships.
func (s *Store) CreateMap(ctx context.Context, m *InitiativeMap) error {
	now := s.nowMs()
	if m.ID == "" {
		m.ID = s.newID()
	}
	m.NeedsUpdate = true
	m.CreatedAt, m.UpdatedAt = now, now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO initiative_maps (id, main_item_identifier, needs_update, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)`, m.ID, m.MainItemIdentifier, now, now)
	if err != nil {
		return fmt.Errorf("store: create map %s: %w", m.MainItemIdentifier, err)
	}
	return s.insertMembers(ctx, m.ID, m.Domains, m.Repositories)
}

// ReplaceMembers swaps the membership of the live cluster keyed by
// mainItemIdentifier and flags it for re-enrichment.
func (s *Store) ReplaceMembers(ctx context.Context, mainItemIdentifier string, domains, repositories []Member) error {
	var id string
	err := s.q.QueryRowContext(ctx,
		`SELECT id FROM initiative_maps WHERE main_item_identifier = ? AND deleted_at IS NULL`,
		mainItemIdentifier).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	for _, q := range []string{
		`DELETE FROM raw_domains_on_initiative_maps WHERE initiative_map_id = ?`,
		`DELETE FROM raw_repositories_on_initiative_maps WHERE initiative_map_id = ?`,
	} {
		if _, err := s.q.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	if _, err := s.q.ExecContext(ctx,
		`UPDATE initiative_maps SET needs_update = 1, updated_at = ? WHERE id = ?`,
		s.nowMs(), id); err != nil {
		return err
	}
	return s.insertMembers(ctx, id, domains, repositories)
}

// SoftDeleteMap stamps deleted_at on the live cluster keyed by
// mainItemIdentifier. The row and its memberships are kept.
func (s *Store) SoftDeleteMap(ctx context.Context, mainItemIdentifier string) error {
	now := s.nowMs()
	res, err := s.q.ExecContext(ctx,
		`UPDATE initiative_maps SET deleted_at = ?, updated_at = ?
		WHERE main_item_identifier = ? AND deleted_at IS NULL`, now, now, mainItemIdentifier)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearNeedsUpdate marks a cluster as enriched.
func (s *Store) ClearNeedsUpdate(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE initiative_maps SET needs_update = 0, last_reachability_error_at = NULL, updated_at = ?
		WHERE id = ?`, s.nowMs(), id)
	return err
}

// MarkMapUnreachable records that enrichment of a cluster was cut short by
// reachability failures on its members.
func (s *Store) MarkMapUnreachable(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE initiative_maps SET last_reachability_error_at = ? WHERE id = ?`, s.nowMs(), id)
	return err
}

// MapMembers loads the full raw records of a cluster, main member first.
func (s *Store) MapMembers(ctx context.Context, mapID string) ([]DomainMember, []RepositoryMember, error) {
	drows, err := s.q.QueryContext(ctx,
		`SELECT m.main, `+prefixColumns("d", rawDomainColumns)+`
		FROM raw_domains_on_initiative_maps m JOIN raw_domains d ON d.id = m.raw_domain_id
		WHERE m.initiative_map_id = ? ORDER BY m.main DESC, d.created_at, d.id`, mapID)
	if err != nil {
		return nil, nil, err
	}
	var domains []DomainMember
	for drows.Next() {
		var main bool
		d, err := scanRawDomain(prefixedScanner{drows, &main})
		if err != nil {
			drows.Close()
			return nil, nil, err
		}
		domains = append(domains, DomainMember{RawDomain: d, Main: main})
	}
	drows.Close()
	if err := drows.Err(); err != nil {
		return nil, nil, err
	}

	rrows, err := s.q.QueryContext(ctx,
		`SELECT m.main, `+prefixColumns("r", rawRepositoryColumns)+`
		FROM raw_repositories_on_initiative_maps m JOIN raw_repositories r ON r.id = m.raw_repository_id
		WHERE m.initiative_map_id = ? ORDER BY m.main DESC, r.created_at, r.id`, mapID)
	if err != nil {
		return nil, nil, err
	}
	defer rrows.Close()
	var repos []RepositoryMember
	for rrows.Next() {
		var main bool
		r, err := scanRawRepository(prefixedScanner{rrows, &main})
		if err != nil {
			return nil, nil, err
		}
		repos = append(repos, RepositoryMember{RawRepository: r, Main: main})
	}
	return domains, repos, rrows.Err()
}

func (s *Store) insertMembers(ctx context.Context, mapID string, domains, repositories []Member) error {
	for _, d := range domains {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO raw_domains_on_initiative_maps (initiative_map_id, raw_domain_id, main)
			VALUES (?, ?, ?)`, mapID, d.ID, d.Main); err != nil {
			return fmt.Errorf("store: attach domain %s: %w", d.ID, err)
		}
	}
	for _, r := range repositories {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO raw_repositories_on_initiative_maps (initiative_map_id, raw_repository_id, main)
			VALUES (?, ?, ?)`, mapID, r.ID, r.Main); err != nil {
			return fmt.Errorf("store: attach repository %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *Store) queryMaps(ctx context.Context, query string, args ...any) ([]*InitiativeMap, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var maps []*InitiativeMap
	for rows.Next() {
		var m InitiativeMap
		var deletedAt, errAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.MainItemIdentifier, &m.NeedsUpdate, &deletedAt, &errAt,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.DeletedAt = scanNullMs(deletedAt)
		m.LastReachabilityErrorAt = scanNullMs(errAt)
		maps = append(maps, &m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range maps {
		if m.Domains, err = s.members(ctx,
			`SELECT raw_domain_id, main FROM raw_domains_on_initiative_maps
			WHERE initiative_map_id = ? ORDER BY main DESC, raw_domain_id`, m.ID); err != nil {
			return nil, err
		}
		if m.Repositories, err = s.members(ctx,
			`SELECT raw_repository_id, main FROM raw_repositories_on_initiative_maps
			WHERE initiative_map_id = ? ORDER BY main DESC, raw_repository_id`, m.ID); err != nil {
			return nil, err
		}
	}
	return maps, nil
}

func (s *Store) members(ctx context.Context, query, mapID string) ([]Member, error) {
	rows, err := s.q.QueryContext(ctx, query, mapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Main); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// prefixedScanner scans a leading "main" column before the entity columns.
type prefixedScanner struct {
	rows *sql.Rows
	main *bool
}

func (p prefixedScanner) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.main}, dest...)...)
}

func prefixColumns(alias, columns string) string {
	var out []byte
	field := true
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		if field && c != ' ' && c != '\t' && c != '\n' {
			out = append(out, alias...)
			out = append(out, '.')
			field = false
		}
		out = append(out, c)
		if c == ',' {
			field = true
		}
	}
	return string(out)
}
