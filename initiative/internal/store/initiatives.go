package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const initiativeColumns = `i.id, i.origin_id, i.name, i.description, i.websites_json,
	i.repositories_json, i.functional_use_cases_json, i.created_at, i.updated_at`

// liveInitiatives restricts to initiatives whose origin cluster is not deleted.
const liveInitiatives = `FROM initiatives i JOIN initiative_maps m ON m.id = i.origin_id
	WHERE m.deleted_at IS NULL`

// UpsertInitiative creates or updates the initiative of in.OriginID. The
// origin reference is immutable; in.ID is filled with the persisted ID.
func (s *Store) UpsertInitiative(ctx context.Context, in *Initiative) error {
	websites, err := json.Marshal(nonNil(in.Websites))
	if err != nil {
		return err
	}
	repos, err := json.Marshal(nonNil(in.Repositories))
	if err != nil {
		return err
	}
	fucs := in.FunctionalUseCases
	if fucs == nil {
		fucs = []FunctionalUseCase{}
	}
	flags, err := json.Marshal(fucs)
	if err != nil {
		return err
	}

	now := s.nowMs()
	if in.ID == "" {
		in.ID = s.newID()
	}
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO initiatives (id, origin_id, name, description, websites_json,
			repositories_json, functional_use_cases_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(origin_id) DO UPDATE SET
			name=excluded.name,
			description=excluded.description,
			websites_json=excluded.websites_json,
			repositories_json=excluded.repositories_json,
			functional_use_cases_json=excluded.functional_use_cases_json,
			updated_at=excluded.updated_at`,
		in.ID, in.OriginID, in.Name, in.Description, string(websites),
		string(repos), string(flags), now, now); err != nil {
		return fmt.Errorf("store: upsert initiative: %w", err)
	}
	return s.q.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM initiatives WHERE origin_id = ?`, in.OriginID).
		Scan(&in.ID, &in.CreatedAt, &in.UpdatedAt)
}

// SetInitiativeTools replaces the tool links of an initiative.
func (s *Store) SetInitiativeTools(ctx context.Context, initiativeID string, toolIDs []string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM tools_on_initiatives WHERE initiative_id = ?`, initiativeID); err != nil {
		return err
	}
	for _, id := range toolIDs {
		if _, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO tools_on_initiatives (tool_id, initiative_id) VALUES (?, ?)`,
			id, initiativeID); err != nil {
			return err
		}
	}
	return nil
}

// SetInitiativeBusinessUseCases replaces the business use case links.
func (s *Store) SetInitiativeBusinessUseCases(ctx context.Context, initiativeID string, ids []string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM business_use_cases_on_initiatives WHERE initiative_id = ?`, initiativeID); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO business_use_cases_on_initiatives (business_use_case_id, initiative_id)
			VALUES (?, ?)`, id, initiativeID); err != nil {
			return err
		}
	}
	return nil
}

// EnsureBusinessUseCase returns the use case named name, creating it if
// absent.
func (s *Store) EnsureBusinessUseCase(ctx context.Context, name string) (*BusinessUseCase, error) {
	now := s.nowMs()
	if _, err := s.q.ExecContext(ctx,
		`INSERT INTO business_use_cases (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`, s.newID(), name, now, now); err != nil {
		return nil, err
	}
	var b BusinessUseCase
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name FROM business_use_cases WHERE name = ?`, name).Scan(&b.ID, &b.Name)
	return &b, err
}

// GetInitiative retrieves a live initiative with its associations.
func (s *Store) GetInitiative(ctx context.Context, id string) (*Initiative, error) {
	in, err := scanInitiative(s.q.QueryRowContext(ctx,
		`SELECT `+initiativeColumns+` `+liveInitiatives+` AND i.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAssociations(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// GetInitiativeByOrigin retrieves the initiative of a cluster, if any.
func (s *Store) GetInitiativeByOrigin(ctx context.Context, originID string) (*Initiative, error) {
	in, err := scanInitiative(s.q.QueryRowContext(ctx,
		`SELECT `+initiativeColumns+` FROM initiatives i WHERE i.origin_id = ?`, originID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAssociations(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

// ListInitiatives returns one page of live initiatives matching f, most
// recently updated first, plus the total match count.
func (s *Store) ListInitiatives(ctx context.Context, f ListFilter) ([]*Initiative, int, error) {
	where, args := listWhere(f)

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) `+liveInitiatives+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count initiatives: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+initiativeColumns+` `+liveInitiatives+where+`
		ORDER BY i.updated_at DESC, i.id LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list initiatives: %w", err)
	}
	list, err := collectInitiatives(rows)
	if err != nil {
		return nil, 0, err
	}
	for _, in := range list {
		if err := s.loadAssociations(ctx, in); err != nil {
			return nil, 0, err
		}
	}
	return list, total, nil
}

// EachInitiative calls fn for every live initiative in ID order.
func (s *Store) EachInitiative(ctx context.Context, fn func(*Initiative) error) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+initiativeColumns+` `+liveInitiatives+` ORDER BY i.id`)
	if err != nil {
		return err
	}
	list, err := collectInitiatives(rows)
	if err != nil {
		return err
	}
	for _, in := range list {
		if err := s.loadAssociations(ctx, in); err != nil {
			return err
		}
		if err := fn(in); err != nil {
			return err
		}
	}
	return nil
}

// InitiativeExists reports whether a live initiative has this ID.
func (s *Store) InitiativeExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) `+liveInitiatives+` AND i.id = ?`, id).Scan(&n)
	return n > 0, err
}

func listWhere(f ListFilter) (string, []any) {
	var b strings.Builder
	var args []any
	if q := ftsQuery(f.Query); q != "" {
		b.WriteString(` AND i.rowid IN (SELECT rowid FROM initiatives_fts WHERE initiatives_fts MATCH ?)`)
		args = append(args, q)
	}
	for _, id := range f.ToolIDs {
		b.WriteString(` AND EXISTS (SELECT 1 FROM tools_on_initiatives t WHERE t.initiative_id = i.id AND t.tool_id = ?)`)
		args = append(args, id)
	}
	for _, id := range f.BusinessUseCaseIDs {
		b.WriteString(` AND EXISTS (SELECT 1 FROM business_use_cases_on_initiatives b WHERE b.initiative_id = i.id AND b.business_use_case_id = ?)`)
		args = append(args, id)
	}
	for _, fuc := range f.FunctionalUseCases {
		b.WriteString(` AND EXISTS (SELECT 1 FROM json_each(i.functional_use_cases_json) j WHERE j.value = ?)`)
		args = append(args, string(fuc))
	}
	return b.String(), args
}

// ftsQuery turns free text into an FTS5 query of quoted prefix terms.
func ftsQuery(q string) string {
	var terms []string
	for _, w := range strings.Fields(q) {
		w = strings.ReplaceAll(w, `"`, `""`)
		terms = append(terms, `"`+w+`"*`)
	}
	return strings.Join(terms, " ")
}

func (s *Store) loadAssociations(ctx context.Context, in *Initiative) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT t.id, t.name, t.title, t.description, t.created_at, t.updated_at
		FROM tools t JOIN tools_on_initiatives ti ON ti.tool_id = t.id
		WHERE ti.initiative_id = ? ORDER BY t.name`, in.ID)
	if err != nil {
		return err
	}
	in.Tools = []Tool{}
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.ID, &t.Name, &t.Title, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return err
		}
		in.Tools = append(in.Tools, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.q.QueryContext(ctx,
		`SELECT b.id, b.name FROM business_use_cases b
		JOIN business_use_cases_on_initiatives bi ON bi.business_use_case_id = b.id
		WHERE bi.initiative_id = ? ORDER BY b.name`, in.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	in.BusinessUseCases = []BusinessUseCase{}
	for rows.Next() {
		var b BusinessUseCase
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return err
		}
		in.BusinessUseCases = append(in.BusinessUseCases, b)
	}
	return rows.Err()
}

func collectInitiatives(rows *sql.Rows) ([]*Initiative, error) {
	defer rows.Close()
	var out []*Initiative
	for rows.Next() {
		in, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func scanInitiative(sc scanner) (*Initiative, error) {
	var in Initiative
	var websites, repos, flags string
	if err := sc.Scan(&in.ID, &in.OriginID, &in.Name, &in.Description, &websites,
		&repos, &flags, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(websites), &in.Websites); err != nil {
		return nil, fmt.Errorf("store: initiative %s websites: %w", in.ID, err)
	}
	if err := json.Unmarshal([]byte(repos), &in.Repositories); err != nil {
		return nil, fmt.Errorf("store: initiative %s repositories: %w", in.ID, err)
	}
	if err := json.Unmarshal([]byte(flags), &in.FunctionalUseCases); err != nil {
		return nil, fmt.Errorf("store: initiative %s functional use cases: %w", in.ID, err)
	}
	return &in, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
