package store

import (
	"context"
	"strings"
)

// UpsertTool inserts or refreshes a tool from the tools feed. Names are
// unique regardless of case.
func (s *Store) UpsertTool(ctx context.Context, t *Tool) error {
	now := s.nowMs()
	if t.ID == "" {
		t.ID = s.newID()
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tools (id, name, title, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			title=excluded.title,
			description=excluded.description,
			updated_at=excluded.updated_at`,
		t.ID, t.Name, t.Title, t.Description, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	return s.q.QueryRowContext(ctx, `SELECT id FROM tools WHERE name = ?`, t.Name).Scan(&t.ID)
}

// ToolsByNames returns the existing tools whose name matches one of names,
// ignoring case. Unknown names are silently absent from the result.
func (s *Store) ToolsByNames(ctx context.Context, names []string) ([]Tool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, title, description, created_at, updated_at FROM tools
		WHERE name COLLATE NOCASE IN (`+placeholders+`) ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Tool
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.ID, &t.Name, &t.Title, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// EachTool calls fn for every tool in name order.
func (s *Store) EachTool(ctx context.Context, fn func(*Tool) error) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, title, description, created_at, updated_at FROM tools ORDER BY name`)
	if err != nil {
		return err
	}
	var tools []*Tool
	for rows.Next() {
		var t Tool
		if err := rows.Scan(&t.ID, &t.Name, &t.Title, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return err
		}
		tools = append(tools, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, t := range tools {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}
