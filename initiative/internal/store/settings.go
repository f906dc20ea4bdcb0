package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Settings reads the singleton row, creating it on first use.
func (s *Store) Settings(ctx context.Context) (*Settings, error) {
	if _, err := s.q.ExecContext(ctx, `INSERT OR IGNORE INTO settings (id) VALUES (1)`); err != nil {
		return nil, fmt.Errorf("store: ensure settings: %w", err)
	}
	var st Settings
	var initiativeIDs, toolIDs string
	var initiativesAt, toolsAt sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT version, update_ingested_initiatives, update_ingested_tools,
			initiatives_document_ids_json, initiatives_documents_updated_at,
			tools_document_ids_json, tools_documents_updated_at
		FROM settings WHERE id = 1`).Scan(
		&st.Version, &st.UpdateIngestedInitiatives, &st.UpdateIngestedTools,
		&initiativeIDs, &initiativesAt, &toolIDs, &toolsAt)
	if err != nil {
		return nil, fmt.Errorf("store: read settings: %w", err)
	}
	if err := json.Unmarshal([]byte(initiativeIDs), &st.InitiativesDocumentIDs); err != nil {
		return nil, fmt.Errorf("store: settings initiatives documents: %w", err)
	}
	if err := json.Unmarshal([]byte(toolIDs), &st.ToolsDocumentIDs); err != nil {
		return nil, fmt.Errorf("store: settings tools documents: %w", err)
	}
	st.InitiativesDocumentsUpdatedAt = scanNullMs(initiativesAt)
	st.ToolsDocumentsUpdatedAt = scanNullMs(toolsAt)
	return &st, nil
}

// SaveSettings writes st if the row still carries st.Version, then bumps
// the version. A concurrent writer yields ErrSettingsConflict.
func (s *Store) SaveSettings(ctx context.Context, st *Settings) error {
	initiativeIDs, err := json.Marshal(nonNil(st.InitiativesDocumentIDs))
	if err != nil {
		return err
	}
	toolIDs, err := json.Marshal(nonNil(st.ToolsDocumentIDs))
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE settings SET
			version = version + 1,
			update_ingested_initiatives = ?,
			update_ingested_tools = ?,
			initiatives_document_ids_json = ?,
			initiatives_documents_updated_at = ?,
			tools_document_ids_json = ?,
			tools_documents_updated_at = ?
		WHERE id = 1 AND version = ?`,
		st.UpdateIngestedInitiatives, st.UpdateIngestedTools,
		string(initiativeIDs), nullableMs(st.InitiativesDocumentsUpdatedAt),
		string(toolIDs), nullableMs(st.ToolsDocumentsUpdatedAt), st.Version)
	if err != nil {
		return fmt.Errorf("store: save settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSettingsConflict
	}
	st.Version++
	return nil
}

// FlagIngestion marks kind as needing a new knowledge ingestion.
func (s *Store) FlagIngestion(ctx context.Context, kind KnowledgeKind) error {
	if _, err := s.q.ExecContext(ctx, `INSERT OR IGNORE INTO settings (id) VALUES (1)`); err != nil {
		return err
	}
	column := "update_ingested_initiatives"
	if kind == KnowledgeTools {
		column = "update_ingested_tools"
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE settings SET `+column+` = 1, version = version + 1 WHERE id = 1`)
	return err
}
