package observability

import "database/sql"

// Schema contains the DDL of the pipeline event log. It can live in the
// application database or in a separate one to avoid write contention.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    event_id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    subject TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    details TEXT NOT NULL DEFAULT '{}',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_stage_time
    ON pipeline_events(stage, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_pipeline_events_status
    ON pipeline_events(status, created_at DESC);
`

// Init applies the event log schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
