package store

// Schema is the complete etabli schema. It is idempotent and applied on open.
const Schema = `
-- Raw feeds, written by the feed collaborator, read-only to the pipeline.
CREATE TABLE IF NOT EXISTS raw_domains (
    id                               TEXT PRIMARY KEY,
    name                             TEXT NOT NULL UNIQUE,
    main_similar_domain_id           TEXT NOT NULL DEFAULT '',
    indexable_from_robots_txt        INTEGER NOT NULL DEFAULT 0,
    website_content_indexable        INTEGER NOT NULL DEFAULT 0,
    website_has_content              INTEGER NOT NULL DEFAULT 0,
    website_has_style                INTEGER NOT NULL DEFAULT 0,
    redirect_domain_target           TEXT NOT NULL DEFAULT '',
    website_title                    TEXT NOT NULL DEFAULT '',
    website_inferred_name            TEXT NOT NULL DEFAULT '',
    website_raw_content              TEXT NOT NULL DEFAULT '',
    probable_repository_url          TEXT NOT NULL DEFAULT '',
    last_reachability_error_at       INTEGER,
    last_reachability_error_message  TEXT NOT NULL DEFAULT '',
    created_at                       INTEGER NOT NULL,
    updated_at                       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_repositories (
    id                               TEXT PRIMARY KEY,
    repository_url                   TEXT NOT NULL UNIQUE,
    name                             TEXT NOT NULL,
    description                      TEXT NOT NULL DEFAULT '',
    homepage                         TEXT NOT NULL DEFAULT '',
    is_fork                          INTEGER NOT NULL DEFAULT 0,
    main_similar_repository_id       TEXT NOT NULL DEFAULT '',
    probable_website_domain          TEXT NOT NULL DEFAULT '',
    default_branch                   TEXT NOT NULL DEFAULT '',
    last_reachability_error_at       INTEGER,
    last_reachability_error_message  TEXT NOT NULL DEFAULT '',
    created_at                       INTEGER NOT NULL,
    updated_at                       INTEGER NOT NULL
);

-- Clusters. Rows are soft-deleted, never removed.
CREATE TABLE IF NOT EXISTS initiative_maps (
    id                          TEXT PRIMARY KEY,
    main_item_identifier        TEXT NOT NULL,
    needs_update                INTEGER NOT NULL DEFAULT 1,
    deleted_at                  INTEGER,
    last_reachability_error_at  INTEGER,
    created_at                  INTEGER NOT NULL,
    updated_at                  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_initiative_maps_main_live
    ON initiative_maps(main_item_identifier) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_initiative_maps_update
    ON initiative_maps(needs_update, deleted_at);

CREATE TABLE IF NOT EXISTS raw_domains_on_initiative_maps (
    initiative_map_id  TEXT NOT NULL REFERENCES initiative_maps(id),
    raw_domain_id      TEXT NOT NULL REFERENCES raw_domains(id),
    main               INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (initiative_map_id, raw_domain_id)
);

CREATE TABLE IF NOT EXISTS raw_repositories_on_initiative_maps (
    initiative_map_id  TEXT NOT NULL REFERENCES initiative_maps(id),
    raw_repository_id  TEXT NOT NULL REFERENCES raw_repositories(id),
    main               INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (initiative_map_id, raw_repository_id)
);

-- Enriched entities.
CREATE TABLE IF NOT EXISTS initiatives (
    id                         TEXT PRIMARY KEY,
    origin_id                  TEXT NOT NULL UNIQUE REFERENCES initiative_maps(id),
    name                       TEXT NOT NULL,
    description                TEXT NOT NULL DEFAULT '',
    websites_json              TEXT NOT NULL DEFAULT '[]',
    repositories_json          TEXT NOT NULL DEFAULT '[]',
    functional_use_cases_json  TEXT NOT NULL DEFAULT '[]',
    created_at                 INTEGER NOT NULL,
    updated_at                 INTEGER NOT NULL
);

CREATE VIRTUAL TABLE IF NOT EXISTS initiatives_fts USING fts5(
    name, description, content='initiatives', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);
CREATE TRIGGER IF NOT EXISTS initiatives_ai AFTER INSERT ON initiatives BEGIN
    INSERT INTO initiatives_fts(rowid, name, description) VALUES (new.rowid, new.name, new.description);
END;
CREATE TRIGGER IF NOT EXISTS initiatives_au AFTER UPDATE ON initiatives BEGIN
    INSERT INTO initiatives_fts(initiatives_fts, rowid, name, description) VALUES('delete', old.rowid, old.name, old.description);
    INSERT INTO initiatives_fts(rowid, name, description) VALUES (new.rowid, new.name, new.description);
END;

CREATE TABLE IF NOT EXISTS tools (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL UNIQUE COLLATE NOCASE,
    title        TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tools_on_initiatives (
    tool_id        TEXT NOT NULL REFERENCES tools(id),
    initiative_id  TEXT NOT NULL REFERENCES initiatives(id),
    PRIMARY KEY (tool_id, initiative_id)
);

CREATE TABLE IF NOT EXISTS business_use_cases (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS business_use_cases_on_initiatives (
    business_use_case_id  TEXT NOT NULL REFERENCES business_use_cases(id),
    initiative_id         TEXT NOT NULL REFERENCES initiatives(id),
    PRIMARY KEY (business_use_case_id, initiative_id)
);

-- Process-wide singleton. Writers compare-and-swap on version.
CREATE TABLE IF NOT EXISTS settings (
    id                                INTEGER PRIMARY KEY CHECK (id = 1),
    version                           INTEGER NOT NULL DEFAULT 1,
    update_ingested_initiatives       INTEGER NOT NULL DEFAULT 1,
    update_ingested_tools             INTEGER NOT NULL DEFAULT 1,
    initiatives_document_ids_json     TEXT NOT NULL DEFAULT '[]',
    initiatives_documents_updated_at  INTEGER,
    tools_document_ids_json           TEXT NOT NULL DEFAULT '[]',
    tools_documents_updated_at        INTEGER
);
`
