package store

import "database/sql"

// Schema is the complete ingest schema. Timestamps are unix milliseconds
// except records.ingested_at, which is unix nanoseconds so that every
// inserted record gets a distinct, strictly increasing value.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
    fingerprint   TEXT PRIMARY KEY,
    source        TEXT NOT NULL,
    connector_id  TEXT NOT NULL,
    native_id     TEXT NOT NULL DEFAULT '',
    title         TEXT NOT NULL DEFAULT '',
    text          TEXT NOT NULL DEFAULT '',
    author        TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL DEFAULT '',
    published_at  INTEGER,
    metadata      TEXT NOT NULL DEFAULT '{}',
    annotations   TEXT NOT NULL DEFAULT '{}',
    ingested_at   INTEGER NOT NULL,
    cursor_token  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_records_order ON records(ingested_at, fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_source ON records(source, ingested_at, fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_connector ON records(connector_id, ingested_at, fingerprint);

CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
    title, text, content='records', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
    INSERT INTO records_fts(rowid, title, text) VALUES (new.rowid, new.title, new.text);
END;
CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
    INSERT INTO records_fts(records_fts, rowid, title, text) VALUES('delete', old.rowid, old.title, old.text);
END;
CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE OF title, text ON records BEGIN
    INSERT INTO records_fts(records_fts, rowid, title, text) VALUES('delete', old.rowid, old.title, old.text);
    INSERT INTO records_fts(rowid, title, text) VALUES (new.rowid, new.title, new.text);
END;

CREATE TABLE IF NOT EXISTS connector_state (
    connector_id          TEXT PRIMARY KEY,
    last_cursor           TEXT NOT NULL DEFAULT '',
    last_success_at       INTEGER,
    consecutive_failures  INTEGER NOT NULL DEFAULT 0,
    backoff_until         INTEGER,
    status                TEXT NOT NULL DEFAULT 'idle',
    last_error            TEXT NOT NULL DEFAULT '',
    updated_at            INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS fetch_log (
    id            TEXT PRIMARY KEY,
    connector_id  TEXT NOT NULL,
    status        TEXT NOT NULL,
    fetched       INTEGER NOT NULL DEFAULT 0,
    inserted      INTEGER NOT NULL DEFAULT 0,
    deduped       INTEGER NOT NULL DEFAULT 0,
    dropped       INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    fetched_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_connector ON fetch_log(connector_id, fetched_at DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
    name        TEXT PRIMARY KEY,
    value       TEXT NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// ApplySchema creates all tables, indexes and triggers. Idempotent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
