// Package db provides SQLite database management for SafeOps.
// Two databases per install: safeops.db (intents and connections) and
// safeops-audit.db (append-only audit log).
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	MetadataDBFile = "safeops.db"
	AuditDBFile    = "safeops-audit.db"
)

// MetadataSchema defines the intent and connection tables.
const MetadataSchema = `
PRAGMA journal_mode=WAL;

-- Normalized intents and their journey state
CREATE TABLE IF NOT EXISTS intents (
    id                    TEXT PRIMARY KEY,
    user_id               TEXT NOT NULL,
    org_id                TEXT NOT NULL,
    thread_id             TEXT DEFAULT '',
    raw_prompt            TEXT NOT NULL,
    intent_type           TEXT NOT NULL,
    provider              TEXT NOT NULL,
    action                TEXT NOT NULL,
    parameters            TEXT DEFAULT '{}',  -- JSON object
    summary               TEXT DEFAULT '',
    steps                 TEXT DEFAULT '[]',  -- JSON array
    ctas                  TEXT DEFAULT '[]',  -- JSON array
    hooks                 TEXT DEFAULT '[]',  -- JSON array
    status                TEXT NOT NULL DEFAULT 'PENDING_VALIDATION',
    confidence            REAL NOT NULL DEFAULT 0.0 CHECK (confidence >= 0.0 AND confidence <= 1.0),
    requires_confirmation INTEGER NOT NULL DEFAULT 1,
    result                TEXT,
    error                 TEXT DEFAULT '',
    execution_time_ms     INTEGER DEFAULT 0,
    created_at            TEXT NOT NULL,
    updated_at            TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_intents_user ON intents(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_intents_org ON intents(org_id);
CREATE INDEX IF NOT EXISTS idx_intents_thread ON intents(thread_id);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);

-- Vaulted cloud credentials, one row per (user, provider)
CREATE TABLE IF NOT EXISTS cloud_connections (
    user_id         TEXT NOT NULL,
    provider        TEXT NOT NULL CHECK (provider IN ('aws', 'gcp')),
    project_id      TEXT DEFAULT '',
    account_id      TEXT DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'CONNECTED',
    encrypted_data  TEXT NOT NULL DEFAULT '',
    connected_at    TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    PRIMARY KEY (user_id, provider)
);
`

// AuditSchema defines the append-only audit log table.
const AuditSchema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    org_id          TEXT NOT NULL DEFAULT 'default',
    intent_id       TEXT DEFAULT '',
    provider        TEXT NOT NULL DEFAULT 'system',
    action          TEXT NOT NULL,
    payload         TEXT DEFAULT '{}',
    severity        TEXT NOT NULL DEFAULT 'INFO',
    record_hash     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_intent ON audit_log(intent_id);
CREATE INDEX IF NOT EXISTS idx_audit_severity ON audit_log(severity);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);

CREATE TRIGGER IF NOT EXISTS audit_log_no_update
BEFORE UPDATE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit_log is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
BEFORE DELETE ON audit_log
BEGIN
    SELECT RAISE(ABORT, 'audit_log is append-only');
END;
`

// OpenMetadataDB opens or creates the intent/connection database in dataDir.
func OpenMetadataDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, MetadataDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	if _, err := db.Exec(MetadataSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metadata schema: %w", err)
	}

	return db, nil
}

// OpenAuditDB opens or creates the append-only audit database in dataDir.
func OpenAuditDB(dataDir string) (*sql.DB, error) {
	dbPath := filepath.Join(dataDir, AuditDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}

	if _, err := db.Exec(AuditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}

	return db, nil
}

// EnsureDataDir creates the data directory with owner-only permissions.
func EnsureDataDir(path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	return nil
}
