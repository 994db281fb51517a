package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMetadataDB(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenMetadataDB(dir)
	if err != nil {
		t.Fatalf("OpenMetadataDB: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"intents", "cloud_connections"} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("Table %s not found: %v", table, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, MetadataDBFile)); err != nil {
		t.Errorf("DB file not created: %v", err)
	}
}

func TestConnectionsUniquePerUserProvider(t *testing.T) {
	db, err := OpenMetadataDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenMetadataDB: %v", err)
	}
	defer db.Close()

	insert := `INSERT INTO cloud_connections (user_id, provider, encrypted_data, connected_at, updated_at)
		VALUES ('u1', 'aws', 'x', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`
	if _, err := db.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := db.Exec(insert); err == nil {
		t.Fatal("expected primary key violation on duplicate (user, provider)")
	}
}

func TestIntentConfidenceConstraint(t *testing.T) {
	db, err := OpenMetadataDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenMetadataDB: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`INSERT INTO intents (id, user_id, org_id, raw_prompt, intent_type, provider, action, confidence, created_at, updated_at)
		VALUES ('i1', 'u', 'o', 'p', 'UNKNOWN', 'none', 'NONE', 1.5, 'now', 'now')`)
	if err == nil {
		t.Fatal("expected check constraint failure for confidence > 1")
	}
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	db, err := OpenAuditDB(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAuditDB: %v", err)
	}
	defer db.Close()

	_, err = db.Exec(`INSERT INTO audit_log (timestamp, user_id, action, record_hash)
		VALUES ('2025-01-01T00:00:00Z', 'u1', 'TEST', 'h')`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := db.Exec("UPDATE audit_log SET action = 'X'"); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := db.Exec("DELETE FROM audit_log"); err == nil {
		t.Error("expected delete to be rejected")
	}
}

func TestEnsureDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data")

	if err := EnsureDataDir(path); err != nil {
		t.Fatalf("EnsureDataDir: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("expected 0700, got %o", info.Mode().Perm())
	}
}
