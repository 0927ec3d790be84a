package auth

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/nerrad567/v900-core/internal/infrastructure/config"
	"github.com/nerrad567/v900-core/internal/infrastructure/database"
	_ "github.com/nerrad567/v900-core/migrations"
)

// testDB creates a temporary, migrated SQLite database.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "auth-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() {
		os.Remove(dbPath)
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
	})

	db, err := database.Open(config.DatabaseConfig{Path: dbPath, WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db.DB
}
