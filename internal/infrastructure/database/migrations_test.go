package database

import (
	"context"
	"io/fs"
	"testing"
	"testing/fstest"
	"time"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_create_widgets.up.sql": {
			Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT NOT NULL);"),
		},
		"20260101_000000_create_widgets.down.sql": {
			Data: []byte("DROP TABLE widgets;"),
		},
		"20260102_000000_create_gadgets.up.sql": {
			Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY);"),
		},
		"20260102_000000_create_gadgets.down.sql": {
			Data: []byte("DROP TABLE gadgets;"),
		},
		"README.md": {Data: []byte("ignored")},
	}
}

// useMigrations swaps the package migration source for the duration of a test.
func useMigrations(t *testing.T, fsys fs.FS) {
	t.Helper()
	origFS, origDir := Migrations, MigrationsDir
	t.Cleanup(func() {
		Migrations, MigrationsDir = origFS, origDir
	})
	Migrations, MigrationsDir = fsys, "."
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations())

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"widgets", "gadgets"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s not created", table)
		}
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2/0", len(applied), len(pending))
	}
	if applied[0].Version != "20260101_000000" {
		t.Errorf("first applied = %s, want 20260101_000000", applied[0].Version)
	}

	// Idempotent.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations())

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "gadgets") {
		t.Error("gadgets should have been dropped")
	}
	if !tableExists(t, db, "widgets") {
		t.Error("widgets should remain")
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 || len(pending) != 1 {
		t.Errorf("applied=%d pending=%d, want 1/1", len(applied), len(pending))
	}
}

func TestMigrate_FailureStopsAtBrokenMigration(t *testing.T) {
	fsys := testMigrations()
	fsys["20260102_000000_create_gadgets.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLEX nope;")}
	useMigrations(t, fsys)

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() should fail on invalid SQL")
	}

	if !tableExists(t, db, "widgets") {
		t.Error("earlier migration should stay committed")
	}
	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("applied = %d, want 1", len(applied))
	}
}

func TestMigrate_NoSource(t *testing.T) {
	useMigrations(t, nil)

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() with no migrations error = %v", err)
	}
	if err := db.MigrateDown(context.Background()); err != nil {
		t.Fatalf("MigrateDown() with nothing applied error = %v", err)
	}
}

func TestLoadMigrations_MissingUp(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260101_000000_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
	})

	if _, err := loadMigrations(); err == nil {
		t.Fatal("loadMigrations() should reject a down file without its up file")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantUp      bool
		wantOk      bool
	}{
		{"20260118_120000_create_users.up.sql", "20260118_120000", "create_users", true, true},
		{"20260118_120000_create_users.down.sql", "20260118_120000", "create_users", false, true},
		{"20260118_120000.up.sql", "20260118_120000", "", true, true},
		{"readme.txt", "", "", false, false},
		{"20260118_120000_create_users.sql", "", "", false, false},
		{"invalid.up.sql", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, up, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || name != tt.wantName || up != tt.wantUp {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)",
					version, name, up, tt.wantVersion, tt.wantName, tt.wantUp)
			}
		})
	}
}
