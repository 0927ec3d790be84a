// Package database provides SQLite storage for V900 Core.
//
// The database holds the small amount of state that must survive a restart:
// device authentication tokens, the last known snapshot of each device and
// the audit log.
// Live state is owned by the in-memory registry; SQLite is written behind it.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are embedded by the migrations package and named
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql. Each one runs in its
// own transaction and is recorded in schema_migrations.
package database
