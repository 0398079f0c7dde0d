// Package database provides SQLite storage for the control room.
//
// The database is optional. When enabled it holds the command log, the
// record of every command sent through the control surface or routed by
// the broker.
//
// Usage:
//
//	db, err := database.Open(database.ConfigFrom(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_description.up.sql
// with an optional matching .down.sql. Each applies in its own transaction.
//
// All queries use parameterised statements. The database file is created
// with mode 0600.
package database
