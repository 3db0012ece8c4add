// Package database provides SQLite connectivity for the Bifrost settings
// store.
//
// This package manages:
//   - Opening the database file with WAL mode and a busy timeout
//   - Schema migrations read from any fs.FS (normally the embedded
//     migrations package)
//   - Transaction helpers and health checks
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file is restricted to 0600: it holds the broker password
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql.
package database
