// Package migration applies versioned SQL schema changes to the attendance
// store.
//
// Migrations are read from an fs.FS (normally an embedded directory) and must
// be named {version}_{description}.sql, e.g. "001_sessions.sql". Each file runs
// inside a single transaction together with its row in schema_migrations, so a
// failed migration leaves no partial schema behind.
//
//	manager := migration.NewManager(migration.NewScanner(fsys, "migrations"), migration.NewSQLiteExecutor(db), logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return err
//	}
package migration
