// Package database provides the SQLite connection and schema migrations
// backing the host state store.
//
// The connection uses a single writer (SetMaxOpenConns(1)) with optional WAL
// mode. Migrations are plain SQL files named YYYYMMDD_HHMMSS_name.up.sql,
// registered by the top-level migrations package and applied in order by
// Migrate, each inside its own transaction.
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/wisersync.db", WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
