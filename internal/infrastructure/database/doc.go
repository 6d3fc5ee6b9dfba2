// Package database provides the SQLite connection used by LaserLink Core.
//
// It owns the connection setup (WAL journal, busy timeout, single writer)
// and applies the embedded schema migrations. Higher-level persistence
// such as the poke list and cached credentials lives in package store.
//
// Migrations are named YYYYMMDD_HHMMSS_description.{up,down}.sql and are
// registered by the top-level migrations package:
//
//	import _ "github.com/nerrad567/laserlink-core/migrations"
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// The database file is created with 0600 permissions.
package database
