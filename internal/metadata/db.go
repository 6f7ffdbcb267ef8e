// Package metadata provides persistent storage for strata engine state:
// layer metadata, tag mappings, and container records.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
//
// Every mapping the engine needs to survive a restart lives here; in-memory
// state (reference counts, mount handles) is rebuilt from these tables.
package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database for strata metadata storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them: WAL for
	// concurrent reads, busy_timeout so concurrent writers wait instead of
	// failing with SQLITE_BUSY.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	mdb := &DB{db: db}
	if err := mdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return mdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS layers (
			digest     TEXT PRIMARY KEY,
			parent     TEXT NOT NULL DEFAULT '',
			size       INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			tag        TEXT PRIMARY KEY,
			digest     TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS containers (
			id           TEXT PRIMARY KEY,
			state        TEXT NOT NULL DEFAULT 'created',
			image_ref    TEXT NOT NULL DEFAULT '',
			image_digest TEXT NOT NULL,
			writable_id  TEXT NOT NULL,
			created_at   TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
