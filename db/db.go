// Package db owns the SQLite connection and schema for Nomarr.
//
// Each process opens its own connection; handles are never shared across
// the spawn boundary. The worker orchestration core uses the database as
// its only IPC channel, so WAL mode and a busy timeout are mandatory for
// concurrent readers and writers from multiple processes.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nomarr/nomarr/errors"
)

// Open opens the SQLite database at path with the settings the core
// depends on. If logger is nil the open is silent.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path)
	}
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// WAL mode for concurrent reads during writes (required: every worker
	// process plus the supervisor and broker share this file).
	if _, err := sqlDB.Exec("PRAGMA journal_mode = WAL"); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	// Writers back off instead of failing immediately on lock contention.
	if _, err := sqlDB.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to set busy timeout")
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"wal_mode", true,
		)
	}

	return sqlDB, nil
}

// OpenMemory opens an in-memory database, used by tests. The pool is
// pinned to a single connection so every caller sees the same memory
// database.
func OpenMemory() (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open in-memory database")
	}
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}
	return sqlDB, nil
}
