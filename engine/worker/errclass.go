package worker

import (
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/nomarr/nomarr/errors"
)

// Transient reports whether err is worth retrying in place: SQLite lock
// contention that the busy timeout did not absorb. Everything else is
// either a job failure (plain error) or process-fatal (FatalError).
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// Driver errors sometimes arrive flattened to strings through wrap
	// boundaries.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
