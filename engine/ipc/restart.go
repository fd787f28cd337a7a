package ipc

import (
	"math"

	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// LockedForever is the locked_until sentinel for a rapid-failure lockout.
// Only ResetCount lifts it; time never does.
const LockedForever int64 = math.MaxInt64

// RestartRecord is the per-component restart bookkeeping the supervisor's
// restart policy reads and writes.
type RestartRecord struct {
	Component    string
	RestartCount int
	LastRestart  *int64
	WindowStart  int64
	LockedUntil  *int64
}

// Locked reports whether the component is locked out at nowMS.
func (r *RestartRecord) Locked(nowMS int64) bool {
	return r.LockedUntil != nil && *r.LockedUntil > nowMS
}

// RestartStore reads and writes the restart_policy table.
type RestartStore struct {
	db *storage.DB
}

// NewRestartStore creates a restart store over db.
func NewRestartStore(db *storage.DB) *RestartStore {
	return &RestartStore{db: db}
}

// Get returns the record for component. A component with no history gets a
// zero record (not nil), so policy code never branches on absence.
func (s *RestartStore) Get(component string) (*RestartRecord, error) {
	row, err := s.db.Get("restart_policy", storage.Row{"component": component})
	if err != nil {
		return nil, errors.Wrapf(err, "get restart record for %s", component)
	}
	if row == nil {
		return &RestartRecord{Component: component}, nil
	}
	rec := &RestartRecord{
		Component:    asString(row["component"]),
		RestartCount: int(asInt64(row["restart_count"])),
		WindowStart:  asInt64(row["window_start"]),
	}
	if v := row["last_restart"]; v != nil {
		r := asInt64(v)
		rec.LastRestart = &r
	}
	if v := row["locked_until"]; v != nil {
		l := asInt64(v)
		rec.LockedUntil = &l
	}
	return rec, nil
}

// Put writes the full record.
func (s *RestartStore) Put(rec *RestartRecord) error {
	row := storage.Row{
		"component":     rec.Component,
		"restart_count": rec.RestartCount,
		"last_restart":  nullableInt64(rec.LastRestart),
		"window_start":  rec.WindowStart,
		"locked_until":  nullableInt64(rec.LockedUntil),
	}
	if err := s.db.Upsert("restart_policy", []string{"component"}, row); err != nil {
		return errors.Wrapf(err, "put restart record for %s", rec.Component)
	}
	return nil
}

// ResetCount clears the counters and lockout for component. This is the
// admin escape hatch out of a failed lockout.
func (s *RestartStore) ResetCount(component string) error {
	if _, err := s.db.Delete("restart_policy", storage.Row{"component": component}); err != nil {
		return errors.Wrapf(err, "reset restart count for %s", component)
	}
	return nil
}
