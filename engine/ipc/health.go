package ipc

import (
	"database/sql"

	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// HealthStatus is the lifecycle state published on a component's health row.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthStopping HealthStatus = "stopping"
	HealthStopped  HealthStatus = "stopped"
	HealthCrashed  HealthStatus = "crashed"
	HealthFailed   HealthStatus = "failed"
)

// Worker process exit codes. 2 and 3 are terminal: the supervisor will not
// restart a worker that exited with them.
const (
	ExitOK            = 0
	ExitRecoverable   = 1
	ExitFatalConfig   = 2
	ExitUnrecoverable = 3
)

// HealthRecord is one component's liveness row. Each process owns exactly
// one row, keyed by component.
type HealthRecord struct {
	Component     string
	LastHeartbeat int64
	Status        HealthStatus
	PID           int
	CurrentJob    *int64
	RestartCount  int
	LastRestart   *int64
	ExitCode      *int
	Metadata      string
}

// HealthStore reads and writes the health table.
type HealthStore struct {
	db *storage.DB
}

// NewHealthStore creates a health store over db.
func NewHealthStore(db *storage.DB) *HealthStore {
	return &HealthStore{db: db}
}

// Upsert writes the full record for rec.Component.
func (s *HealthStore) Upsert(rec *HealthRecord) error {
	row := storage.Row{
		"component":      rec.Component,
		"last_heartbeat": rec.LastHeartbeat,
		"status":         string(rec.Status),
		"pid":            rec.PID,
		"current_job":    nullableInt64(rec.CurrentJob),
		"restart_count":  rec.RestartCount,
		"last_restart":   nullableInt64(rec.LastRestart),
		"exit_code":      nullableInt(rec.ExitCode),
		"metadata":       rec.Metadata,
	}
	if err := s.db.Upsert("health", []string{"component"}, row); err != nil {
		return errors.Wrapf(err, "upsert health for %s", rec.Component)
	}
	return nil
}

// Heartbeat bumps last_heartbeat and status for component. The row must
// already exist; a heartbeat never creates one.
func (s *HealthStore) Heartbeat(component string, status HealthStatus, nowMS int64) error {
	applied, err := s.db.UpdateIf("health",
		storage.Row{"component": component},
		nil,
		storage.Row{"last_heartbeat": nowMS, "status": string(status)},
	)
	if err != nil {
		return errors.Wrapf(err, "heartbeat for %s", component)
	}
	if !applied {
		return errors.Newf("no health row for component %s", component)
	}
	return nil
}

// SetStatus updates only the status column (and exit_code when non-nil).
func (s *HealthStore) SetStatus(component string, status HealthStatus, exitCode *int) error {
	patch := storage.Row{"status": string(status)}
	if exitCode != nil {
		patch["exit_code"] = *exitCode
	}
	_, err := s.db.UpdateIf("health", storage.Row{"component": component}, nil, patch)
	if err != nil {
		return errors.Wrapf(err, "set status for %s", component)
	}
	return nil
}

// SetCurrentJob records the job a worker is executing; nil clears it.
func (s *HealthStore) SetCurrentJob(component string, jobID *int64) error {
	_, err := s.db.UpdateIf("health",
		storage.Row{"component": component},
		nil,
		storage.Row{"current_job": nullableInt64(jobID)},
	)
	if err != nil {
		return errors.Wrapf(err, "set current job for %s", component)
	}
	return nil
}

// SetMetadata records free-form operator-facing detail on the row.
func (s *HealthStore) SetMetadata(component string, metadata string) error {
	_, err := s.db.UpdateIf("health",
		storage.Row{"component": component},
		nil,
		storage.Row{"metadata": metadata},
	)
	if err != nil {
		return errors.Wrapf(err, "set metadata for %s", component)
	}
	return nil
}

// Get returns the record for component, or nil if absent.
func (s *HealthStore) Get(component string) (*HealthRecord, error) {
	row, err := s.db.Get("health", storage.Row{"component": component})
	if err != nil {
		return nil, errors.Wrapf(err, "get health for %s", component)
	}
	if row == nil {
		return nil, nil
	}
	return healthFromRow(row), nil
}

// ListWorkers returns all "worker:*" rows.
func (s *HealthStore) ListWorkers() ([]*HealthRecord, error) {
	rows, err := s.db.SQL().Query(`SELECT component, last_heartbeat, status, pid, current_job, restart_count, last_restart, exit_code, metadata
		FROM health WHERE component LIKE 'worker:%' ORDER BY component`)
	if err != nil {
		return nil, errors.Wrap(err, "list worker health rows")
	}
	defer rows.Close()

	var records []*HealthRecord
	for rows.Next() {
		rec := &HealthRecord{}
		var status string
		var currentJob, lastRestart sql.NullInt64
		var exitCode sql.NullInt64
		var metadata sql.NullString
		if err := rows.Scan(&rec.Component, &rec.LastHeartbeat, &status, &rec.PID,
			&currentJob, &rec.RestartCount, &lastRestart, &exitCode, &metadata); err != nil {
			return nil, errors.Wrap(err, "scan worker health row")
		}
		rec.Status = HealthStatus(status)
		if currentJob.Valid {
			v := currentJob.Int64
			rec.CurrentJob = &v
		}
		if lastRestart.Valid {
			v := lastRestart.Int64
			rec.LastRestart = &v
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			rec.ExitCode = &v
		}
		rec.Metadata = metadata.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Truncate removes every health row. Called at supervisor startup and
// shutdown: the table is ephemeral runtime state.
func (s *HealthStore) Truncate() error {
	if _, err := s.db.Delete("health", nil); err != nil {
		return errors.Wrap(err, "truncate health")
	}
	return nil
}

func healthFromRow(row storage.Row) *HealthRecord {
	rec := &HealthRecord{
		Component:     asString(row["component"]),
		LastHeartbeat: asInt64(row["last_heartbeat"]),
		Status:        HealthStatus(asString(row["status"])),
		PID:           int(asInt64(row["pid"])),
		RestartCount:  int(asInt64(row["restart_count"])),
		Metadata:      asString(row["metadata"]),
	}
	if v, ok := row["current_job"]; ok && v != nil {
		j := asInt64(v)
		rec.CurrentJob = &j
	}
	if v, ok := row["last_restart"]; ok && v != nil {
		r := asInt64(v)
		rec.LastRestart = &r
	}
	if v, ok := row["exit_code"]; ok && v != nil {
		c := int(asInt64(v))
		rec.ExitCode = &c
	}
	return rec
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return ""
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
