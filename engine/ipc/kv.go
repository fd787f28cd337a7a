package ipc

import (
	"fmt"

	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// Control flags and key namespaces in worker_kv. Values are short strings
// typed at the boundary.
const (
	KeyPaused      = "control:paused"
	KeyShutdown    = "control:shutdown"
	KeyCalibration = "control:calibration"
)

// JobStatusKey is the per-job status key, e.g. "job:7:status".
func JobStatusKey(jobID int64) string {
	return fmt.Sprintf("job:%d:status", jobID)
}

// JobPathKey is the per-job path key, e.g. "job:7:path".
func JobPathKey(jobID int64) string {
	return fmt.Sprintf("job:%d:path", jobID)
}

// WorkerCurrentJobKey is the per-worker current-job key,
// e.g. "worker:tag:0:current_job".
func WorkerCurrentJobKey(queueType string, workerID int) string {
	return fmt.Sprintf("worker:%s:%d:current_job", queueType, workerID)
}

// KVStore reads and writes the worker_kv table.
type KVStore struct {
	db *storage.DB
}

// NewKVStore creates a kv store over db.
func NewKVStore(db *storage.DB) *KVStore {
	return &KVStore{db: db}
}

// Set writes key = value, replacing any existing value.
func (s *KVStore) Set(key, value string) error {
	err := s.db.Upsert("worker_kv", []string{"key"}, storage.Row{"key": key, "value": value})
	if err != nil {
		return errors.Wrapf(err, "set kv %s", key)
	}
	return nil
}

// Get returns the value for key. Absent keys return ("", false, nil).
func (s *KVStore) Get(key string) (string, bool, error) {
	row, err := s.db.Get("worker_kv", storage.Row{"key": key})
	if err != nil {
		return "", false, errors.Wrapf(err, "get kv %s", key)
	}
	if row == nil {
		return "", false, nil
	}
	return asString(row["value"]), true, nil
}

// GetBool reads a boolean flag; absent keys are false.
func (s *KVStore) GetBool(key string) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil {
		return false, err
	}
	return ok && v == "true", nil
}

// SetBool writes a boolean flag.
func (s *KVStore) SetBool(key string, v bool) error {
	if v {
		return s.Set(key, "true")
	}
	return s.Set(key, "false")
}

// Delete removes key. Deleting an absent key is not an error.
func (s *KVStore) Delete(key string) error {
	if _, err := s.db.Delete("worker_kv", storage.Row{"key": key}); err != nil {
		return errors.Wrapf(err, "delete kv %s", key)
	}
	return nil
}

// DeletePrefix removes every key beginning with prefix. Used at startup
// and shutdown to clear the ephemeral "worker:" and "job:" namespaces.
func (s *KVStore) DeletePrefix(prefix string) (int64, error) {
	res, err := s.db.SQL().Exec(`DELETE FROM worker_kv WHERE key LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, errors.Wrapf(err, "delete kv prefix %s", prefix)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected for kv prefix delete")
	}
	return n, nil
}

// ListPrefix returns key/value pairs under prefix, ordered by key.
func (s *KVStore) ListPrefix(prefix string) (map[string]string, error) {
	rows, err := s.db.SQL().Query(`SELECT key, value FROM worker_kv WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "list kv prefix %s", prefix)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scan kv row")
		}
		result[k] = v
	}
	return result, rows.Err()
}
