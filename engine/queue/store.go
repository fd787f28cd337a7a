package queue

import (
	"database/sql"
	"strings"

	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// Store handles persistence of jobs on top of the storage contract.
type Store struct {
	db *storage.DB
}

// NewStore creates a job store over db.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Insert creates a pending job and returns its id.
func (s *Store) Insert(path string, force bool, nowMS int64) (int64, error) {
	id, err := s.db.Insert("jobs", storage.Row{
		"path":       path,
		"force":      boolToInt(force),
		"status":     string(JobStatusPending),
		"created_at": nowMS,
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert job")
	}
	return id, nil
}

// Get returns the job by id, or nil if absent.
func (s *Store) Get(id int64) (*Job, error) {
	row, err := s.db.Get("jobs", storage.Row{"id": id})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %d", id)
	}
	if row == nil {
		return nil, nil
	}
	return jobFromRow(row), nil
}

// OldestPending returns the claim candidate: minimum created_at,
// tie-broken by id. Nil when the queue is empty.
func (s *Store) OldestPending() (*Job, error) {
	rows, _, err := s.db.Scan("jobs", storage.ScanQuery{
		Filter:  storage.Row{"status": string(JobStatusPending)},
		OrderBy: "created_at ASC, id ASC",
		Limit:   1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan pending jobs")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return jobFromRow(rows[0]), nil
}

// TransitionIf is the CAS at the heart of the claim protocol: apply patch
// to job id only if its status is still fromStatus.
func (s *Store) TransitionIf(id int64, fromStatus JobStatus, patch storage.Row) (bool, error) {
	applied, err := s.db.UpdateIf("jobs",
		storage.Row{"id": id},
		storage.Row{"status": string(fromStatus)},
		patch,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to transition job %d from %s", id, fromStatus)
	}
	return applied, nil
}

// List returns jobs filtered by optional status, newest first, plus the
// total match count ignoring pagination.
func (s *Store) List(status *JobStatus, limit, offset int) ([]*Job, int, error) {
	q := storage.ScanQuery{
		OrderBy: "created_at DESC, id DESC",
		Limit:   limit,
		Offset:  offset,
	}
	if status != nil {
		q.Filter = storage.Row{"status": string(*status)}
	}
	rows, total, err := s.db.Scan("jobs", q)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list jobs")
	}
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, jobFromRow(row))
	}
	return jobs, total, nil
}

// ChangedSince returns jobs whose row moved at or after sinceMS. A job
// row changes exactly when one of its timestamps does, so this drives
// change detection without a trigger or audit table.
func (s *Store) ChangedSince(sinceMS int64) ([]*Job, error) {
	rows, err := s.db.SQL().Query(`
		SELECT id, path, force, status, created_at, started_at, finished_at,
		       worker_id, error_message, result
		FROM jobs
		WHERE created_at >= ?
		   OR started_at >= ?
		   OR finished_at >= ?
		ORDER BY id ASC
	`, sinceMS, sinceMS, sinceMS)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan changed jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		var force int
		var status string
		var startedAt, finishedAt sql.NullInt64
		var workerID, errMsg sql.NullString
		var result []byte
		if err := rows.Scan(&job.ID, &job.Path, &force, &status, &job.CreatedAt,
			&startedAt, &finishedAt, &workerID, &errMsg, &result); err != nil {
			return nil, errors.Wrap(err, "scan changed job row")
		}
		job.Force = force != 0
		job.Status = JobStatus(status)
		if startedAt.Valid {
			v := startedAt.Int64
			job.StartedAt = &v
		}
		if finishedAt.Valid {
			v := finishedAt.Int64
			job.FinishedAt = &v
		}
		job.WorkerID = workerID.String
		job.ErrorMessage = errMsg.String
		if len(result) > 0 {
			job.Result = append([]byte(nil), result...)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes the job by id. Returns whether a row was deleted.
func (s *Store) Delete(id int64) (bool, error) {
	n, err := s.db.Delete("jobs", storage.Row{"id": id})
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %d", id)
	}
	return n > 0, nil
}

// DeleteByStatus bulk-deletes jobs in any of the given statuses.
func (s *Store) DeleteByStatus(statuses []JobStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, len(statuses))
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
		marks[i] = "?"
	}
	res, err := s.db.SQL().Exec(
		`DELETE FROM jobs WHERE status IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete jobs by status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected deleting jobs by status")
	}
	return n, nil
}

// ResetStuck returns running jobs to pending when their owning worker's
// heartbeat is older than thresholdMS (or the worker has no health row at
// all). created_at is preserved so the job keeps its queue position.
func (s *Store) ResetStuck(nowMS, thresholdMS int64) (int64, error) {
	res, err := s.db.SQL().Exec(`
		UPDATE jobs
		SET status = 'pending', started_at = NULL, worker_id = NULL
		WHERE status = 'running'
		  AND (worker_id IS NULL
		       OR worker_id NOT IN (SELECT component FROM health WHERE last_heartbeat > ?))
	`, nowMS-thresholdMS)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset stuck jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected resetting stuck jobs")
	}
	return n, nil
}

// ResetErrors returns every errored job to pending, clearing the error
// fields.
func (s *Store) ResetErrors() (int64, error) {
	res, err := s.db.SQL().Exec(`
		UPDATE jobs
		SET status = 'pending', started_at = NULL, finished_at = NULL,
		    worker_id = NULL, error_message = NULL
		WHERE status = 'error'
	`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset errored jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected resetting errored jobs")
	}
	return n, nil
}

// RetentionCleanup removes finished jobs older than ageMS.
func (s *Store) RetentionCleanup(nowMS, ageMS int64) (int64, error) {
	res, err := s.db.SQL().Exec(`
		DELETE FROM jobs
		WHERE status IN ('done', 'error') AND finished_at < ?
	`, nowMS-ageMS)
	if err != nil {
		return 0, errors.Wrap(err, "failed to clean up old jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected cleaning up old jobs")
	}
	return n, nil
}

// CountsByStatus returns the number of jobs per status in one group-by.
func (s *Store) CountsByStatus() (map[JobStatus]int, error) {
	rows, err := s.db.SQL().Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		counts[JobStatus(status)] = count
	}
	return counts, rows.Err()
}

// AvgDurationMS returns the mean execution time of the most recent done
// jobs (up to sample), or 0 when none have finished.
func (s *Store) AvgDurationMS(sample int) (int64, error) {
	var avg sql.NullFloat64
	err := s.db.SQL().QueryRow(`
		SELECT AVG(finished_at - started_at) FROM (
			SELECT started_at, finished_at FROM jobs
			WHERE status = 'done' AND started_at IS NOT NULL AND finished_at IS NOT NULL
			ORDER BY finished_at DESC LIMIT ?
		)
	`, sample).Scan(&avg)
	if err != nil {
		return 0, errors.Wrap(err, "failed to compute average job duration")
	}
	if !avg.Valid {
		return 0, nil
	}
	return int64(avg.Float64), nil
}

func jobFromRow(row storage.Row) *Job {
	job := &Job{
		ID:        asInt64(row["id"]),
		Path:      asString(row["path"]),
		Force:     asInt64(row["force"]) != 0,
		Status:    JobStatus(asString(row["status"])),
		CreatedAt: asInt64(row["created_at"]),
		WorkerID:  asString(row["worker_id"]),
	}
	if v := row["started_at"]; v != nil {
		t := asInt64(v)
		job.StartedAt = &t
	}
	if v := row["finished_at"]; v != nil {
		t := asInt64(v)
		job.FinishedAt = &t
	}
	if v := row["error_message"]; v != nil {
		job.ErrorMessage = asString(v)
	}
	if v := row["result"]; v != nil {
		if b, ok := v.([]byte); ok && len(b) > 0 {
			job.Result = append([]byte(nil), b...)
		}
	}
	return job
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
