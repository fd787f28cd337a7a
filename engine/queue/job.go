// Package queue implements the durable job pool: enqueue, the atomic
// claim protocol, result recording, and the administrative bulk
// transitions (reset stuck/errored, retention cleanup).
package queue

import (
	"encoding/json"
	"time"
)

// JobStatus is the current state of a job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// IsValidStatus returns true if s is a valid JobStatus.
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusDone, JobStatusError:
		return true
	default:
		return false
	}
}

// Job is one unit of work for a path. Status transitions follow
// pending → running → done|error, with running → pending only through
// ResetStuck and error → pending only through ResetErrors. The atomic
// claim guarantees at most one worker ever observes a job in running.
//
// Result is opaque to the core; the tagging layer parses it.
type Job struct {
	ID           int64           `json:"id"`
	Path         string          `json:"path"`
	Force        bool            `json:"force"`
	Status       JobStatus       `json:"status"`
	CreatedAt    int64           `json:"created_at"`
	StartedAt    *int64          `json:"started_at,omitempty"`
	FinishedAt   *int64          `json:"finished_at,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// Age returns how long the job has existed.
func (j *Job) Age() time.Duration {
	return time.Duration(time.Now().UnixMilli()-j.CreatedAt) * time.Millisecond
}

// Duration returns the execution time for a finished job, or zero.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return time.Duration(*j.FinishedAt-*j.StartedAt) * time.Millisecond
}
