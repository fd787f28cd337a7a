package queue

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// claimAttempts bounds how many CAS losses ClaimNext absorbs before
// reporting an empty queue. Under heavy contention the caller's next poll
// retries anyway.
const claimAttempts = 8

// avgDurationSample is how many recent done jobs feed the ETA estimate.
const avgDurationSample = 50

// Queue is the durable job pool. It guarantees at-most-one concurrent
// execution per job via the CAS in ClaimNext; everything else is plain
// bookkeeping over the store.
type Queue struct {
	store *Store
	log   *zap.SugaredLogger
}

// New creates a queue over db.
func New(db *storage.DB, log *zap.SugaredLogger) *Queue {
	return &Queue{
		store: NewStore(db),
		log:   log.Named("queue"),
	}
}

// Enqueue inserts a pending job for path and returns its id. No
// deduplication: callers dedupe at a higher layer.
func (q *Queue) Enqueue(path string, force bool) (int64, error) {
	id, err := q.store.Insert(path, force, storage.NowMS())
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetailf(err, "Path: %s", path)
		return 0, err
	}
	q.log.Debugw("Job enqueued", "job_id", id, "path", path, "force", force)
	return id, nil
}

// ClaimNext atomically claims the oldest pending job for workerID,
// transitioning it to running. Returns nil when the queue is empty or
// every candidate was lost to a concurrent claimer.
func (q *Queue) ClaimNext(workerID string) (*Job, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		candidate, err := q.store.OldestPending()
		if err != nil {
			return nil, errors.Wrap(err, "failed to find claim candidate")
		}
		if candidate == nil {
			return nil, nil
		}

		now := storage.NowMS()
		applied, err := q.store.TransitionIf(candidate.ID, JobStatusPending, storage.Row{
			"status":     string(JobStatusRunning),
			"started_at": now,
			"worker_id":  workerID,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to claim job %d", candidate.ID)
		}
		if !applied {
			// Lost the race; another worker claimed it first. Try the
			// next candidate.
			continue
		}

		candidate.Status = JobStatusRunning
		candidate.StartedAt = &now
		candidate.WorkerID = workerID
		q.log.Debugw("Job claimed", "job_id", candidate.ID, "worker_id", workerID)
		return candidate, nil
	}
	return nil, nil
}

// MarkDone transitions a running job to done with its result. Calling it
// on a job no longer running is a no-op with a warning: that is the race
// where the supervisor reset a stuck job while a late worker finished it.
func (q *Queue) MarkDone(id int64, result json.RawMessage) error {
	patch := storage.Row{
		"status":      string(JobStatusDone),
		"finished_at": storage.NowMS(),
	}
	if len(result) > 0 {
		patch["result"] = []byte(result)
	}
	applied, err := q.store.TransitionIf(id, JobStatusRunning, patch)
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %d done", id)
	}
	if !applied {
		q.log.Warnw("MarkDone on a job that is not running; ignoring", "job_id", id)
	}
	return nil
}

// MarkError transitions a running job to error with message. Same no-op
// semantics as MarkDone for non-running jobs.
func (q *Queue) MarkError(id int64, message string) error {
	applied, err := q.store.TransitionIf(id, JobStatusRunning, storage.Row{
		"status":        string(JobStatusError),
		"finished_at":   storage.NowMS(),
		"error_message": message,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to mark job %d errored", id)
	}
	if !applied {
		q.log.Warnw("MarkError on a job that is not running; ignoring", "job_id", id, "message", message)
	}
	return nil
}

// ResetStuck returns running jobs whose owning worker's heartbeat is
// older than thresholdMS to pending. Returns the count reset.
func (q *Queue) ResetStuck(thresholdMS int64) (int64, error) {
	n, err := q.store.ResetStuck(storage.NowMS(), thresholdMS)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warnw("Reset stuck jobs to pending", "count", n, "threshold_ms", thresholdMS)
	}
	return n, nil
}

// ResetErrors returns every errored job to pending.
func (q *Queue) ResetErrors() (int64, error) {
	n, err := q.store.ResetErrors()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Infow("Reset errored jobs to pending", "count", n)
	}
	return n, nil
}

// Get returns the job by id, or nil if absent.
func (q *Queue) Get(id int64) (*Job, error) {
	return q.store.Get(id)
}

// ChangedSince returns jobs touched at or after sinceMS, oldest id first.
func (q *Queue) ChangedSince(sinceMS int64) ([]*Job, error) {
	return q.store.ChangedSince(sinceMS)
}

// List returns jobs filtered by optional status plus the total count.
func (q *Queue) List(status *JobStatus, limit, offset int) ([]*Job, int, error) {
	return q.store.List(status, limit, offset)
}

// Delete removes a single job.
func (q *Queue) Delete(id int64) (bool, error) {
	return q.store.Delete(id)
}

// DeleteByStatus bulk-deletes jobs in the given statuses.
func (q *Queue) DeleteByStatus(statuses []JobStatus) (int64, error) {
	return q.store.DeleteByStatus(statuses)
}

// RetentionCleanup removes finished jobs older than ageMS.
func (q *Queue) RetentionCleanup(ageMS int64) (int64, error) {
	n, err := q.store.RetentionCleanup(storage.NowMS(), ageMS)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Infow("Retention cleanup removed old jobs", "count", n, "age_ms", ageMS)
	}
	return n, nil
}

// Stats are the aggregate queue counts plus a rough completion estimate.
type Stats struct {
	Pending int   `json:"pending"`
	Running int   `json:"running"`
	Done    int   `json:"done"`
	Error   int   `json:"error"`
	AvgMS   int64 `json:"avg_ms"`
	EtaMS   int64 `json:"eta_ms"`
}

// GetStats computes counts per status in a single group-by, plus the mean
// duration of recent done jobs and the ETA it implies for the backlog.
func (q *Queue) GetStats() (*Stats, error) {
	counts, err := q.store.CountsByStatus()
	if err != nil {
		return nil, err
	}
	avg, err := q.store.AvgDurationMS(avgDurationSample)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Pending: counts[JobStatusPending],
		Running: counts[JobStatusRunning],
		Done:    counts[JobStatusDone],
		Error:   counts[JobStatusError],
		AvgMS:   avg,
	}
	stats.EtaMS = avg * int64(stats.Pending+stats.Running)
	return stats, nil
}
