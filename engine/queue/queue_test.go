package queue

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/ipc"
	nomtest "github.com/nomarr/nomarr/internal/testing"
	"github.com/nomarr/nomarr/storage"
)

func newQueue(t *testing.T) (*Queue, *storage.DB) {
	t.Helper()
	db := storage.New(nomtest.CreateTestDB(t), nil)
	return New(db, zap.NewNop().Sugar()), db
}

func TestEnqueueAndGet(t *testing.T) {
	q, _ := newQueue(t)

	id, err := q.Enqueue("/music/a.flac", false)
	require.NoError(t, err)

	job, err := q.Get(id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "/music/a.flac", job.Path)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.False(t, job.Force)
	assert.Nil(t, job.StartedAt)
}

func TestClaimNextOldestFirst(t *testing.T) {
	q, _ := newQueue(t)

	first, err := q.Enqueue("/music/first.flac", false)
	require.NoError(t, err)
	_, err = q.Enqueue("/music/second.flac", false)
	require.NoError(t, err)

	job, err := q.ClaimNext("worker:tag:0")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, "worker:tag:0", job.WorkerID)
	require.NotNil(t, job.StartedAt)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	q, _ := newQueue(t)

	job, err := q.ClaimNext("worker:tag:0")
	require.NoError(t, err)
	assert.Nil(t, job)
}

// TestConcurrentClaimExactlyOneWinner races a full worker fleet at a
// single pending job: exactly one claim may succeed.
func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	q, _ := newQueue(t)

	id, err := q.Enqueue("/music/contested.flac", false)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := ipc.WorkerComponent("tag", n)
			job, err := q.ClaimNext(workerID)
			if err != nil {
				t.Errorf("claim failed for %s: %v", workerID, err)
				return
			}
			if job != nil {
				winners <- workerID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var claimed []string
	for w := range winners {
		claimed = append(claimed, w)
	}
	require.Len(t, claimed, 1, "exactly one worker may win the claim")

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, claimed[0], job.WorkerID)
}

func TestMarkDoneStoresResult(t *testing.T) {
	q, _ := newQueue(t)

	id, err := q.Enqueue("/music/a.flac", false)
	require.NoError(t, err)
	_, err = q.ClaimNext("worker:tag:0")
	require.NoError(t, err)

	result := json.RawMessage(`{"score":0.91,"tags":["ambient"]}`)
	require.NoError(t, q.MarkDone(id, result))

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDone, job.Status)
	assert.JSONEq(t, string(result), string(job.Result))
	require.NotNil(t, job.FinishedAt)
}

// A late MarkDone after the job was reset must not resurrect it.
func TestMarkDoneOnNonRunningJobIsNoOp(t *testing.T) {
	q, _ := newQueue(t)

	id, err := q.Enqueue("/music/a.flac", false)
	require.NoError(t, err)

	require.NoError(t, q.MarkDone(id, nil))

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status, "pending job stays pending")
	assert.Nil(t, job.FinishedAt)
}

func TestMarkErrorRecordsMessage(t *testing.T) {
	q, _ := newQueue(t)

	id, err := q.Enqueue("/music/a.flac", false)
	require.NoError(t, err)
	_, err = q.ClaimNext("worker:tag:0")
	require.NoError(t, err)

	require.NoError(t, q.MarkError(id, "decode failed"))

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusError, job.Status)
	assert.Equal(t, "decode failed", job.ErrorMessage)
}

func TestResetStuckOnlyTouchesStaleOwners(t *testing.T) {
	q, db := newQueue(t)
	health := ipc.NewHealthStore(db)
	now := storage.NowMS()

	// Live worker: fresh heartbeat.
	require.NoError(t, health.Upsert(&ipc.HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: now, Status: ipc.HealthHealthy, PID: 100,
	}))
	// Wedged worker: heartbeat far in the past.
	require.NoError(t, health.Upsert(&ipc.HealthRecord{
		Component: "worker:tag:1", LastHeartbeat: now - 60000, Status: ipc.HealthHealthy, PID: 101,
	}))

	liveJob, err := q.Enqueue("/music/live.flac", false)
	require.NoError(t, err)
	staleJob, err := q.Enqueue("/music/stale.flac", false)
	require.NoError(t, err)
	orphanJob, err := q.Enqueue("/music/orphan.flac", false)
	require.NoError(t, err)

	claim := func(id int64, workerID string) {
		applied, err := q.store.TransitionIf(id, JobStatusPending, storage.Row{
			"status": string(JobStatusRunning), "started_at": now, "worker_id": workerID,
		})
		require.NoError(t, err)
		require.True(t, applied)
	}
	claim(liveJob, "worker:tag:0")
	claim(staleJob, "worker:tag:1")
	claim(orphanJob, "worker:tag:9") // no health row at all

	n, err := q.ResetStuck(30000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	get := func(id int64) *Job {
		job, err := q.Get(id)
		require.NoError(t, err)
		return job
	}
	assert.Equal(t, JobStatusRunning, get(liveJob).Status)
	assert.Equal(t, JobStatusPending, get(staleJob).Status)
	assert.Equal(t, JobStatusPending, get(orphanJob).Status)

	// Queue position survives the reset.
	reclaimed := get(staleJob)
	assert.Empty(t, reclaimed.WorkerID)
	assert.Nil(t, reclaimed.StartedAt)
}

func TestResetErrors(t *testing.T) {
	q, _ := newQueue(t)

	id, err := q.Enqueue("/music/a.flac", false)
	require.NoError(t, err)
	_, err = q.ClaimNext("worker:tag:0")
	require.NoError(t, err)
	require.NoError(t, q.MarkError(id, "transient decode failure"))

	n, err := q.ResetErrors()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Empty(t, job.ErrorMessage)
	assert.Nil(t, job.FinishedAt)
}

func TestListNewestFirstWithTotal(t *testing.T) {
	q, _ := newQueue(t)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue("/music/x.flac", false)
		require.NoError(t, err)
	}

	jobs, total, err := q.List(nil, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, jobs, 2)
	assert.Greater(t, jobs[0].ID, jobs[1].ID)

	pending := JobStatusPending
	_, total, err = q.List(&pending, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestDeleteByStatus(t *testing.T) {
	q, _ := newQueue(t)

	done, err := q.Enqueue("/music/done.flac", false)
	require.NoError(t, err)
	_, err = q.ClaimNext("worker:tag:0")
	require.NoError(t, err)
	require.NoError(t, q.MarkDone(done, nil))

	_, err = q.Enqueue("/music/pending.flac", false)
	require.NoError(t, err)

	n, err := q.DeleteByStatus([]JobStatus{JobStatusDone, JobStatusError})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, total, err := q.List(nil, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestRetentionCleanupKeepsRecentJobs(t *testing.T) {
	q, db := newQueue(t)
	now := storage.NowMS()

	insertFinished := func(finishedAt int64) int64 {
		id, err := db.Insert("jobs", storage.Row{
			"path": "/music/old.flac", "force": 0, "status": "done",
			"created_at": finishedAt - 1000, "started_at": finishedAt - 500,
			"finished_at": finishedAt,
		})
		require.NoError(t, err)
		return id
	}
	old := insertFinished(now - 10*24*3600*1000)
	recent := insertFinished(now - 1000)

	n, err := q.RetentionCleanup(7 * 24 * 3600 * 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	gone, err := q.Get(old)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := q.Get(recent)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestGetStatsComputesEta(t *testing.T) {
	q, db := newQueue(t)
	now := storage.NowMS()

	// Two finished jobs at 1000ms each.
	for i := 0; i < 2; i++ {
		_, err := db.Insert("jobs", storage.Row{
			"path": "/music/done.flac", "force": 0, "status": "done",
			"created_at": now - 5000, "started_at": now - 2000, "finished_at": now - 1000,
		})
		require.NoError(t, err)
	}
	// Three in the backlog.
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue("/music/pending.flac", false)
		require.NoError(t, err)
	}

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 2, stats.Done)
	assert.Equal(t, int64(1000), stats.AvgMS)
	assert.Equal(t, int64(3000), stats.EtaMS)
}

func TestChangedSince(t *testing.T) {
	q, _ := newQueue(t)

	before := storage.NowMS()
	id, err := q.Enqueue("/music/a.flac", false)
	require.NoError(t, err)

	changed, err := q.ChangedSince(before)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, id, changed[0].ID)

	// Nothing moved after this point.
	time.Sleep(5 * time.Millisecond)
	changed, err = q.ChangedSince(storage.NowMS())
	require.NoError(t, err)
	assert.Empty(t, changed)
}
