package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/calibration"
	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
	nomtest "github.com/nomarr/nomarr/internal/testing"
	"github.com/nomarr/nomarr/storage"
)

// newControl builds a control plane without a supervisor or broker, the
// way one-shot CLI commands do.
func newControl(t *testing.T) (*Control, *storage.DB) {
	t.Helper()
	db := storage.New(nomtest.CreateTestDB(t), nil)
	kv := ipc.NewKVStore(db)
	gate, err := calibration.NewGate(kv, 2, zap.NewNop().Sugar())
	require.NoError(t, err)
	return New(db, nil, nil, gate, zap.NewNop().Sugar()), db
}

func TestEnqueueMultiplePaths(t *testing.T) {
	c, db := newControl(t)

	ids, err := c.Enqueue([]string{"/music/a.flac", "/music/b.flac", "/music/c.flac"}, true)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	q := queue.New(db, zap.NewNop().Sugar())
	job, err := q.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "/music/a.flac", job.Path)
	assert.True(t, job.Force)
	assert.Equal(t, queue.JobStatusPending, job.Status)
}

func TestPauseResumeWithoutSupervisor(t *testing.T) {
	c, db := newControl(t)

	prev, err := c.Pause()
	require.NoError(t, err)
	assert.False(t, prev)

	paused, err := ipc.NewKVStore(db).GetBool(ipc.KeyPaused)
	require.NoError(t, err)
	assert.True(t, paused, "pause must work against the bare database")

	prev, err = c.Resume()
	require.NoError(t, err)
	assert.True(t, prev)
}

func TestStatusSnapshot(t *testing.T) {
	c, db := newControl(t)

	_, err := c.Enqueue([]string{"/music/a.flac", "/music/b.flac"}, false)
	require.NoError(t, err)
	_, err = c.Pause()
	require.NoError(t, err)

	health := ipc.NewHealthStore(db)
	require.NoError(t, health.Upsert(&ipc.HealthRecord{
		Component: ipc.AppComponent, LastHeartbeat: storage.NowMS(),
		Status: ipc.HealthHealthy, PID: 100,
	}))
	require.NoError(t, health.Upsert(&ipc.HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: storage.NowMS(),
		Status: ipc.HealthHealthy, PID: 101,
	}))

	snap, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Stats.Pending)
	assert.True(t, snap.Paused)
	assert.True(t, snap.AppAlive)
	assert.Less(t, snap.AppHeartbeatAge, int64(5000))
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, "worker:tag:0", snap.Workers[0].Component)
	assert.Equal(t, string(calibration.StateUncalibrated), snap.CalibrationState)
}

func TestStatusWithoutAppRow(t *testing.T) {
	c, _ := newControl(t)

	snap, err := c.Status()
	require.NoError(t, err)
	assert.False(t, snap.AppAlive)
	assert.Zero(t, snap.AppHeartbeatAge)
}

func TestResetErrorsReturnsJobsToPending(t *testing.T) {
	c, db := newControl(t)
	q := queue.New(db, zap.NewNop().Sugar())

	health := ipc.NewHealthStore(db)
	require.NoError(t, health.Upsert(&ipc.HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: storage.NowMS(),
		Status: ipc.HealthHealthy, PID: 101,
	}))

	id, err := q.Enqueue("/music/a.flac", false)
	require.NoError(t, err)
	job, err := q.ClaimNext("worker:tag:0")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.MarkError(id, "boom"))

	n, err := c.ResetErrors()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err = q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, job.Status)
}

func TestResetRestartCountWithoutSupervisor(t *testing.T) {
	c, db := newControl(t)
	restarts := ipc.NewRestartStore(db)

	require.NoError(t, restarts.Put(&ipc.RestartRecord{
		Component: "worker:tag:0", RestartCount: 5, WindowStart: 1000,
	}))
	require.NoError(t, c.ResetRestartCount("worker:tag:0"))

	rec, err := restarts.Get("worker:tag:0")
	require.NoError(t, err)
	assert.Zero(t, rec.RestartCount)
}

func TestSubscribeWithoutBrokerFails(t *testing.T) {
	c, _ := newControl(t)

	_, err := c.Subscribe("queue:jobs")
	require.Error(t, err)
}
