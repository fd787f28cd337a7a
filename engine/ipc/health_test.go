package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nomtest "github.com/nomarr/nomarr/internal/testing"
	"github.com/nomarr/nomarr/storage"
)

func newStorage(t *testing.T) *storage.DB {
	t.Helper()
	return storage.New(nomtest.CreateTestDB(t), nil)
}

func TestHealthUpsertAndGet(t *testing.T) {
	health := NewHealthStore(newStorage(t))

	rec := &HealthRecord{
		Component:     "worker:tag:0",
		LastHeartbeat: 1000,
		Status:        HealthStarting,
		PID:           4242,
		RestartCount:  2,
	}
	require.NoError(t, health.Upsert(rec))

	got, err := health.Get("worker:tag:0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, HealthStarting, got.Status)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, 2, got.RestartCount)
	assert.Nil(t, got.CurrentJob)
	assert.Nil(t, got.ExitCode)
}

func TestHeartbeatRequiresExistingRow(t *testing.T) {
	health := NewHealthStore(newStorage(t))

	err := health.Heartbeat("worker:tag:0", HealthHealthy, 2000)
	require.Error(t, err, "heartbeat must never create a row")

	require.NoError(t, health.Upsert(&HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: 1000, Status: HealthStarting, PID: 1,
	}))
	require.NoError(t, health.Heartbeat("worker:tag:0", HealthHealthy, 2000))

	got, err := health.Get("worker:tag:0")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.LastHeartbeat)
	assert.Equal(t, HealthHealthy, got.Status)
}

func TestSetStatusWithExitCode(t *testing.T) {
	health := NewHealthStore(newStorage(t))
	require.NoError(t, health.Upsert(&HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: 1000, Status: HealthHealthy, PID: 1,
	}))

	code := ExitFatalConfig
	require.NoError(t, health.SetStatus("worker:tag:0", HealthFailed, &code))

	got, err := health.Get("worker:tag:0")
	require.NoError(t, err)
	assert.Equal(t, HealthFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, ExitFatalConfig, *got.ExitCode)
}

func TestSetCurrentJobAndClear(t *testing.T) {
	health := NewHealthStore(newStorage(t))
	require.NoError(t, health.Upsert(&HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: 1000, Status: HealthHealthy, PID: 1,
	}))

	jobID := int64(7)
	require.NoError(t, health.SetCurrentJob("worker:tag:0", &jobID))
	got, err := health.Get("worker:tag:0")
	require.NoError(t, err)
	require.NotNil(t, got.CurrentJob)
	assert.Equal(t, int64(7), *got.CurrentJob)

	require.NoError(t, health.SetCurrentJob("worker:tag:0", nil))
	got, err = health.Get("worker:tag:0")
	require.NoError(t, err)
	assert.Nil(t, got.CurrentJob)
}

func TestListWorkersExcludesApp(t *testing.T) {
	health := NewHealthStore(newStorage(t))

	require.NoError(t, health.Upsert(&HealthRecord{
		Component: AppComponent, LastHeartbeat: 1000, Status: HealthHealthy, PID: 1,
	}))
	require.NoError(t, health.Upsert(&HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: 1000, Status: HealthHealthy, PID: 2,
	}))
	require.NoError(t, health.Upsert(&HealthRecord{
		Component: "worker:tag:1", LastHeartbeat: 1000, Status: HealthStarting, PID: 3,
	}))

	workers, err := health.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "worker:tag:0", workers[0].Component)
	assert.Equal(t, "worker:tag:1", workers[1].Component)
}

func TestTruncateClearsEveryRow(t *testing.T) {
	health := NewHealthStore(newStorage(t))
	require.NoError(t, health.Upsert(&HealthRecord{
		Component: AppComponent, LastHeartbeat: 1000, Status: HealthHealthy, PID: 1,
	}))
	require.NoError(t, health.Upsert(&HealthRecord{
		Component: "worker:tag:0", LastHeartbeat: 1000, Status: HealthHealthy, PID: 2,
	}))

	require.NoError(t, health.Truncate())

	got, err := health.Get(AppComponent)
	require.NoError(t, err)
	assert.Nil(t, got)
	workers, err := health.ListWorkers()
	require.NoError(t, err)
	assert.Empty(t, workers)
}

func TestWorkerComponentRoundTrip(t *testing.T) {
	component := WorkerComponent("tag", 3)
	assert.Equal(t, "worker:tag:3", component)

	queueType, workerID, err := ParseWorkerComponent(component)
	require.NoError(t, err)
	assert.Equal(t, "tag", queueType)
	assert.Equal(t, 3, workerID)

	_, _, err = ParseWorkerComponent("app")
	require.Error(t, err)
}
