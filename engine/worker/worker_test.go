package worker

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/calibration"
	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
	"github.com/nomarr/nomarr/errors"
	nomtest "github.com/nomarr/nomarr/internal/testing"
	"github.com/nomarr/nomarr/storage"
)

// fakeProcessor runs an injected function per job.
type fakeProcessor struct {
	fn     func(path string, force bool) (json.RawMessage, error)
	closed atomic.Bool
}

func (p *fakeProcessor) Name() string { return "fake" }

func (p *fakeProcessor) Process(ctx context.Context, path string, force bool) (json.RawMessage, error) {
	return p.fn(path, force)
}

func (p *fakeProcessor) Close() error {
	p.closed.Store(true)
	return nil
}

type fixture struct {
	db     *storage.DB
	queue  *queue.Queue
	kv     *ipc.KVStore
	health *ipc.HealthStore
	opts   Options
}

func newFixture(t *testing.T, proc Processor) *fixture {
	t.Helper()
	db := storage.New(nomtest.CreateTestDB(t), nil)
	registry := NewRegistry()
	registry.Register("tag", func() (Processor, error) { return proc, nil })
	return &fixture{
		db:     db,
		queue:  queue.New(db, zap.NewNop().Sugar()),
		kv:     ipc.NewKVStore(db),
		health: ipc.NewHealthStore(db),
		opts: Options{
			QueueType:         "tag",
			WorkerID:          0,
			PollInterval:      10 * time.Millisecond,
			HeartbeatInterval: 10 * time.Millisecond,
			Registry:          registry,
			DB:                db,
			Logger:            zap.NewNop().Sugar(),
		},
	}
}

// runWorker starts Run in the background and returns a channel with its
// exit code.
func (f *fixture) runWorker(ctx context.Context) <-chan int {
	done := make(chan int, 1)
	go func() { done <- Run(ctx, f.opts) }()
	return done
}

func (f *fixture) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func (f *fixture) shutdownAndWait(t *testing.T, done <-chan int) int {
	t.Helper()
	require.NoError(t, f.kv.SetBool(ipc.KeyShutdown, true))
	select {
	case code := <-done:
		return code
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit after shutdown flag")
		return -1
	}
}

func TestWorkerProcessesJobsInOrder(t *testing.T) {
	var processed []string
	proc := &fakeProcessor{fn: func(path string, force bool) (json.RawMessage, error) {
		processed = append(processed, path)
		return json.RawMessage(`{"ok":true}`), nil
	}}
	f := newFixture(t, proc)

	first, err := f.queue.Enqueue("/music/a.flac", false)
	require.NoError(t, err)
	second, err := f.queue.Enqueue("/music/b.flac", false)
	require.NoError(t, err)

	done := f.runWorker(context.Background())
	f.waitFor(t, func() bool {
		job, err := f.queue.Get(second)
		return err == nil && job.Status == queue.JobStatusDone
	})

	code := f.shutdownAndWait(t, done)
	assert.Equal(t, ipc.ExitOK, code)
	assert.Equal(t, []string{"/music/a.flac", "/music/b.flac"}, processed)
	assert.True(t, proc.closed.Load(), "processor must be closed on exit")

	job, err := f.queue.Get(first)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusDone, job.Status)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.Equal(t, "worker:tag:0", job.WorkerID)

	// Clean shutdown leaves the health row stopped with exit 0.
	rec, err := f.health.Get("worker:tag:0")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ipc.HealthStopped, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, ipc.ExitOK, *rec.ExitCode)
}

func TestWorkerRecordsJobError(t *testing.T) {
	proc := &fakeProcessor{fn: func(path string, force bool) (json.RawMessage, error) {
		return nil, errors.New("unsupported codec")
	}}
	f := newFixture(t, proc)

	id, err := f.queue.Enqueue("/music/bad.flac", false)
	require.NoError(t, err)

	done := f.runWorker(context.Background())
	f.waitFor(t, func() bool {
		job, err := f.queue.Get(id)
		return err == nil && job.Status == queue.JobStatusError
	})
	code := f.shutdownAndWait(t, done)
	assert.Equal(t, ipc.ExitOK, code, "a job error does not kill the worker")

	job, err := f.queue.Get(id)
	require.NoError(t, err)
	assert.Contains(t, job.ErrorMessage, "unsupported codec")
}

func TestWorkerFatalErrorExitsWithCode(t *testing.T) {
	proc := &fakeProcessor{fn: func(path string, force bool) (json.RawMessage, error) {
		return nil, Fatal(ipc.ExitUnrecoverable, errors.New("model weights corrupted"))
	}}
	f := newFixture(t, proc)

	_, err := f.queue.Enqueue("/music/a.flac", false)
	require.NoError(t, err)

	done := f.runWorker(context.Background())
	select {
	case code := <-done:
		assert.Equal(t, ipc.ExitUnrecoverable, code)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit on fatal error")
	}

	rec, err := f.health.Get("worker:tag:0")
	require.NoError(t, err)
	assert.Equal(t, ipc.HealthFailed, rec.Status)
	assert.Contains(t, rec.Metadata, "model weights corrupted")
}

func TestWorkerHonorsPauseFlag(t *testing.T) {
	proc := &fakeProcessor{fn: func(path string, force bool) (json.RawMessage, error) {
		return nil, nil
	}}
	f := newFixture(t, proc)
	require.NoError(t, f.kv.SetBool(ipc.KeyPaused, true))

	id, err := f.queue.Enqueue("/music/a.flac", false)
	require.NoError(t, err)

	done := f.runWorker(context.Background())
	time.Sleep(100 * time.Millisecond)

	job, err := f.queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusPending, job.Status, "paused worker must not claim")

	// Unpausing lets it through.
	require.NoError(t, f.kv.SetBool(ipc.KeyPaused, false))
	f.waitFor(t, func() bool {
		job, err := f.queue.Get(id)
		return err == nil && job.Status == queue.JobStatusDone
	})
	f.shutdownAndWait(t, done)
}

func TestWorkerContextCancelStops(t *testing.T) {
	proc := &fakeProcessor{fn: func(path string, force bool) (json.RawMessage, error) {
		return nil, nil
	}}
	f := newFixture(t, proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := f.runWorker(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, ipc.ExitOK, code)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit on context cancel")
	}
}

func TestWorkerWithholdsResultsUntilCalibrated(t *testing.T) {
	proc := &fakeProcessor{fn: func(path string, force bool) (json.RawMessage, error) {
		return json.RawMessage(`{"score":0.9,"tags":["shoegaze"]}`), nil
	}}
	f := newFixture(t, proc)

	gate, err := calibration.NewGate(f.kv, 2, zap.NewNop().Sugar())
	require.NoError(t, err)
	f.opts.Gate = gate

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := f.queue.Enqueue("/music/x.flac", false)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	done := f.runWorker(context.Background())
	f.waitFor(t, func() bool {
		job, err := f.queue.Get(ids[2])
		return err == nil && job.Status == queue.JobStatusDone
	})
	f.shutdownAndWait(t, done)

	var withheld struct {
		Withheld bool    `json:"withheld"`
		Score    float64 `json:"score"`
	}
	first, err := f.queue.Get(ids[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(first.Result, &withheld))
	assert.True(t, withheld.Withheld, "first result arrives before calibration completes")
	assert.Equal(t, 0.9, withheld.Score)

	// By the third job the gate has its two samples.
	third, err := f.queue.Get(ids[2])
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":0.9,"tags":["shoegaze"]}`, string(third.Result))
	assert.Equal(t, calibration.StateCalibrated, gate.State())
}

func TestRegistryUnknownType(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Build("scan")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no processor registered")

	registry.Register("scan", func() (Processor, error) {
		return &fakeProcessor{fn: func(string, bool) (json.RawMessage, error) { return nil, nil }}, nil
	})
	proc, err := registry.Build("scan")
	require.NoError(t, err)
	assert.Equal(t, "fake", proc.Name())
	assert.Equal(t, []string{"scan"}, registry.Types())
}
