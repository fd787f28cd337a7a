package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nomarr/nomarr/db"
	"github.com/nomarr/nomarr/engine/calibration"
	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// Options configures one worker process.
type Options struct {
	QueueType    string
	WorkerID     int
	DBPath       string
	RestartCount int

	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	Registry *Registry

	// Gate withholds model tags from results until calibration has seen
	// enough samples. Nil disables gating.
	Gate *calibration.Gate

	// DB overrides the database the worker opens. Tests inject an
	// in-memory handle here; production leaves it nil and the worker
	// opens DBPath itself.
	DB *storage.DB

	Logger *zap.SugaredLogger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
}

// Run is the worker process main loop. It returns the process exit code:
// ExitOK on clean shutdown, ExitRecoverable for transient failures the
// supervisor should restart, ExitFatalConfig/ExitUnrecoverable for
// terminal conditions.
func Run(ctx context.Context, opts Options) int {
	opts.defaults()
	component := ipc.WorkerComponent(opts.QueueType, opts.WorkerID)
	log := opts.Logger.Named("worker").With("component", component)

	store := opts.DB
	if store == nil {
		sqlDB, err := db.Open(opts.DBPath, log)
		if err != nil {
			log.Errorw("Cannot open database", "path", opts.DBPath, "error", err)
			return ipc.ExitFatalConfig
		}
		defer sqlDB.Close()
		store = storage.New(sqlDB, log)
	}

	w := &worker{
		opts:      opts,
		component: component,
		log:       log,
		queue:     queue.New(store, log),
		health:    ipc.NewHealthStore(store),
		kv:        ipc.NewKVStore(store),
	}
	return w.run(ctx)
}

type worker struct {
	opts      Options
	component string
	log       *zap.SugaredLogger
	queue     *queue.Queue
	health    *ipc.HealthStore
	kv        *ipc.KVStore
	processor Processor
}

func (w *worker) run(ctx context.Context) int {
	now := storage.NowMS()
	err := w.health.Upsert(&ipc.HealthRecord{
		Component:     w.component,
		LastHeartbeat: now,
		Status:        ipc.HealthStarting,
		PID:           os.Getpid(),
		RestartCount:  w.opts.RestartCount,
	})
	if err != nil {
		w.log.Errorw("Cannot register health row", "error", err)
		return ipc.ExitRecoverable
	}

	proc, err := w.opts.Registry.Build(w.opts.QueueType)
	if err != nil {
		// A missing or broken processor will not heal with a restart.
		w.log.Errorw("Processor construction failed", "error", err)
		w.markFailed(ipc.ExitFatalConfig, err)
		return ipc.ExitFatalConfig
	}
	w.processor = proc
	defer func() {
		if err := proc.Close(); err != nil {
			w.log.Warnw("Processor close failed", "error", err)
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	w.log.Infow("Worker started",
		"pid", os.Getpid(),
		"queue_type", w.opts.QueueType,
		"processor", proc.Name(),
		"restart_count", w.opts.RestartCount,
	)

	for {
		if stop, code := w.checkShutdown(ctx); stop {
			return code
		}

		paused, err := w.kv.GetBool(ipc.KeyPaused)
		if err != nil {
			w.log.Warnw("Cannot read pause flag", "error", err)
		}
		if paused {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}

		job, err := w.queue.ClaimNext(w.component)
		if err != nil {
			w.log.Errorw("Claim failed", "error", err)
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}

		if code, fatal := w.execute(ctx, job); fatal {
			return code
		}
	}
}

// checkShutdown observes SIGTERM-driven context cancellation and the
// control:shutdown flag. Only consulted between jobs: an in-flight job
// runs to completion or to the supervisor's kill grace.
func (w *worker) checkShutdown(ctx context.Context) (bool, int) {
	shutdown := ctx.Err() != nil
	if !shutdown {
		flag, err := w.kv.GetBool(ipc.KeyShutdown)
		if err != nil {
			w.log.Warnw("Cannot read shutdown flag", "error", err)
		}
		shutdown = flag
	}
	if !shutdown {
		return false, 0
	}

	w.log.Infow("Shutdown requested; stopping")
	if err := w.health.SetStatus(w.component, ipc.HealthStopping, nil); err != nil {
		w.log.Warnw("Cannot mark stopping", "error", err)
	}
	code := ipc.ExitOK
	if err := w.health.SetStatus(w.component, ipc.HealthStopped, &code); err != nil {
		w.log.Warnw("Cannot mark stopped", "error", err)
	}
	return true, ipc.ExitOK
}

// execute runs one claimed job end to end. The returned bool means the
// whole process must exit with the given code.
func (w *worker) execute(ctx context.Context, job *queue.Job) (int, bool) {
	w.publishJobStart(job)
	log := w.log.With("job_id", job.ID, "path", job.Path)
	log.Infow("Processing job")

	start := time.Now()
	result, err := w.processor.Process(ctx, job.Path, job.Force)
	elapsed := time.Since(start)

	defer w.publishJobEnd(job)

	if err != nil {
		if fe, ok := AsFatal(err); ok {
			log.Errorw("Fatal processor error; worker exiting",
				"exit_code", fe.Code, "error", err)
			// The job goes back through reset_stuck once our heartbeat
			// goes stale; the error belongs to the process, not the job.
			w.markFailed(fe.Code, err)
			return fe.Code, true
		}
		log.Warnw("Job failed", "elapsed", elapsed, "error", err)
		if merr := w.retryTransient(func() error {
			return w.queue.MarkError(job.ID, err.Error())
		}); merr != nil {
			log.Errorw("Cannot record job error", "error", merr)
		}
		w.setJobStatus(job.ID, string(queue.JobStatusError))
		return 0, false
	}

	log.Infow("Job done", "elapsed", elapsed)
	result = w.applyCalibration(result, log)
	if merr := w.retryTransient(func() error {
		return w.queue.MarkDone(job.ID, result)
	}); merr != nil {
		log.Errorw("Cannot record job result", "error", merr)
	}
	w.setJobStatus(job.ID, string(queue.JobStatusDone))
	w.publishMemory()
	return 0, false
}

// publishMemory refreshes health metadata with a memory snapshot. Model
// backends allocate lazily, so the footprint is only meaningful after
// jobs have run through them.
func (w *worker) publishMemory() {
	stats, err := SampleMemory()
	if err != nil {
		w.log.Debugw("Memory sample failed", "error", err)
		return
	}
	blob, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := w.health.SetMetadata(w.component, string(blob)); err != nil {
		w.log.Debugw("Cannot publish memory metadata", "error", err)
	}
}

// publishJobStart writes the kv triple plus the health current_job so the
// broker and UI can show per-worker progress without touching the jobs
// table.
func (w *worker) publishJobStart(job *queue.Job) {
	id := job.ID
	pairs := map[string]string{
		ipc.WorkerCurrentJobKey(w.opts.QueueType, w.opts.WorkerID): fmt.Sprintf("%d", id),
		ipc.JobStatusKey(id): string(queue.JobStatusRunning),
		ipc.JobPathKey(id):   job.Path,
	}
	for k, v := range pairs {
		if err := w.kv.Set(k, v); err != nil {
			w.log.Warnw("Cannot publish job kv", "key", k, "error", err)
		}
	}
	if err := w.health.SetCurrentJob(w.component, &id); err != nil {
		w.log.Warnw("Cannot set current job on health row", "error", err)
	}
}

func (w *worker) publishJobEnd(job *queue.Job) {
	key := ipc.WorkerCurrentJobKey(w.opts.QueueType, w.opts.WorkerID)
	if err := w.kv.Delete(key); err != nil {
		w.log.Warnw("Cannot clear worker current job kv", "error", err)
	}
	if err := w.health.SetCurrentJob(w.component, nil); err != nil {
		w.log.Warnw("Cannot clear current job on health row", "error", err)
	}
}

func (w *worker) setJobStatus(jobID int64, status string) {
	if err := w.kv.Set(ipc.JobStatusKey(jobID), status); err != nil {
		w.log.Warnw("Cannot publish job status kv", "job_id", jobID, "error", err)
	}
}

func (w *worker) markFailed(code int, cause error) {
	if err := w.health.SetStatus(w.component, ipc.HealthFailed, &code); err != nil {
		w.log.Warnw("Cannot mark failed", "error", err)
	}
	if err := w.health.SetMetadata(w.component, cause.Error()); err != nil {
		w.log.Warnw("Cannot record failure metadata", "error", err)
	}
}

// heartbeatLoop bumps the health row on a ticker. The rate limiter caps
// writes even if the interval is misconfigured very low.
func (w *worker) heartbeatLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	// First beat immediately so the supervisor sees us before the first
	// full interval elapses.
	w.beat(limiter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(limiter)
		}
	}
}

func (w *worker) beat(limiter *rate.Limiter) {
	if !limiter.Allow() {
		return
	}
	err := w.health.Heartbeat(w.component, ipc.HealthHealthy, storage.NowMS())
	if err != nil {
		// The supervisor truncates health at shutdown; a missing row here
		// means we are being torn down.
		w.log.Debugw("Heartbeat skipped", "error", errors.Unwrap(err))
	}
}

// applyCalibration feeds the result's score to the gate and withholds
// the tags while the score distribution is not yet trusted. Results
// without a score pass through untouched.
func (w *worker) applyCalibration(result json.RawMessage, log *zap.SugaredLogger) json.RawMessage {
	gate := w.opts.Gate
	if gate == nil || len(result) == 0 {
		return result
	}
	var scored struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(result, &scored); err != nil || scored.Score == nil {
		return result
	}
	if err := gate.Observe(*scored.Score); err != nil {
		log.Warnw("Calibration observe failed", "error", err)
	}
	if gate.AllowPersist() {
		return result
	}

	withheld, err := json.Marshal(map[string]any{
		"withheld":          true,
		"score":             *scored.Score,
		"calibration_state": string(gate.State()),
	})
	if err != nil {
		return result
	}
	log.Debugw("Result withheld pending calibration", "state", gate.State())
	return withheld
}

// retryTransient reruns fn a few times when it fails on lock contention
// the busy timeout did not absorb. Losing a finished job's result to a
// transient lock would waste a full inference pass.
func (w *worker) retryTransient(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil || !Transient(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}

func (w *worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
