// Package supervisor manages the fleet of worker processes: spawning,
// liveness monitoring, restart policy with backoff and rapid-failure
// lockout, pause/resume, and graceful shutdown. All coordination with
// the children runs through the shared database.
package supervisor

import (
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// Config holds the supervisor's tuning knobs. Zero values are replaced
// by defaults().
type Config struct {
	// WorkerCounts maps queue type to how many workers to run.
	WorkerCounts map[string]int

	HeartbeatMS       int64
	HeartbeatStaleMS  int64
	MonitorIntervalMS int64
	BackoffScheduleMS []int64
	RapidWindowMS     int64
	RapidThreshold    int
	ShutdownGraceMS   int64

	// RetentionAgeMS bounds how long finished jobs are kept. 0 disables
	// retention cleanup.
	RetentionAgeMS int64
}

func (c *Config) defaults() {
	if c.HeartbeatMS <= 0 {
		c.HeartbeatMS = 5000
	}
	if c.HeartbeatStaleMS <= 0 {
		c.HeartbeatStaleMS = 30000
	}
	if c.MonitorIntervalMS <= 0 {
		c.MonitorIntervalMS = 10000
	}
	if len(c.BackoffScheduleMS) == 0 {
		c.BackoffScheduleMS = []int64{1000, 2000, 4000, 8000, 16000, 32000, 60000}
	}
	if c.RapidWindowMS <= 0 {
		c.RapidWindowMS = 300000
	}
	if c.RapidThreshold <= 0 {
		c.RapidThreshold = 5
	}
	if c.ShutdownGraceMS <= 0 {
		c.ShutdownGraceMS = 10000
	}
}

// managedWorker is the supervisor's in-memory view of one worker slot.
// proc is nil while a restart is pending or the slot is locked out.
type managedWorker struct {
	component string
	queueType string
	workerID  int

	proc          Proc
	restartCount  int
	nextRestartAt int64
	failed        bool
}

// Supervisor runs the worker fleet.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	log     *zap.SugaredLogger

	queue   *queue.Queue
	health  *ipc.HealthStore
	kv      *ipc.KVStore
	claims  *ipc.ClaimStore
	restart *ipc.RestartStore

	mu              sync.Mutex
	workers         map[string]*managedWorker
	lastRetentionMS int64

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a supervisor over db using spawner to launch children.
func New(db *storage.DB, spawner Spawner, cfg Config, log *zap.SugaredLogger) *Supervisor {
	cfg.defaults()
	health := ipc.NewHealthStore(db)
	return &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		log:     log.Named("supervisor"),
		queue:   queue.New(db, log),
		health:  health,
		kv:      ipc.NewKVStore(db),
		claims:  ipc.NewClaimStore(db, health),
		restart: ipc.NewRestartStore(db),
		workers: make(map[string]*managedWorker),
		stop:    make(chan struct{}),
	}
}

// Start clears stale runtime state, spawns the configured fleet, and
// launches the monitor and parent-heartbeat goroutines.
func (s *Supervisor) Start() error {
	if err := s.clearEphemeral(); err != nil {
		return err
	}

	now := storage.NowMS()
	err := s.health.Upsert(&ipc.HealthRecord{
		Component:     ipc.AppComponent,
		LastHeartbeat: now,
		Status:        ipc.HealthHealthy,
		PID:           os.Getpid(),
	})
	if err != nil {
		return errors.Wrap(err, "register app health row")
	}

	s.mu.Lock()
	for queueType, count := range s.cfg.WorkerCounts {
		for i := 0; i < count; i++ {
			mw := &managedWorker{
				component: ipc.WorkerComponent(queueType, i),
				queueType: queueType,
				workerID:  i,
			}
			s.workers[mw.component] = mw
			if s.slotLockedOut(mw, now) {
				continue
			}
			if err := s.spawnLocked(mw); err != nil {
				s.log.Errorw("Initial spawn failed; will retry on monitor tick",
					"component", mw.component, "error", err)
				mw.nextRestartAt = now + s.cfg.BackoffScheduleMS[0]
			}
		}
	}
	total := len(s.workers)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.monitorLoop()
	go s.appHeartbeatLoop()

	s.log.Infow("Supervisor started", "workers", total)
	return nil
}

// slotLockedOut checks the persisted restart record for a lockout. A
// locked slot is not spawned; only ResetRestartCount brings it back.
func (s *Supervisor) slotLockedOut(mw *managedWorker, now int64) bool {
	rec, err := s.restart.Get(mw.component)
	if err != nil {
		s.log.Warnw("Cannot read restart record at startup", "component", mw.component, "error", err)
		return false
	}
	if !rec.Locked(now) {
		return false
	}
	mw.failed = true
	mw.restartCount = rec.RestartCount
	err = s.health.Upsert(&ipc.HealthRecord{
		Component:     mw.component,
		LastHeartbeat: now,
		Status:        ipc.HealthFailed,
		RestartCount:  rec.RestartCount,
		Metadata:      "locked out; reset the restart count to recover",
	})
	if err != nil {
		s.log.Warnw("Cannot record lockout health row", "component", mw.component, "error", err)
	}
	s.log.Errorw("Worker is locked out; not spawning",
		"component", mw.component, "restart_count", rec.RestartCount)
	return true
}

// clearEphemeral wipes runtime tables left over from a previous run.
// Jobs and restart_policy persist; health, claims, and the worker/job kv
// namespaces do not.
func (s *Supervisor) clearEphemeral() error {
	if err := s.health.Truncate(); err != nil {
		return err
	}
	if err := s.claims.Truncate(); err != nil {
		return err
	}
	for _, prefix := range []string{"worker:", "job:"} {
		if _, err := s.kv.DeletePrefix(prefix); err != nil {
			return err
		}
	}
	if err := s.kv.Delete(ipc.KeyShutdown); err != nil {
		return err
	}
	return nil
}

// spawnLocked launches one worker. Caller holds s.mu.
func (s *Supervisor) spawnLocked(mw *managedWorker) error {
	proc, err := s.spawner.Spawn(mw.queueType, mw.workerID, mw.restartCount)
	if err != nil {
		return err
	}
	mw.proc = proc
	mw.nextRestartAt = 0
	s.log.Infow("Worker spawned",
		"component", mw.component,
		"pid", proc.Pid(),
		"restart_count", mw.restartCount,
	)
	return nil
}

// Pause sets the fleet-wide pause flag. Workers finish their in-flight
// job and then idle. Returns the previous value.
func (s *Supervisor) Pause() (bool, error) {
	return s.setPaused(true)
}

// Resume clears the pause flag. Returns the previous value.
func (s *Supervisor) Resume() (bool, error) {
	return s.setPaused(false)
}

func (s *Supervisor) setPaused(v bool) (bool, error) {
	prev, err := s.kv.GetBool(ipc.KeyPaused)
	if err != nil {
		return false, err
	}
	if err := s.kv.SetBool(ipc.KeyPaused, v); err != nil {
		return prev, err
	}
	s.log.Infow("Pause flag changed", "paused", v, "was", prev)
	return prev, nil
}

// ResetRestartCount clears a component's restart history and, if the
// slot was locked out, schedules an immediate respawn. This is the
// operator's way out of a rapid-failure lockout.
func (s *Supervisor) ResetRestartCount(component string) error {
	if err := s.restart.ResetCount(component); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mw, ok := s.workers[component]; ok {
		mw.restartCount = 0
		if mw.failed {
			mw.failed = false
			mw.nextRestartAt = storage.NowMS()
			s.log.Infow("Lockout cleared; respawn scheduled", "component", component)
		}
	}
	return nil
}

// Shutdown stops the fleet: shutdown flag, SIGTERM, grace wait, SIGKILL
// stragglers, then wipes runtime state so the next start is clean.
func (s *Supervisor) Shutdown() error {
	var firstErr error
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()

		if err := s.kv.SetBool(ipc.KeyShutdown, true); err != nil {
			firstErr = err
		}

		s.mu.Lock()
		var live []*managedWorker
		for _, mw := range s.workers {
			if mw.proc != nil && mw.proc.Alive() {
				live = append(live, mw)
			}
		}
		s.mu.Unlock()

		for _, mw := range live {
			if err := mw.proc.Signal(syscall.SIGTERM); err != nil {
				s.log.Warnw("SIGTERM failed", "component", mw.component, "error", err)
			}
		}

		deadline := time.Now().Add(time.Duration(s.cfg.ShutdownGraceMS) * time.Millisecond)
		for time.Now().Before(deadline) {
			if allDead(live) {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}

		for _, mw := range live {
			if mw.proc.Alive() {
				s.log.Warnw("Worker did not stop in grace period; killing",
					"component", mw.component, "pid", mw.proc.Pid())
				if err := mw.proc.Kill(); err != nil {
					s.log.Warnw("Kill failed", "component", mw.component, "error", err)
				}
			}
		}

		code := ipc.ExitOK
		if err := s.health.SetStatus(ipc.AppComponent, ipc.HealthStopped, &code); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.clearEphemeral(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.log.Infow("Supervisor stopped")
	})
	return firstErr
}

func allDead(workers []*managedWorker) bool {
	for _, mw := range workers {
		if mw.proc.Alive() {
			return false
		}
	}
	return true
}

// appHeartbeatLoop keeps the parent's own health row fresh so workers
// and the UI can tell the supervisor is alive.
func (s *Supervisor) appHeartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.HeartbeatMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.health.Heartbeat(ipc.AppComponent, ipc.HealthHealthy, storage.NowMS())
			if err != nil {
				s.log.Warnw("App heartbeat failed", "error", err)
			}
		}
	}
}

// Workers returns a snapshot of the managed fleet for status reporting.
func (s *Supervisor) Workers() []WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerState, 0, len(s.workers))
	for _, mw := range s.workers {
		ws := WorkerState{
			Component:    mw.component,
			QueueType:    mw.queueType,
			WorkerID:     mw.workerID,
			RestartCount: mw.restartCount,
			Failed:       mw.failed,
		}
		if mw.proc != nil {
			ws.PID = mw.proc.Pid()
			ws.Alive = mw.proc.Alive()
		}
		out = append(out, ws)
	}
	return out
}

// WorkerState is one slot's supervisor-side view.
type WorkerState struct {
	Component    string
	QueueType    string
	WorkerID     int
	PID          int
	Alive        bool
	RestartCount int
	Failed       bool
}
