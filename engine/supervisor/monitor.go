package supervisor

import (
	"time"

	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/storage"
)

// monitorLoop is the supervisor's periodic health pass: detect dead
// workers, apply the restart policy, carry out scheduled respawns, and
// return orphaned jobs to the queue.
func (s *Supervisor) monitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.MonitorIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick runs one monitor pass. Exported to tests via Tick.
func (s *Supervisor) tick() {
	now := storage.NowMS()

	s.mu.Lock()
	for _, mw := range s.workers {
		s.checkWorkerLocked(mw, now)
	}
	s.mu.Unlock()

	if _, err := s.queue.ResetStuck(s.cfg.HeartbeatStaleMS); err != nil {
		s.log.Warnw("Stuck-job reset failed", "error", err)
	}
	if _, err := s.claims.Sweep(); err != nil {
		s.log.Warnw("Claim sweep failed", "error", err)
	}
	s.maybeRunRetention(now)
}

// retentionEveryMS is how often the retention pass runs; finished jobs
// only need pruning occasionally.
const retentionEveryMS = 3600000

// maybeRunRetention prunes old finished jobs at most once an hour.
func (s *Supervisor) maybeRunRetention(now int64) {
	if s.cfg.RetentionAgeMS <= 0 {
		return
	}
	s.mu.Lock()
	due := now-s.lastRetentionMS >= retentionEveryMS
	if due {
		s.lastRetentionMS = now
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.queue.RetentionCleanup(s.cfg.RetentionAgeMS); err != nil {
		s.log.Warnw("Retention cleanup failed", "error", err)
	}
}

// Tick runs one monitor pass immediately. Tests drive the supervisor
// through this instead of waiting on the ticker.
func (s *Supervisor) Tick() {
	s.tick()
}

// checkWorkerLocked evaluates one slot. Caller holds s.mu.
func (s *Supervisor) checkWorkerLocked(mw *managedWorker, now int64) {
	if mw.failed {
		return
	}

	// A slot with no process is waiting on its backoff timer.
	if mw.proc == nil {
		if mw.nextRestartAt > 0 && now >= mw.nextRestartAt {
			if err := s.spawnLocked(mw); err != nil {
				s.log.Errorw("Respawn failed; retrying next tick",
					"component", mw.component, "error", err)
			}
		}
		return
	}

	dead, exitCode := s.isDead(mw, now)
	if !dead {
		return
	}

	mw.proc = nil
	s.applyRestartPolicyLocked(mw, exitCode, now)
}

// isDead decides whether the worker process is gone or wedged: the OS
// process exited, or its heartbeat row has gone stale.
func (s *Supervisor) isDead(mw *managedWorker, now int64) (bool, *int) {
	if code, exited := mw.proc.ExitCode(); exited {
		return true, &code
	}
	if !mw.proc.Alive() {
		return true, nil
	}

	rec, err := s.health.Get(mw.component)
	if err != nil {
		s.log.Warnw("Cannot read worker health", "component", mw.component, "error", err)
		return false, nil
	}
	if rec == nil {
		// Row not written yet; the worker may still be starting up.
		return false, nil
	}
	if rec.Status == ipc.HealthFailed {
		// The worker marked itself failed before exiting; treat its
		// recorded exit code as authoritative.
		return true, rec.ExitCode
	}
	if now-rec.LastHeartbeat > s.cfg.HeartbeatStaleMS {
		s.log.Warnw("Worker heartbeat stale; treating as dead",
			"component", mw.component,
			"age_ms", now-rec.LastHeartbeat,
		)
		if err := mw.proc.Kill(); err != nil {
			s.log.Warnw("Cannot kill wedged worker", "component", mw.component, "error", err)
		}
		return true, nil
	}
	return false, nil
}
