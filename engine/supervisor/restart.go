package supervisor

import (
	"fmt"

	"github.com/nomarr/nomarr/engine/ipc"
)

// applyRestartPolicyLocked decides what happens after a worker death.
// Caller holds s.mu. exitCode is nil when the process died without a
// collectable status (killed, or detected only via stale heartbeat);
// that case is treated the same as a recoverable exit.
func (s *Supervisor) applyRestartPolicyLocked(mw *managedWorker, exitCode *int, now int64) {
	log := s.log.With("component", mw.component)

	if exitCode != nil && (*exitCode == ipc.ExitFatalConfig || *exitCode == ipc.ExitUnrecoverable) {
		log.Errorw("Worker exited with terminal code; not restarting", "exit_code", *exitCode)
		s.markSlotFailed(mw, exitCode, false,
			fmt.Sprintf("terminal exit code %d", *exitCode))
		return
	}

	rec, err := s.restart.Get(mw.component)
	if err != nil {
		log.Errorw("Cannot read restart record; restarting with default backoff", "error", err)
		rec = &ipc.RestartRecord{Component: mw.component}
	}

	// Restarts outside the rapid window start a fresh count.
	if rec.WindowStart == 0 || now-rec.WindowStart > s.cfg.RapidWindowMS {
		rec.WindowStart = now
		rec.RestartCount = 0
	}
	rec.RestartCount++
	rec.LastRestart = &now

	if rec.RestartCount >= s.cfg.RapidThreshold {
		lockedUntil := ipc.LockedForever
		rec.LockedUntil = &lockedUntil
		if err := s.restart.Put(rec); err != nil {
			log.Errorw("Cannot persist lockout record", "error", err)
		}
		log.Errorw("Worker restarting too rapidly; locking out",
			"restarts", rec.RestartCount,
			"window_ms", s.cfg.RapidWindowMS,
		)
		s.markSlotFailed(mw, exitCode, true,
			fmt.Sprintf("locked out after %d restarts in %dms", rec.RestartCount, s.cfg.RapidWindowMS))
		return
	}

	if err := s.restart.Put(rec); err != nil {
		log.Errorw("Cannot persist restart record", "error", err)
	}
	if err := s.health.SetStatus(mw.component, ipc.HealthCrashed, exitCode); err != nil {
		log.Warnw("Cannot mark health crashed", "error", err)
	}

	backoff := s.backoffFor(rec.RestartCount)
	mw.restartCount = rec.RestartCount
	mw.nextRestartAt = now + backoff
	log.Warnw("Worker died; restart scheduled",
		"exit_code", exitCode,
		"restart_count", rec.RestartCount,
		"backoff_ms", backoff,
	)
}

// backoffFor returns the delay before restart n (1-based). Counts past
// the end of the schedule stay at the final rung.
func (s *Supervisor) backoffFor(restartCount int) int64 {
	idx := restartCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.cfg.BackoffScheduleMS) {
		idx = len(s.cfg.BackoffScheduleMS) - 1
	}
	return s.cfg.BackoffScheduleMS[idx]
}

// markSlotFailed records a terminal state on both the in-memory slot and
// the health row so status surfaces show why the worker is gone.
func (s *Supervisor) markSlotFailed(mw *managedWorker, exitCode *int, locked bool, reason string) {
	mw.failed = true
	mw.nextRestartAt = 0
	if err := s.health.SetStatus(mw.component, ipc.HealthFailed, exitCode); err != nil {
		s.log.Warnw("Cannot mark health failed", "component", mw.component, "error", err)
	}
	meta := reason
	if locked {
		meta = reason + "; reset the restart count to recover"
	}
	if err := s.health.SetMetadata(mw.component, meta); err != nil {
		s.log.Warnw("Cannot record failure metadata", "component", mw.component, "error", err)
	}
}
