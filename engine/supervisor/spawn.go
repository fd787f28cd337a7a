package supervisor

import (
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v3/process"

	"github.com/nomarr/nomarr/errors"
)

// Proc is a handle on one spawned worker process. The supervisor only
// needs liveness, signaling, and the exit code once the process is gone.
type Proc interface {
	Pid() int
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
	// ExitCode returns (code, true) once the process has exited.
	ExitCode() (int, bool)
}

// Spawner starts worker processes. The production implementation
// re-execs this binary; tests substitute a fake that never forks.
type Spawner interface {
	Spawn(queueType string, workerID, restartCount int) (Proc, error)
}

// ExecSpawner launches workers by re-executing the current binary with
// the hidden worker subcommand. Children inherit stdout/stderr so their
// logs interleave with the parent's.
type ExecSpawner struct {
	DBPath string
}

// Spawn forks one worker child.
func (s *ExecSpawner) Spawn(queueType string, workerID, restartCount int) (Proc, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "resolve own executable")
	}
	cmd := exec.Command(self, "worker",
		"--queue", queueType,
		"--id", strconv.Itoa(workerID),
		"--db", s.DBPath,
		"--restart-count", strconv.Itoa(restartCount),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "spawn worker %s:%d", queueType, workerID)
	}

	p := &execProc{cmd: cmd}
	go p.wait()
	return p, nil
}

// execProc wraps a forked child. wait() runs in its own goroutine and
// records the exit code; everything else reads it under the mutex.
type execProc struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	exited bool
	code   int
}

func (p *execProc) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
	p.code = exitCodeFrom(err, p.cmd)
}

func exitCodeFrom(waitErr error, cmd *exec.Cmd) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			// Killed by signal: report 128+sig the way shells do.
			return 128 + int(status.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}

func (p *execProc) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProc) Alive() bool {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()
	// Double-check against the OS: wait() may not have run yet.
	alive, err := gopsproc.PidExists(int32(p.cmd.Process.Pid))
	if err != nil {
		return true
	}
	return alive
}

func (p *execProc) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProc) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProc) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return 0, false
	}
	return p.code, true
}
