package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/errors"
)

// CommandProcessor runs an external program per job: the pluggable
// process_fn boundary. The inference sidecar is invoked as
// `<command> [--force] <path>` and prints a JSON result on stdout.
// Its exit code follows the worker convention: 0 ok, 1 job failed,
// 2/3 terminal for the whole worker.
type CommandProcessor struct {
	Command string
	Args    []string
}

// NewCommandProcessor builds a processor around command.
func NewCommandProcessor(command string, args ...string) *CommandProcessor {
	return &CommandProcessor{Command: command, Args: args}
}

// Name identifies the processor in logs.
func (p *CommandProcessor) Name() string {
	return "command:" + p.Command
}

// Process runs one job through the sidecar.
func (p *CommandProcessor) Process(ctx context.Context, path string, force bool) (json.RawMessage, error) {
	args := append([]string(nil), p.Args...)
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code := ee.ExitCode()
			cause := errors.Newf("%s exited %d: %s", p.Command, code, firstLine(stderr.Bytes()))
			if code == ipc.ExitFatalConfig || code == ipc.ExitUnrecoverable {
				return nil, Fatal(code, cause)
			}
			return nil, cause
		}
		// Could not start at all: a missing or unexecutable sidecar will
		// not heal with a worker restart.
		return nil, Fatal(ipc.ExitFatalConfig, errors.Wrapf(err, "run %s", p.Command))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, errors.Newf("%s produced invalid JSON result: %s", p.Command, firstLine(out))
	}
	return json.RawMessage(out), nil
}

// Close is a no-op; the sidecar holds no persistent state here.
func (p *CommandProcessor) Close() error { return nil }

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}
