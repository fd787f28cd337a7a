// Package worker implements the long-lived child process loop: claim a
// job, run it through a processor, record the result, heartbeat the
// whole time. A worker owns its own database connection and talks to the
// parent only through the shared tables.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nomarr/nomarr/errors"
)

// Processor executes one job. Implementations load their model once at
// startup and stay resident; Process is called serially per worker.
type Processor interface {
	// Name identifies the processor in logs and health metadata.
	Name() string
	// Process runs the job for path. The returned payload is stored
	// verbatim as the job result. A plain error marks the job errored
	// and the worker continues; a FatalError terminates the process
	// with its exit code.
	Process(ctx context.Context, path string, force bool) (json.RawMessage, error)
	// Close releases model resources at shutdown.
	Close() error
}

// FatalError terminates the worker process instead of failing a single
// job. Code selects the exit code, which the supervisor's restart policy
// interprets: ExitFatalConfig and ExitUnrecoverable are never restarted.
type FatalError struct {
	Code int
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal worker error (exit %d): %v", e.Code, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as process-terminating with the given exit code.
func Fatal(code int, err error) error {
	return &FatalError{Code: code, Err: err}
}

// AsFatal extracts a FatalError from err's chain.
func AsFatal(err error) (*FatalError, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
