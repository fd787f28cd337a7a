// Package ipc holds the typed stores over the database tables that the
// parent and worker processes communicate through: health rows, the
// worker_kv table, advisory claims, and restart-policy counters. The
// database is the only IPC channel; there is no shared memory.
package ipc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nomarr/nomarr/errors"
)

// AppComponent is the health component name of the parent process.
const AppComponent = "app"

// WorkerComponent builds the component id for a worker, e.g. "worker:tag:0".
func WorkerComponent(queueType string, workerID int) string {
	return fmt.Sprintf("worker:%s:%d", queueType, workerID)
}

// ParseWorkerComponent splits a "worker:<queue>:<id>" component id.
func ParseWorkerComponent(component string) (queueType string, workerID int, err error) {
	parts := strings.Split(component, ":")
	if len(parts) != 3 || parts[0] != "worker" {
		return "", 0, errors.Newf("not a worker component: %s", component)
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, errors.Wrapf(err, "bad worker id in component %s", component)
	}
	return parts[1], id, nil
}
