// Package broker turns database state into push notifications. A single
// poll loop snapshots the shared tables on a tick, diffs against the
// previous snapshot, and fans typed events out to topic subscribers.
// Readers that cannot keep up lose oldest events, never the poller.
package broker

import (
	"strconv"

	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
)

// EventType discriminates Event payloads.
type EventType string

const (
	EventJobUpdate    EventType = "job_update"
	EventStatsUpdate  EventType = "stats_update"
	EventWorkerStatus EventType = "worker_status"
	EventHealthUpdate EventType = "health_update"
	// EventLagged is synthesized per subscriber when its queue dropped
	// events; the payload says how many.
	EventLagged EventType = "lagged"
)

// Event is one state change. Payload holds the typed struct for the
// event type; Timestamp is wall-clock milliseconds at emit time.
type Event struct {
	Type      EventType `json:"type"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp int64     `json:"timestamp"`
}

// JobUpdate reports a job row that changed since the last tick.
type JobUpdate struct {
	Job *queue.Job `json:"job"`
}

// StatsUpdate carries fresh aggregate queue counts.
type StatsUpdate struct {
	Stats *queue.Stats `json:"stats"`
}

// WorkerStatus reports one worker's observable state.
type WorkerStatus struct {
	Component     string           `json:"component"`
	Status        ipc.HealthStatus `json:"status"`
	PID           int              `json:"pid"`
	LastHeartbeat int64            `json:"last_heartbeat"`
	CurrentJob    *int64           `json:"current_job,omitempty"`
	JobPath       string           `json:"job_path,omitempty"`
	RestartCount  int              `json:"restart_count"`
}

// HealthUpdate is the system-wide liveness digest: how fresh the parent
// heartbeat is and how the fleet splits between alive and failed.
type HealthUpdate struct {
	AppHeartbeatAgeMS int64 `json:"app_heartbeat_age_ms"`
	WorkersAlive      int   `json:"workers_alive"`
	WorkersFailed     int   `json:"workers_failed"`
}

// Lagged is the payload of EventLagged.
type Lagged struct {
	Dropped int `json:"dropped"`
}

// MarshalText lets a Lagged marker render as "lagged:N" in logs and
// text frames.
func (l Lagged) MarshalText() ([]byte, error) {
	return []byte("lagged:" + strconv.Itoa(l.Dropped)), nil
}
