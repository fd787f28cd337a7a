// Package control is the operator-facing facade over the engine: every
// action a CLI, API, or UI takes goes through here. Methods are a few
// database calls each; none spawn processes.
package control

import (
	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/broker"
	"github.com/nomarr/nomarr/engine/calibration"
	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
	"github.com/nomarr/nomarr/engine/supervisor"
	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/storage"
)

// Control wires the engine components behind one surface.
type Control struct {
	db     *storage.DB
	queue  *queue.Queue
	health *ipc.HealthStore
	kv     *ipc.KVStore
	sup    *supervisor.Supervisor
	broker *broker.Broker
	gate   *calibration.Gate
	log    *zap.SugaredLogger
}

// New builds the control plane. sup and brk may be nil for read-mostly
// contexts (one-shot CLI commands against a live database).
func New(db *storage.DB, sup *supervisor.Supervisor, brk *broker.Broker, gate *calibration.Gate, log *zap.SugaredLogger) *Control {
	return &Control{
		db:     db,
		queue:  queue.New(db, log),
		health: ipc.NewHealthStore(db),
		kv:     ipc.NewKVStore(db),
		sup:    sup,
		broker: brk,
		gate:   gate,
		log:    log.Named("control"),
	}
}

// Enqueue adds one pending job per path, in order. On failure the jobs
// already enqueued stay; the error says where it stopped.
func (c *Control) Enqueue(paths []string, force bool) ([]int64, error) {
	ids := make([]int64, 0, len(paths))
	for _, path := range paths {
		id, err := c.queue.Enqueue(path, force)
		if err != nil {
			return ids, errors.Wrapf(err, "enqueue stopped after %d of %d paths", len(ids), len(paths))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Pause stops workers from claiming new jobs. Returns the previous value.
func (c *Control) Pause() (bool, error) {
	if c.sup != nil {
		return c.sup.Pause()
	}
	return c.setPaused(true)
}

// Resume lets workers claim again. Returns the previous value.
func (c *Control) Resume() (bool, error) {
	if c.sup != nil {
		return c.sup.Resume()
	}
	return c.setPaused(false)
}

func (c *Control) setPaused(v bool) (bool, error) {
	prev, err := c.kv.GetBool(ipc.KeyPaused)
	if err != nil {
		return false, err
	}
	return prev, c.kv.SetBool(ipc.KeyPaused, v)
}

// Snapshot is the full status picture in one read pass.
type Snapshot struct {
	Stats            *queue.Stats        `json:"stats"`
	Workers          []*ipc.HealthRecord `json:"workers"`
	Paused           bool                `json:"paused"`
	AppHeartbeatAge  int64               `json:"app_heartbeat_age_ms"`
	AppAlive         bool                `json:"app_alive"`
	CalibrationState string              `json:"calibration_state,omitempty"`
}

// Status gathers queue counts, worker health, the parent heartbeat age,
// and the calibration phase.
func (c *Control) Status() (*Snapshot, error) {
	stats, err := c.queue.GetStats()
	if err != nil {
		return nil, err
	}
	workers, err := c.health.ListWorkers()
	if err != nil {
		return nil, err
	}
	paused, err := c.kv.GetBool(ipc.KeyPaused)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Stats:   stats,
		Workers: workers,
		Paused:  paused,
	}
	app, err := c.health.Get(ipc.AppComponent)
	if err != nil {
		return nil, err
	}
	if app != nil {
		snap.AppHeartbeatAge = storage.NowMS() - app.LastHeartbeat
		snap.AppAlive = app.Status == ipc.HealthHealthy
	}
	if c.gate != nil {
		snap.CalibrationState = string(c.gate.State())
	}
	return snap, nil
}

// Subscribe attaches a reader to the broker for the given topic patterns.
func (c *Control) Subscribe(patterns ...string) (*broker.Subscription, error) {
	if c.broker == nil {
		return nil, errors.New("no broker attached to this control plane")
	}
	return c.broker.Subscribe(patterns...), nil
}

// Unsubscribe detaches a broker subscription.
func (c *Control) Unsubscribe(sub *broker.Subscription) {
	if c.broker != nil && sub != nil {
		c.broker.Unsubscribe(sub.ID())
	}
}

// ResetErrors returns every errored job to pending.
func (c *Control) ResetErrors() (int64, error) {
	return c.queue.ResetErrors()
}

// ResetStuck returns running jobs with stale or missing owners to pending.
func (c *Control) ResetStuck(thresholdMS int64) (int64, error) {
	return c.queue.ResetStuck(thresholdMS)
}

// RetentionCleanup deletes finished jobs older than ageMS.
func (c *Control) RetentionCleanup(ageMS int64) (int64, error) {
	return c.queue.RetentionCleanup(ageMS)
}

// ResetRestartCount clears a worker's restart history and lockout.
func (c *Control) ResetRestartCount(component string) error {
	if c.sup != nil {
		return c.sup.ResetRestartCount(component)
	}
	// Without a live supervisor only the persistent record can be
	// cleared; the respawn happens on the next serve start.
	return ipc.NewRestartStore(c.db).ResetCount(component)
}

// Calibration exposes the gate for tagging layers that consult it.
func (c *Control) Calibration() *calibration.Gate {
	return c.gate
}
