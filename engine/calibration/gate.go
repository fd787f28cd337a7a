// Package calibration implements the state machine that gates which tags
// may be persisted. A fresh install starts uncalibrated: model output is
// withheld from job results until enough samples have been observed to
// trust the score distribution. Jobs still run and complete either way;
// only result persistence is gated.
package calibration

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/errors"
)

// State is the calibration phase. Transitions are one-way:
// uncalibrated → calibrating → calibrated, with Reset returning to the
// start.
type State string

const (
	StateUncalibrated State = "uncalibrated"
	StateCalibrating  State = "calibrating"
	StateCalibrated   State = "calibrated"
)

// persisted is the JSON blob stored under the control:calibration key, so
// the gate survives process restarts and is visible to every process.
type persisted struct {
	State   State   `json:"state"`
	Samples int     `json:"samples"`
	Sum     float64 `json:"sum"`
}

// Gate tracks calibration progress and answers AllowPersist.
type Gate struct {
	kv         *ipc.KVStore
	minSamples int
	log        *zap.SugaredLogger

	mu    sync.Mutex
	state persisted
}

// NewGate loads (or initializes) the gate from the kv store. minSamples
// is how many scored jobs must be observed before tags may be persisted.
func NewGate(kv *ipc.KVStore, minSamples int, log *zap.SugaredLogger) (*Gate, error) {
	g := &Gate{
		kv:         kv,
		minSamples: minSamples,
		log:        log.Named("calibration"),
		state:      persisted{State: StateUncalibrated},
	}

	raw, ok, err := kv.Get(ipc.KeyCalibration)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load calibration state")
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &g.state); err != nil {
			// A corrupt blob resets calibration rather than wedging startup.
			g.log.Warnw("Corrupt calibration state; starting over", "raw", raw, "error", err)
			g.state = persisted{State: StateUncalibrated}
		}
	}
	return g, nil
}

// Observe records one sample score and advances the state machine.
func (g *Gate) Observe(score float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state.State {
	case StateUncalibrated:
		g.state.State = StateCalibrating
		g.log.Infow("Calibration started", "min_samples", g.minSamples)
	case StateCalibrated:
		return nil
	}

	g.state.Samples++
	g.state.Sum += score

	if g.state.Samples >= g.minSamples {
		g.state.State = StateCalibrated
		g.log.Infow("Calibration complete",
			"samples", g.state.Samples,
			"mean_score", g.state.Sum/float64(g.state.Samples),
		)
	}
	return g.save()
}

// State returns the current phase.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.State
}

// Samples returns how many scores have been observed.
func (g *Gate) Samples() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Samples
}

// AllowPersist reports whether model tags may be written into job results.
func (g *Gate) AllowPersist() bool {
	return g.State() == StateCalibrated
}

// Reset returns the gate to uncalibrated. Admin operation.
func (g *Gate) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = persisted{State: StateUncalibrated}
	g.log.Infow("Calibration reset")
	return g.save()
}

// save writes the state under the caller-held lock.
func (g *Gate) save() error {
	raw, err := json.Marshal(g.state)
	if err != nil {
		return errors.Wrap(err, "failed to marshal calibration state")
	}
	if err := g.kv.Set(ipc.KeyCalibration, string(raw)); err != nil {
		return errors.Wrap(err, "failed to persist calibration state")
	}
	return nil
}
