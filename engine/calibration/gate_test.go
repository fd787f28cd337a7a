package calibration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nomarr/nomarr/engine/ipc"
	nomtest "github.com/nomarr/nomarr/internal/testing"
	"github.com/nomarr/nomarr/storage"
)

func newGate(t *testing.T, minSamples int) (*Gate, *ipc.KVStore) {
	t.Helper()
	db := storage.New(nomtest.CreateTestDB(t), nil)
	kv := ipc.NewKVStore(db)
	gate, err := NewGate(kv, minSamples, zap.NewNop().Sugar())
	require.NoError(t, err)
	return gate, kv
}

func TestGateStartsUncalibrated(t *testing.T) {
	gate, _ := newGate(t, 3)

	assert.Equal(t, StateUncalibrated, gate.State())
	assert.False(t, gate.AllowPersist())
	assert.Zero(t, gate.Samples())
}

func TestGateTransitionsThroughCalibrating(t *testing.T) {
	gate, _ := newGate(t, 3)

	require.NoError(t, gate.Observe(0.8))
	assert.Equal(t, StateCalibrating, gate.State())
	assert.False(t, gate.AllowPersist())

	require.NoError(t, gate.Observe(0.7))
	assert.Equal(t, StateCalibrating, gate.State())

	require.NoError(t, gate.Observe(0.9))
	assert.Equal(t, StateCalibrated, gate.State())
	assert.True(t, gate.AllowPersist())
	assert.Equal(t, 3, gate.Samples())
}

func TestGateObserveAfterCalibratedIsNoOp(t *testing.T) {
	gate, _ := newGate(t, 1)

	require.NoError(t, gate.Observe(0.5))
	require.True(t, gate.AllowPersist())

	require.NoError(t, gate.Observe(0.6))
	assert.Equal(t, 1, gate.Samples(), "calibrated gate stops counting")
}

func TestGatePersistsAcrossRestart(t *testing.T) {
	gate, kv := newGate(t, 3)

	require.NoError(t, gate.Observe(0.8))
	require.NoError(t, gate.Observe(0.7))

	// A new process loads the same kv row.
	reloaded, err := NewGate(kv, 3, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, StateCalibrating, reloaded.State())
	assert.Equal(t, 2, reloaded.Samples())

	require.NoError(t, reloaded.Observe(0.9))
	assert.True(t, reloaded.AllowPersist())
}

func TestGateReset(t *testing.T) {
	gate, kv := newGate(t, 1)

	require.NoError(t, gate.Observe(0.5))
	require.True(t, gate.AllowPersist())

	require.NoError(t, gate.Reset())
	assert.Equal(t, StateUncalibrated, gate.State())
	assert.False(t, gate.AllowPersist())

	// Reset is durable too.
	reloaded, err := NewGate(kv, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, StateUncalibrated, reloaded.State())
}

func TestGateSurvivesCorruptState(t *testing.T) {
	gate, kv := newGate(t, 2)
	require.NoError(t, gate.Observe(0.5))

	require.NoError(t, kv.Set(ipc.KeyCalibration, "{not json"))

	reloaded, err := NewGate(kv, 2, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, StateUncalibrated, reloaded.State(), "corrupt state restarts calibration")
}
