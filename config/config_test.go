package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// defaultConfig unmarshals the viper defaults without touching any
// config files on the host.
func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nomarr.db", cfg.Database.Path)
	assert.Equal(t, map[string]int{"tag": 1}, cfg.Workers.Counts)
	assert.Equal(t, "nomarr-tag", cfg.Workers.Commands["tag"])
	assert.Equal(t, int64(2000), cfg.Workers.PollIntervalMS)
	assert.Equal(t, int64(5000), cfg.Workers.HeartbeatMS)
	assert.Equal(t, int64(30000), cfg.Supervisor.HeartbeatStaleMS)
	assert.Equal(t, []int64{1000, 2000, 4000, 8000, 16000, 32000, 60000}, cfg.Supervisor.BackoffScheduleMS)
	assert.Equal(t, 5, cfg.Supervisor.RapidThreshold)
	assert.Equal(t, int64(500), cfg.Broker.TickMS)
	assert.Equal(t, int64(604800000), cfg.Queue.RetentionAgeMS)
	assert.Equal(t, 50, cfg.Calibration.MinSamples)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nomarr.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[database]
path = "/var/lib/nomarr/nomarr.db"

[workers]
heartbeat_ms = 2000

[workers.counts]
tag = 2
scan = 1

[workers.commands]
tag = "nomarr-tag"
scan = "nomarr-scan"

[supervisor]
heartbeat_stale_ms = 12000

[calibration]
min_samples = 10
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/nomarr/nomarr.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Workers.Counts["tag"])
	assert.Equal(t, 1, cfg.Workers.Counts["scan"])
	assert.Equal(t, "nomarr-scan", cfg.Workers.Commands["scan"])
	assert.Equal(t, int64(2000), cfg.Workers.HeartbeatMS)
	assert.Equal(t, int64(12000), cfg.Supervisor.HeartbeatStaleMS)
	assert.Equal(t, 10, cfg.Calibration.MinSamples)
	// Untouched sections keep their defaults.
	assert.Equal(t, int64(500), cfg.Broker.TickMS)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidateRejectsEmptyWorkerCounts(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Workers.Counts = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers.counts")
}

func TestValidateRejectsNegativeWorkerCount(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Workers.Counts["tag"] = -1

	require.Error(t, cfg.Validate())
}

func TestValidateRequiresCommandForActiveQueue(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Workers.Counts["scan"] = 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers.commands.scan")

	// A zero count needs no command.
	cfg.Workers.Counts["scan"] = 0
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsTightStaleThreshold(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Supervisor.HeartbeatStaleMS = 5 * cfg.Workers.HeartbeatMS

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_stale_ms")
}

func TestValidateRejectsBadBackoffSchedule(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Supervisor.BackoffScheduleMS = nil
	require.Error(t, cfg.Validate())

	cfg.Supervisor.BackoffScheduleMS = []int64{1000, 0}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveKnobs(t *testing.T) {
	checks := []func(*Config){
		func(c *Config) { c.Workers.PollIntervalMS = 0 },
		func(c *Config) { c.Workers.HeartbeatMS = 0 },
		func(c *Config) { c.Supervisor.MonitorIntervalMS = 0 },
		func(c *Config) { c.Supervisor.RapidWindowMS = 0 },
		func(c *Config) { c.Supervisor.RapidThreshold = 0 },
		func(c *Config) { c.Supervisor.ShutdownGraceMS = 0 },
		func(c *Config) { c.Broker.TickMS = 0 },
		func(c *Config) { c.Queue.RetentionAgeMS = 0 },
		func(c *Config) { c.Calibration.MinSamples = 0 },
	}
	for i, mutate := range checks {
		cfg := defaultConfig(t)
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "mutation %d should fail validation", i)
	}
}
