// Package config holds the Nomarr configuration: structure, loading via
// Viper, defaults, validation, and hot-reload watching.
package config

// Config represents the core Nomarr configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Workers     WorkersConfig     `mapstructure:"workers"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	Log         LogConfig         `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkersConfig configures the worker fleet
type WorkersConfig struct {
	// Counts maps queue type to worker count, e.g. tag = 1
	Counts map[string]int `mapstructure:"counts"`
	// Commands maps queue type to the sidecar command invoked per job
	Commands       map[string]string `mapstructure:"commands"`
	PollIntervalMS int64             `mapstructure:"poll_interval_ms"` // idle claim poll (default: 2000)
	HeartbeatMS    int64             `mapstructure:"heartbeat_ms"`     // health row refresh (default: 5000)
}

// SupervisorConfig configures liveness monitoring and restart policy
type SupervisorConfig struct {
	HeartbeatStaleMS  int64   `mapstructure:"heartbeat_stale_ms"`  // heartbeat age treated as dead (default: 30000)
	MonitorIntervalMS int64   `mapstructure:"monitor_interval_ms"` // monitor tick (default: 10000)
	BackoffScheduleMS []int64 `mapstructure:"backoff_schedule_ms"` // restart delays, last rung repeats
	RapidWindowMS     int64   `mapstructure:"rapid_window_ms"`     // rapid-failure window (default: 300000)
	RapidThreshold    int     `mapstructure:"rapid_threshold"`     // restarts in window before lockout (default: 5)
	ShutdownGraceMS   int64   `mapstructure:"shutdown_grace_ms"`   // SIGTERM grace before SIGKILL (default: 10000)
}

// BrokerConfig configures the state broker poll loop
type BrokerConfig struct {
	TickMS int64 `mapstructure:"tick_ms"` // poll interval (default: 500)
}

// QueueConfig configures job retention
type QueueConfig struct {
	RetentionAgeMS int64 `mapstructure:"retention_age_ms"` // finished jobs older than this are deleted (default: 7 days)
}

// CalibrationConfig configures the tag-persistence gate
type CalibrationConfig struct {
	MinSamples int `mapstructure:"min_samples"` // scored jobs before calibrated (default: 50)
}

// LogConfig configures logger output
type LogConfig struct {
	JSON bool `mapstructure:"json"` // structured JSON instead of console output
}
