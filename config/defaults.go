package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "nomarr.db")

	// Worker defaults
	v.SetDefault("workers.counts", map[string]int{"tag": 1})
	v.SetDefault("workers.commands", map[string]string{"tag": "nomarr-tag"})
	v.SetDefault("workers.poll_interval_ms", 2000)
	v.SetDefault("workers.heartbeat_ms", 5000)

	// Supervisor defaults
	v.SetDefault("supervisor.heartbeat_stale_ms", 30000) // 6x heartbeat interval
	v.SetDefault("supervisor.monitor_interval_ms", 10000)
	v.SetDefault("supervisor.backoff_schedule_ms", []int64{1000, 2000, 4000, 8000, 16000, 32000, 60000})
	v.SetDefault("supervisor.rapid_window_ms", 300000) // 5 minutes
	v.SetDefault("supervisor.rapid_threshold", 5)
	v.SetDefault("supervisor.shutdown_grace_ms", 10000)

	// Broker defaults
	v.SetDefault("broker.tick_ms", 500)

	// Queue defaults
	v.SetDefault("queue.retention_age_ms", 604800000) // 7 days

	// Calibration defaults
	v.SetDefault("calibration.min_samples", 50)

	// Logging defaults
	v.SetDefault("log.json", false)
}
