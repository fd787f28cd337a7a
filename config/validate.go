package config

import "github.com/nomarr/nomarr/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Worker counts: empty map means nothing would ever run
	if len(c.Workers.Counts) == 0 {
		return errors.New("workers.counts cannot be empty (e.g. tag = 1)")
	}
	for queueType, count := range c.Workers.Counts {
		if count < 0 {
			return errors.Newf("workers.counts.%s must be >= 0, got %d", queueType, count)
		}
		if count > 0 && c.Workers.Commands[queueType] == "" {
			return errors.Newf("workers.commands.%s is required when workers.counts.%s > 0", queueType, queueType)
		}
	}

	if c.Workers.PollIntervalMS <= 0 {
		return errors.Newf("workers.poll_interval_ms must be > 0, got %d", c.Workers.PollIntervalMS)
	}
	if c.Workers.HeartbeatMS <= 0 {
		return errors.Newf("workers.heartbeat_ms must be > 0, got %d", c.Workers.HeartbeatMS)
	}

	// The stale threshold must tolerate several missed heartbeats, or
	// normal jitter gets workers killed mid-job.
	if c.Supervisor.HeartbeatStaleMS < 6*c.Workers.HeartbeatMS {
		return errors.Newf("supervisor.heartbeat_stale_ms must be >= 6x workers.heartbeat_ms (%d), got %d",
			6*c.Workers.HeartbeatMS, c.Supervisor.HeartbeatStaleMS)
	}
	if c.Supervisor.MonitorIntervalMS <= 0 {
		return errors.Newf("supervisor.monitor_interval_ms must be > 0, got %d", c.Supervisor.MonitorIntervalMS)
	}
	if len(c.Supervisor.BackoffScheduleMS) == 0 {
		return errors.New("supervisor.backoff_schedule_ms cannot be empty")
	}
	for i, d := range c.Supervisor.BackoffScheduleMS {
		if d <= 0 {
			return errors.Newf("supervisor.backoff_schedule_ms[%d] must be > 0, got %d", i, d)
		}
	}
	if c.Supervisor.RapidWindowMS <= 0 {
		return errors.Newf("supervisor.rapid_window_ms must be > 0, got %d", c.Supervisor.RapidWindowMS)
	}
	if c.Supervisor.RapidThreshold <= 0 {
		return errors.Newf("supervisor.rapid_threshold must be > 0, got %d", c.Supervisor.RapidThreshold)
	}
	if c.Supervisor.ShutdownGraceMS <= 0 {
		return errors.Newf("supervisor.shutdown_grace_ms must be > 0, got %d", c.Supervisor.ShutdownGraceMS)
	}

	if c.Broker.TickMS <= 0 {
		return errors.Newf("broker.tick_ms must be > 0, got %d", c.Broker.TickMS)
	}
	if c.Queue.RetentionAgeMS <= 0 {
		return errors.Newf("queue.retention_age_ms must be > 0, got %d", c.Queue.RetentionAgeMS)
	}
	if c.Calibration.MinSamples <= 0 {
		return errors.Newf("calibration.min_samples must be > 0, got %d", c.Calibration.MinSamples)
	}

	return nil
}
