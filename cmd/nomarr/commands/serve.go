package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nomarr/nomarr/config"
	"github.com/nomarr/nomarr/engine/broker"
	"github.com/nomarr/nomarr/engine/supervisor"
	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/logger"
	"github.com/nomarr/nomarr/storage"
)

// ServeCmd runs the orchestrator: supervisor, broker, and config watcher.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker supervisor and state broker",
	Long: `Start the Nomarr orchestrator in the foreground.

The orchestrator will:
- Spawn one child process per configured worker slot
- Monitor heartbeats and restart dead workers with backoff
- Broker state change events to subscribers
- Shut down gracefully on SIGINT/SIGTERM`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}

		dbPath, _ := cmd.Flags().GetString("db")
		if dbPath == "" {
			dbPath = cfg.Database.Path
		}
		database, err := openDatabase(dbPath)
		if err != nil {
			return err
		}
		defer database.Close()
		store := storage.New(database, logger.Logger)

		sup := supervisor.New(store, &supervisor.ExecSpawner{DBPath: dbPath}, supervisor.Config{
			WorkerCounts:      cfg.Workers.Counts,
			HeartbeatMS:       cfg.Workers.HeartbeatMS,
			HeartbeatStaleMS:  cfg.Supervisor.HeartbeatStaleMS,
			MonitorIntervalMS: cfg.Supervisor.MonitorIntervalMS,
			BackoffScheduleMS: cfg.Supervisor.BackoffScheduleMS,
			RapidWindowMS:     cfg.Supervisor.RapidWindowMS,
			RapidThreshold:    cfg.Supervisor.RapidThreshold,
			ShutdownGraceMS:   cfg.Supervisor.ShutdownGraceMS,
			RetentionAgeMS:    cfg.Queue.RetentionAgeMS,
		}, logger.Logger)

		brk := broker.New(store, broker.Config{
			TickMS:           cfg.Broker.TickMS,
			HeartbeatStaleMS: cfg.Supervisor.HeartbeatStaleMS,
		}, logger.Logger)

		if err := sup.Start(); err != nil {
			return errors.Wrap(err, "failed to start supervisor")
		}
		brk.Start()

		watchConfig(sup)

		logger.Infow("Nomarr serving", "db", dbPath, "workers", cfg.Workers.Counts)

		// Block until interrupted, then unwind in reverse order.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		logger.Infow("Signal received; shutting down", "signal", sig.String())

		brk.Stop()
		if err := sup.Shutdown(); err != nil {
			return errors.Wrap(err, "shutdown failed")
		}
		return nil
	},
}

// watchConfig hot-applies pause-safe settings on config file edits.
// Worker count changes still need a restart; the watcher logs what it
// cannot apply.
func watchConfig(sup *supervisor.Supervisor) {
	path := config.GetViper().ConfigFileUsed()
	if path == "" {
		return
	}
	watcher, err := config.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher unavailable", "error", err)
		return
	}
	watcher.OnReload(func(newCfg *config.Config) error {
		logger.Infow("Config change observed",
			"workers", newCfg.Workers.Counts,
			"note", "worker count changes apply on next restart")
		return nil
	})
	watcher.Start()
}

func init() {
	ServeCmd.Flags().String("db", "", "Database path (overrides config)")
}
