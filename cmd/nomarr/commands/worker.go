package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nomarr/nomarr/config"
	"github.com/nomarr/nomarr/engine/calibration"
	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/worker"
	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/logger"
	"github.com/nomarr/nomarr/storage"
)

// WorkerCmd is the child-process entrypoint. The supervisor re-execs the
// nomarr binary with this subcommand; operators never run it directly.
var WorkerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Worker child process entrypoint (internal)",
	RunE: func(cmd *cobra.Command, args []string) error {
		queueType, _ := cmd.Flags().GetString("queue")
		workerID, _ := cmd.Flags().GetInt("id")
		dbPath, _ := cmd.Flags().GetString("db")
		restartCount, _ := cmd.Flags().GetInt("restart-count")
		if queueType == "" {
			return errors.New("--queue is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		command, ok := cfg.Workers.Commands[queueType]
		if !ok {
			return errors.Newf("no command configured for queue type %q", queueType)
		}

		registry := worker.NewRegistry()
		registry.Register(queueType, func() (worker.Processor, error) {
			return worker.NewCommandProcessor(command), nil
		})

		database, err := openDatabase(dbPath)
		if err != nil {
			return err
		}
		defer database.Close()
		store := storage.New(database, logger.Logger)

		gate, err := calibration.NewGate(ipc.NewKVStore(store), cfg.Calibration.MinSamples, logger.Logger)
		if err != nil {
			return errors.Wrap(err, "failed to load calibration gate")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, os.Interrupt)
		go func() {
			<-sigCh
			cancel()
		}()

		code := worker.Run(ctx, worker.Options{
			QueueType:         queueType,
			WorkerID:          workerID,
			DBPath:            dbPath,
			RestartCount:      restartCount,
			PollInterval:      time.Duration(cfg.Workers.PollIntervalMS) * time.Millisecond,
			HeartbeatInterval: time.Duration(cfg.Workers.HeartbeatMS) * time.Millisecond,
			Registry:          registry,
			Gate:              gate,
			DB:                store,
			Logger:            logger.Logger,
		})
		logger.Cleanup()
		os.Exit(code)
		return nil
	},
}

func init() {
	WorkerCmd.Flags().String("queue", "", "Queue type this worker serves")
	WorkerCmd.Flags().Int("id", 0, "Worker id within its queue type")
	WorkerCmd.Flags().String("db", "", "Database path")
	WorkerCmd.Flags().Int("restart-count", 0, "Restart generation, set by the supervisor")
}
