package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nomarr/nomarr/config"
	"github.com/nomarr/nomarr/engine/calibration"
	"github.com/nomarr/nomarr/engine/control"
	"github.com/nomarr/nomarr/engine/ipc"
	"github.com/nomarr/nomarr/engine/queue"
	"github.com/nomarr/nomarr/errors"
	"github.com/nomarr/nomarr/logger"
	"github.com/nomarr/nomarr/storage"
)

// QueueCmd groups job-queue operations.
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Enqueue paths and manage jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <path>...",
	Short: "Enqueue one job per path",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		ctl, cleanup, err := openControl()
		if err != nil {
			return err
		}
		defer cleanup()

		ids, err := ctl.Enqueue(args, force)
		for _, id := range ids {
			fmt.Printf("enqueued job %d\n", id)
		}
		return err
	},
}

var queueLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		var status *queue.JobStatus
		if statusFlag != "" {
			if !queue.IsValidStatus(statusFlag) {
				return errors.Newf("invalid status %q (pending|running|done|error)", statusFlag)
			}
			s := queue.JobStatus(statusFlag)
			status = &s
		}

		q, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		jobs, total, err := q.List(status, limit, offset)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			line := fmt.Sprintf("%6d  %-8s  %s", job.ID, job.Status, job.Path)
			if job.ErrorMessage != "" {
				line += "  # " + job.ErrorMessage
			}
			fmt.Println(line)
		}
		fmt.Printf("%d of %d jobs\n", len(jobs), total)
		return nil
	},
}

var queueResetErrorsCmd = &cobra.Command{
	Use:   "reset-errors",
	Short: "Return every errored job to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, cleanup, err := openControl()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := ctl.ResetErrors()
		if err != nil {
			return err
		}
		fmt.Printf("reset %d jobs\n", n)
		return nil
	},
}

var queueRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return errors.Newf("invalid job id %q", args[0])
		}

		q, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		removed, err := q.Delete(id)
		if err != nil {
			return err
		}
		if !removed {
			return errors.Newf("no job %d", id)
		}
		fmt.Printf("deleted job %d\n", id)
		return nil
	},
}

// openQueue opens the configured database and returns a queue plus its
// cleanup func.
func openQueue() (*queue.Queue, func(), error) {
	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}
	store := storage.New(database, logger.Logger)
	return queue.New(store, logger.Logger), func() { database.Close() }, nil
}

// openControl builds a read-mostly control plane with no supervisor or
// broker attached.
func openControl() (*control.Control, func(), error) {
	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}
	store := storage.New(database, logger.Logger)

	minSamples := 50
	if cfg, err := config.Load(); err == nil {
		minSamples = cfg.Calibration.MinSamples
	}
	gate, err := calibration.NewGate(ipc.NewKVStore(store), minSamples, logger.Logger)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	ctl := control.New(store, nil, nil, gate, logger.Logger)
	return ctl, func() { database.Close() }, nil
}

func init() {
	queueAddCmd.Flags().Bool("force", false, "Reprocess even if previously tagged")
	queueLsCmd.Flags().String("status", "", "Filter by status (pending|running|done|error)")
	queueLsCmd.Flags().Int("limit", 50, "Max jobs to list")
	queueLsCmd.Flags().Int("offset", 0, "Pagination offset")

	QueueCmd.AddCommand(queueAddCmd)
	QueueCmd.AddCommand(queueLsCmd)
	QueueCmd.AddCommand(queueResetErrorsCmd)
	QueueCmd.AddCommand(queueRmCmd)
}
