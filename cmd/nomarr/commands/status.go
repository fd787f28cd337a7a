package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// StatusCmd prints a one-shot status snapshot against the database.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and worker health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, cleanup, err := openControl()
		if err != nil {
			return err
		}
		defer cleanup()

		snap, err := ctl.Status()
		if err != nil {
			return err
		}

		fmt.Printf("queue: %d pending, %d running, %d done, %d error\n",
			snap.Stats.Pending, snap.Stats.Running, snap.Stats.Done, snap.Stats.Error)
		if snap.Stats.EtaMS > 0 {
			fmt.Printf("eta:   ~%s (avg %s/job)\n",
				time.Duration(snap.Stats.EtaMS)*time.Millisecond,
				time.Duration(snap.Stats.AvgMS)*time.Millisecond)
		}
		if snap.Paused {
			fmt.Println("state: PAUSED")
		}
		if snap.CalibrationState != "" {
			fmt.Printf("calibration: %s\n", snap.CalibrationState)
		}

		if snap.AppAlive {
			fmt.Printf("app:   alive (heartbeat %dms ago)\n", snap.AppHeartbeatAge)
		} else {
			fmt.Println("app:   not running")
		}
		for _, rec := range snap.Workers {
			line := fmt.Sprintf("%-16s %-8s pid=%d restarts=%d",
				rec.Component, rec.Status, rec.PID, rec.RestartCount)
			if rec.CurrentJob != nil {
				line += fmt.Sprintf(" job=%d", *rec.CurrentJob)
			}
			if rec.Metadata != "" {
				line += "  # " + rec.Metadata
			}
			fmt.Println(line)
		}
		return nil
	},
}

// PauseCmd sets the fleet-wide pause flag.
var PauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop workers from claiming new jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, cleanup, err := openControl()
		if err != nil {
			return err
		}
		defer cleanup()

		prev, err := ctl.Pause()
		if err != nil {
			return err
		}
		if prev {
			fmt.Println("already paused")
		} else {
			fmt.Println("paused")
		}
		return nil
	},
}

// ResetRestartsCmd clears a worker's restart history and lockout.
var ResetRestartsCmd = &cobra.Command{
	Use:   "reset-restarts <component>",
	Short: "Clear a worker's restart counter and lockout (e.g. worker:tag:0)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, cleanup, err := openControl()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := ctl.ResetRestartCount(args[0]); err != nil {
			return err
		}
		fmt.Printf("restart history cleared for %s\n", args[0])
		return nil
	},
}

// ResumeCmd clears the fleet-wide pause flag.
var ResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let workers claim jobs again",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, cleanup, err := openControl()
		if err != nil {
			return err
		}
		defer cleanup()

		prev, err := ctl.Resume()
		if err != nil {
			return err
		}
		if prev {
			fmt.Println("resumed")
		} else {
			fmt.Println("was not paused")
		}
		return nil
	},
}
