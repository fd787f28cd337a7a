package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nomarr/nomarr/cmd/nomarr/commands"
	"github.com/nomarr/nomarr/config"
	"github.com/nomarr/nomarr/logger"
)

var rootCmd = &cobra.Command{
	Use:   "nomarr",
	Short: "Nomarr - music library tagger orchestration",
	Long: `Nomarr tags a music library with ML inference running in supervised
worker processes coordinated through a shared SQLite database.

Available commands:
  serve   - Run the supervisor: spawn workers, monitor health, broker events
  queue   - Enqueue paths and manage jobs
  status  - Show queue counts and worker health
  worker  - (internal) worker child process entrypoint
  version - Print build information

Examples:
  nomarr serve                     # Start the orchestrator
  nomarr queue add /music/album    # Enqueue one path
  nomarr status                    # One-shot status against a live instance`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		jsonOut := false
		if err == nil {
			jsonOut = cfg.Log.JSON
		}
		if err := logger.Initialize(jsonOut); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.PauseCmd)
	rootCmd.AddCommand(commands.ResumeCmd)
	rootCmd.AddCommand(commands.ResetRestartsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
