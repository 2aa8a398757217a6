package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "deskpilot",
	Short: "Desktop task orchestration agent",
	Long: `Deskpilot turns natural-language requests into reviewed, executable
desktop task plans. A request flows through plan generation, human
approval, code generation, approval again, and optional execution by
specialized sub-agents.

Run "deskpilot serve" to start the HTTP/websocket server, or
"deskpilot run" for a one-shot task from the terminal.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}
