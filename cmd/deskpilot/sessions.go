package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deskpilot/deskpilot/internal/state"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted sessions",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := state.OpenDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening state: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error migrating state: %v\n", err)
			os.Exit(1)
		}

		sessions, err := db.ListSessions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
			os.Exit(1)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions.")
			return
		}

		header := color.New(color.Bold)
		header.Printf("%-38s %-22s %-19s %s\n", "SESSION", "PHASE", "UPDATED", "REQUEST")
		for _, s := range sessions {
			request := s.UserRequest
			if len(request) > 48 {
				request = request[:45] + "..."
			}
			fmt.Printf("%-38s %-22s %-19s %s\n",
				s.ID, s.Phase, s.UpdatedAt.Format("2006-01-02 15:04:05"), request)
		}
	},
}
