package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deskpilot/deskpilot/internal/config"
	"github.com/deskpilot/deskpilot/internal/poll"
	"github.com/deskpilot/deskpilot/pkg/models"
)

var runExecute bool
var runAutoApprove bool

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a single task from the terminal",
	Long: `Run one task through the full plan/approve/code/approve workflow
interactively. Plans and code are shown for review; answer y to approve,
n to reject with feedback.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task := strings.Join(args, " ")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		st, err := buildStack(cfg)
		if err != nil {
			return err
		}
		defer st.close()

		ctx := cmd.Context()
		reader := bufio.NewReader(os.Stdin)

		sessionID, err := st.orch.NewSession()
		if err != nil {
			return err
		}

		// Live progress while agents work, pulled from the session log.
		poller, err := poll.New(sessionID,
			poll.SourceFunc(func(ctx context.Context, id string, cursor int64) ([]models.Event, error) {
				return st.orch.Messages(id, cursor), nil
			}),
			func(ev models.Event) {
				switch ev.Type {
				case models.EventDelegation:
					color.Cyan("  -> %s agent: %s", ev.Agent, ev.Message)
				case models.EventAgentMessage:
					fmt.Println(indent(ev.Content))
				case models.EventError:
					color.Red("error: %s", ev.Error)
				}
			},
			poll.WithInterval(cfg.Poll.Interval),
			poll.WithDebugLog(st.logger.Log),
		)
		if err != nil {
			return err
		}
		poller.Start(ctx)
		defer poller.Stop()

		if _, err := st.orch.HandleUserRequest(ctx, sessionID, task); err != nil {
			return err
		}

		// Text plan review loop.
		for {
			snap, err := st.orch.ResumeSession(sessionID)
			if err != nil {
				return err
			}
			color.Green("\nProposed plan:")
			fmt.Println(indent(snap.TextPlan))

			if approveOrFeedback(ctx, st, reader, sessionID, false) {
				break
			}
		}

		// Code review loop.
		for {
			snap, err := st.orch.ResumeSession(sessionID)
			if err != nil {
				return err
			}
			color.Green("\nGenerated code:")
			fmt.Println(indent(snap.Code))

			if approveOrFeedback(ctx, st, reader, sessionID, runExecute) {
				break
			}
		}

		snap, err := st.orch.ResumeSession(sessionID)
		if err != nil {
			return err
		}
		if snap.Phase == models.PhaseCompleted {
			color.Green("\nDone. Session %s", sessionID)
		}
		return nil
	},
}

// approveOrFeedback prompts for a decision on the pending artifact and
// applies it. Returns true once the artifact is approved, false after a
// rejection+feedback round (the artifact was regenerated).
func approveOrFeedback(ctx context.Context, st *stack, reader *bufio.Reader, sessionID string, execute bool) bool {
	if runAutoApprove {
		if err := st.orch.HandleApproval(ctx, sessionID, true, execute); err != nil {
			color.Red("approval failed: %v", err)
		}
		return true
	}

	fmt.Print("\nApprove? [y/n] ")
	answer, err := reader.ReadString('\n')
	if err != nil {
		return true
	}

	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
		if err := st.orch.HandleApproval(ctx, sessionID, true, execute); err != nil {
			color.Red("approval failed: %v", err)
		}
		return true
	}

	if err := st.orch.HandleApproval(ctx, sessionID, false, false); err != nil {
		color.Red("rejection failed: %v", err)
		return true
	}

	fmt.Print("What should change? ")
	feedback, err := reader.ReadString('\n')
	if err != nil {
		return true
	}
	if err := st.orch.HandleFeedback(ctx, sessionID, strings.TrimSpace(feedback)); err != nil {
		color.Red("feedback failed: %v", err)
	}
	return false
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

func init() {
	runCmd.Flags().BoolVar(&runExecute, "execute", false, "Execute the approved code")
	runCmd.Flags().BoolVarP(&runAutoApprove, "yes", "y", false, "Approve plan and code without prompting")
}
