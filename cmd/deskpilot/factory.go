package main

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/deskpilot/deskpilot/internal/config"
	"github.com/deskpilot/deskpilot/internal/delegate"
	"github.com/deskpilot/deskpilot/internal/llm"
	"github.com/deskpilot/deskpilot/internal/logging"
	"github.com/deskpilot/deskpilot/internal/orchestrator"
	"github.com/deskpilot/deskpilot/internal/planner"
	"github.com/deskpilot/deskpilot/internal/scheduler"
	"github.com/deskpilot/deskpilot/internal/session"
	"github.com/deskpilot/deskpilot/internal/state"
	"github.com/deskpilot/deskpilot/internal/status"
	"github.com/deskpilot/deskpilot/pkg/models"
)

// stack bundles everything a command needs to drive sessions.
type stack struct {
	orch   *orchestrator.Orchestrator
	db     *state.DB
	logger *logging.DebugLogger
}

// close releases the stack's resources.
func (s *stack) close() {
	if s.db != nil {
		s.db.Close()
	}
	if s.logger != nil {
		s.logger.Close()
	}
}

// buildStack wires the orchestrator from configuration: persistence, the
// language model client, planner, status channel, and sub-agents. The GUI
// agent is only registered when an input driver is available; on a plain
// install gui tasks fail with a clear error instead of pretending to click.
func buildStack(cfg *config.Config) (*stack, error) {
	logger, err := logging.NewDebugLogger(cfg.Debug.LogFile)
	if err != nil {
		return nil, fmt.Errorf("debug logger: %w", err)
	}

	db, err := state.OpenDefault()
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open state: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		logger.Close()
		return nil, fmt.Errorf("migrate state: %w", err)
	}

	client, err := llm.NewClient(llm.ClientConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		db.Close()
		logger.Close()
		return nil, fmt.Errorf("llm client: %w", err)
	}

	gen := planner.New(client, planner.WithDebugLog(logger.Log))
	sessions := session.NewManager(db)
	channel := status.NewChannel(
		status.WithSink(db),
		status.WithSeqSource(db),
		status.WithDebugLog(logger.Log),
	)

	policy := scheduler.Policy{
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Backoff:     cfg.Scheduler.Backoff,
		MaxWorkers:  cfg.Scheduler.MaxWorkers,
	}

	orch := orchestrator.New(sessions, gen, channel, policy,
		orchestrator.WithGraphStore(db),
		orchestrator.WithEventLog(db),
		orchestrator.WithCompleter(client),
		orchestrator.WithDebugLog(logger.Log),
	)

	runner := &execRunner{}
	orch.RegisterAgent(models.AgentShell, delegate.NewShellAgent(client, runner))
	orch.RegisterAgent(models.AgentResearch, delegate.NewResearchAgent(client))
	orch.RegisterAgent(models.AgentBrowser, delegate.NewBrowserAgent(client))

	return &stack{orch: orch, db: db, logger: logger}, nil
}
