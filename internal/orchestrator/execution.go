package orchestrator

import (
	"context"
	"fmt"

	"github.com/deskpilot/deskpilot/internal/delegate"
	"github.com/deskpilot/deskpilot/internal/graph"
	"github.com/deskpilot/deskpilot/internal/llm"
	"github.com/deskpilot/deskpilot/internal/scheduler"
	"github.com/deskpilot/deskpilot/internal/session"
	"github.com/deskpilot/deskpilot/pkg/models"
)

// WithCompleter sets the language model used for plan-kind nodes during
// graph execution.
func WithCompleter(completer llm.Completer) Option {
	return func(o *Orchestrator) { o.completer = completer }
}

// generateTextPlan runs the planner and presents the result for review.
// On failure the session stays in its prior stable phase and an error
// event is published.
func (o *Orchestrator) generateTextPlan(ctx context.Context, m *session.Machine, feedback string) error {
	snap := m.Snapshot()
	sessionID := snap.ID

	o.channel.Publish(models.Event{
		Type:      models.EventLLMCallStart,
		SessionID: sessionID,
		Message:   "Generating plan",
	})

	plan, err := o.generator.GenerateTextPlan(ctx, snap.UserRequest, snap.TextPlan, feedback)
	if err != nil {
		o.revertGeneration(m, fmt.Errorf("plan generation failed: %w", err))
		return err
	}

	o.channel.Publish(models.Event{
		Type:      models.EventLLMCallEnd,
		SessionID: sessionID,
		Content:   plan,
	})

	if err := m.PlanGenerated(plan); err != nil {
		o.publishError(sessionID, err)
		return err
	}

	o.channel.Publish(models.Event{
		Type:      models.EventTextPlanReview,
		SessionID: sessionID,
		Plan:      plan,
		Phase:     m.Phase(),
		Message:   "Here is the plan. Approve it, or reject it with feedback.",
	})
	return nil
}

// generateCode turns the approved plan into code and presents it.
func (o *Orchestrator) generateCode(ctx context.Context, m *session.Machine, feedback string) error {
	snap := m.Snapshot()
	sessionID := snap.ID

	o.channel.Publish(models.Event{
		Type:      models.EventLLMCallStart,
		SessionID: sessionID,
		Message:   "Generating code",
	})

	code, err := o.generator.GenerateCode(ctx, snap.UserRequest, snap.TextPlan, snap.Code, feedback)
	if err != nil {
		o.revertGeneration(m, fmt.Errorf("code generation failed: %w", err))
		return err
	}

	o.channel.Publish(models.Event{
		Type:      models.EventLLMCallEnd,
		SessionID: sessionID,
		Content:   code,
	})

	if err := m.CodeGenerated(code); err != nil {
		o.publishError(sessionID, err)
		return err
	}

	o.channel.Publish(models.Event{
		Type:      models.EventCodeReview,
		SessionID: sessionID,
		Code:      code,
		Phase:     m.Phase(),
		Message:   "Here is the code. Approve to continue.",
	})
	return nil
}

// revertGeneration settles a failed generation: the machine returns to its
// prior stable phase, the reverted phase is persisted, and the failure is
// reported with the phase the session is now in.
func (o *Orchestrator) revertGeneration(m *session.Machine, cause error) {
	sessionID := m.ID()
	phase := m.GenerationFailed()
	if err := o.sessions.Persist(m); err != nil {
		o.debugLog("persist reverted session %s: %v", sessionID, err)
	}
	o.channel.Publish(models.Event{
		Type:      models.EventError,
		SessionID: sessionID,
		Error:     cause.Error(),
		Phase:     phase,
	})
}

// execute decomposes the approved request into a task graph and runs it
// through the scheduler, delegating tool calls to the registered agents.
func (o *Orchestrator) execute(ctx context.Context, m *session.Machine) error {
	snap := m.Snapshot()
	sessionID := snap.ID

	nodes, err := o.generator.Plan(ctx, snap.UserRequest)
	if err != nil {
		o.failExecution(m, fmt.Errorf("task planning failed: %w", err))
		return err
	}

	g := graph.New()
	g.SetDebugLog(o.debugLog)
	if err := g.Build(nodes); err != nil {
		o.failExecution(m, fmt.Errorf("invalid task graph: %w", err))
		return err
	}

	delegator := delegate.NewDelegator(sessionID, m, o.completer,
		delegate.WithEmitter(func(ev models.Event) { o.channel.Publish(ev) }))
	for agent, impl := range o.agents {
		delegator.Register(agent, impl)
	}

	sched := scheduler.New(o.policy, delegator, o.generator)
	sched.SetDebugLog(o.debugLog)
	sched.SetEmitter(func(ev models.Event) {
		ev.SessionID = sessionID
		o.channel.Publish(ev)
	})

	outcome, runErr := sched.Run(ctx, g)

	if o.graphs != nil {
		if err := o.graphs.SaveGraph(sessionID, g.Snapshot()); err != nil {
			o.debugLog("save graph for %s: %v", sessionID, err)
		}
	}

	if runErr != nil {
		o.failExecution(m, fmt.Errorf("execution failed: %w", runErr))
		return runErr
	}

	if err := m.ExecutionFinished(); err != nil {
		o.publishError(sessionID, err)
		return err
	}

	o.channel.Publish(models.Event{
		Type:          models.EventCompletion,
		SessionID:     sessionID,
		Success:       outcome.Success,
		ExecutionTime: outcome.Duration.Seconds(),
		TaskMessages:  outcome.Messages,
		TaskNodes:     g.Snapshot(),
		Phase:         m.Phase(),
	})
	return nil
}

// failExecution finishes an executing session after an unrecoverable
// execution error and reports it. The session still reaches completed so
// the user can submit a new request.
func (o *Orchestrator) failExecution(m *session.Machine, cause error) {
	sessionID := m.ID()
	o.publishError(sessionID, cause)
	if err := m.ExecutionFinished(); err != nil {
		o.debugLog("finish failed execution for %s: %v", sessionID, err)
		return
	}
	o.channel.Publish(models.Event{
		Type:      models.EventCompletion,
		SessionID: sessionID,
		Success:   false,
		Error:     cause.Error(),
		Phase:     m.Phase(),
	})
}
