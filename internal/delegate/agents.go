package delegate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/deskpilot/deskpilot/internal/automation"
	"github.com/deskpilot/deskpilot/internal/llm"
)

// decodeDirective parses a model response into v. Code fences are stripped
// and malformed JSON is repaired before giving up; models frequently emit
// trailing commas or unquoted keys.
func decodeDirective(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	s = strings.TrimSpace(s)

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return fmt.Errorf("unparseable directive: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("directive still invalid after repair: %w", err)
	}
	return nil
}

// shellDirective is the shell agent's expected model output.
type shellDirective struct {
	Commands []string `json:"commands"`
	Summary  string   `json:"summary"`
	Replan   bool     `json:"replan,omitempty"`
}

// ShellAgent executes shell commands planned by the model.
type ShellAgent struct {
	completer llm.Completer
	runner    automation.CommandRunner
}

// NewShellAgent creates a ShellAgent.
func NewShellAgent(completer llm.Completer, runner automation.CommandRunner) *ShellAgent {
	return &ShellAgent{completer: completer, runner: runner}
}

const shellSystemPrompt = `You are a shell automation agent on a Linux desktop.
Respond with JSON only: {"commands": ["..."], "summary": "what you did", "replan": false}.
Set "replan" true if the task cannot be accomplished with shell commands.`

// Process asks the model for a command list, runs it, and reports output.
func (a *ShellAgent) Process(ctx context.Context, message string) (Response, error) {
	out, err := a.completer.Complete(ctx, llm.Request{
		System: shellSystemPrompt,
		Prompt: message,
	})
	if err != nil {
		return Response{}, fmt.Errorf("shell planning: %w", err)
	}

	var directive shellDirective
	if err := decodeDirective(out, &directive); err != nil {
		return Response{}, err
	}
	if directive.Replan {
		return Response{Replan: true, Exited: true, Summary: directive.Summary}, nil
	}

	resp := Response{Summary: directive.Summary}
	for _, command := range directive.Commands {
		result, err := a.runner.Run(ctx, command)
		if err != nil {
			return Response{}, fmt.Errorf("run %q: %w", command, err)
		}
		if result.Stdout != "" {
			resp.Stdout = append(resp.Stdout, result.Stdout)
		}
		if result.Stderr != "" {
			resp.Stderr = append(resp.Stderr, result.Stderr)
		}
		if result.ExitCode != 0 {
			return Response{}, fmt.Errorf("command %q exited %d: %s", command, result.ExitCode, result.Stderr)
		}
	}

	resp.Content = strings.Join(resp.Stdout, "\n")
	resp.Exited = true
	return resp, nil
}

// guiDirective is the GUI agent's expected model output for one step.
type guiDirective struct {
	Action  *automation.Action `json:"action"`
	Done    bool               `json:"done"`
	Summary string             `json:"summary"`
	Replan  bool               `json:"replan,omitempty"`
}

// GUIAgent drives the desktop through pointer and keyboard actions, one
// model round-trip per step against the current screen state.
type GUIAgent struct {
	completer llm.Completer
	screen    automation.ScreenCapturer
	input     automation.InputDriver
	maxSteps  int
}

// NewGUIAgent creates a GUIAgent. maxSteps bounds the observe-act loop;
// zero or negative uses the default of 8.
func NewGUIAgent(completer llm.Completer, screen automation.ScreenCapturer, input automation.InputDriver, maxSteps int) *GUIAgent {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	return &GUIAgent{completer: completer, screen: screen, input: input, maxSteps: maxSteps}
}

const guiSystemPrompt = `You are a GUI automation agent controlling a desktop.
Each turn you see the screen dimensions and the task. Respond with JSON only:
{"action": {"type": "click|double_click|type|key|scroll|move", "x": 0, "y": 0, "text": "", "keys": "", "amount": 0}, "done": false, "summary": ""}.
Set "done" true with a summary when the task is complete. Set "replan" true if the task is impossible.`

// Process runs the observe-act loop until the model reports done.
func (a *GUIAgent) Process(ctx context.Context, message string) (Response, error) {
	for step := 1; step <= a.maxSteps; step++ {
		shot, err := a.screen.Capture(ctx)
		if err != nil {
			return Response{}, fmt.Errorf("capture screen: %w", err)
		}

		prompt := fmt.Sprintf("Screen: %dx%d\nStep %d of %d\nTask: %s", shot.Width, shot.Height, step, a.maxSteps, message)
		out, err := a.completer.Complete(ctx, llm.Request{
			System: guiSystemPrompt,
			Prompt: prompt,
		})
		if err != nil {
			return Response{}, fmt.Errorf("gui step %d: %w", step, err)
		}

		var directive guiDirective
		if err := decodeDirective(out, &directive); err != nil {
			return Response{}, err
		}
		if directive.Replan {
			return Response{Replan: true, Exited: true, Summary: directive.Summary}, nil
		}
		if directive.Action != nil {
			if err := a.input.Perform(ctx, *directive.Action); err != nil {
				return Response{}, fmt.Errorf("perform %s: %w", directive.Action.Type, err)
			}
		}
		if directive.Done {
			return Response{
				Content: directive.Summary,
				Summary: directive.Summary,
				Exited:  true,
			}, nil
		}
	}
	return Response{}, fmt.Errorf("gui agent exceeded %d steps without completing", a.maxSteps)
}

// ResearchAgent answers lookup tasks with a single model completion.
type ResearchAgent struct {
	completer llm.Completer
	system    string
}

// NewResearchAgent creates a ResearchAgent.
func NewResearchAgent(completer llm.Completer) *ResearchAgent {
	return &ResearchAgent{
		completer: completer,
		system:    "You are a research agent. Answer the question concisely with the facts found.",
	}
}

// NewBrowserAgent creates the browser variant of the research agent. It
// shares the completion flow but is prompted to describe navigation steps.
func NewBrowserAgent(completer llm.Completer) *ResearchAgent {
	return &ResearchAgent{
		completer: completer,
		system:    "You are a browser agent. Describe the navigation performed and report what the page showed.",
	}
}

// Process runs one completion and reports the findings.
func (a *ResearchAgent) Process(ctx context.Context, message string) (Response, error) {
	out, err := a.completer.Complete(ctx, llm.Request{
		System: a.system,
		Prompt: message,
	})
	if err != nil {
		return Response{}, fmt.Errorf("research: %w", err)
	}

	content := strings.TrimSpace(out)
	if content == "" {
		return Response{}, fmt.Errorf("empty research result")
	}
	return Response{Content: content, Summary: content, Exited: true}, nil
}
