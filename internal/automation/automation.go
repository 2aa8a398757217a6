// Package automation defines the boundary to desktop automation
// collaborators: screen capture, input injection, and command execution.
// Deskpilot's orchestration core only sees these interfaces; the concrete
// drivers (X11, container-backed VNC, accessibility trees) live outside
// this repository and are injected at startup.
package automation

import "context"

// Screenshot is a captured screen image.
type Screenshot struct {
	// PNG is the encoded image bytes.
	PNG []byte
	// Width and Height are the capture dimensions in pixels.
	Width  int
	Height int
}

// ScreenCapturer captures the current desktop state.
type ScreenCapturer interface {
	Capture(ctx context.Context) (Screenshot, error)
}

// Action is one low-level input action to perform.
type Action struct {
	// Type names the action (click, double_click, type, key, scroll, move).
	Type string
	// X and Y are screen coordinates for pointer actions.
	X int
	Y int
	// Text is the payload for type actions.
	Text string
	// Keys is the combination for key actions (e.g., "ctrl+s").
	Keys string
	// Amount is the scroll delta for scroll actions.
	Amount int
}

// InputDriver injects input actions into the desktop.
type InputDriver interface {
	Perform(ctx context.Context, action Action) error
}

// CommandResult is the outcome of a shell command execution.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes shell commands on behalf of the shell agent.
type CommandRunner interface {
	Run(ctx context.Context, command string) (CommandResult, error)
}
