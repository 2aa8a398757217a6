package main

import (
	"bytes"
	"context"
	"errors"
	"os/exec"

	"github.com/deskpilot/deskpilot/internal/automation"
)

// execRunner runs shell agent commands on the local machine. This is the
// startup-time injection point for the automation boundary; richer drivers
// (containerized desktops, VNC targets) replace it here.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, command string) (automation.CommandResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := automation.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, err
	}
	return result, nil
}
