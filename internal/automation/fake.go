package automation

import (
	"context"
	"sync"
)

// FakeDriver is a recording implementation of the automation interfaces
// used in tests and dry runs. Every call is recorded; results are canned.
type FakeDriver struct {
	mu sync.Mutex
	// Actions records every input action performed.
	Actions []Action
	// Commands records every shell command run.
	Commands []string
	// CommandOutput is returned from Run. Defaults to an empty success.
	CommandOutput CommandResult
	// Err, when set, is returned from every call.
	Err error
}

// NewFakeDriver creates an empty fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// Capture returns a fixed 1x1 screenshot.
func (f *FakeDriver) Capture(_ context.Context) (Screenshot, error) {
	if f.Err != nil {
		return Screenshot{}, f.Err
	}
	return Screenshot{Width: 1, Height: 1}, nil
}

// Perform records the action.
func (f *FakeDriver) Perform(_ context.Context, action Action) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Actions = append(f.Actions, action)
	return nil
}

// Run records the command and returns the canned output.
func (f *FakeDriver) Run(_ context.Context, command string) (CommandResult, error) {
	if f.Err != nil {
		return CommandResult{}, f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, command)
	return f.CommandOutput, nil
}
