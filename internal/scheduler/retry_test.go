package scheduler

import (
	"errors"
	"fmt"
	"testing"
)

func TestPermanentMarking(t *testing.T) {
	base := errors.New("bad arguments")

	if IsPermanent(base) {
		t.Error("plain error must not be permanent")
	}
	if !IsPermanent(Permanent(base)) {
		t.Error("wrapped error must be permanent")
	}
	if !IsPermanent(fmt.Errorf("outer: %w", Permanent(base))) {
		t.Error("permanence must survive further wrapping")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
}

func TestPermanentUnwrap(t *testing.T) {
	base := errors.New("root cause")
	wrapped := Permanent(base)
	if !errors.Is(wrapped, base) {
		t.Error("Permanent must preserve the error chain")
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}
	if p.maxAttempts() != 1 {
		t.Errorf("zero MaxAttempts treated as %d, want 1", p.maxAttempts())
	}
	if p.maxWorkers() != 1 {
		t.Errorf("zero MaxWorkers treated as %d, want 1", p.maxWorkers())
	}

	d := DefaultPolicy()
	if d.MaxAttempts < 1 || d.MaxWorkers < 1 {
		t.Error("default policy must be usable as-is")
	}
}
