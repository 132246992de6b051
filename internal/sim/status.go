package sim

import (
	"errors"
	"fmt"
)

// RunStatus is the lifecycle state of one (scenario, trial) run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusErrored   RunStatus = "errored"
)

// ErrInvalidRunStateTransition is returned for a transition the lifecycle forbids.
var ErrInvalidRunStateTransition = errors.New("invalid run state transition")

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusErrored:
		return true
	}
	return false
}

var allowedRunStatusTransitions = map[RunStatus]map[RunStatus]struct{}{
	"": {
		StatusPending: {},
	},
	StatusPending: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusErrored:   {},
	},
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusErrored:   {},
}

func validateRunStatusTransition(from, to RunStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := allowedRunStatusTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidRunStateTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidRunStateTransition, from, to)
	}
	return nil
}

func transitionRunStatus(run *RunResult, to RunStatus) error {
	if err := validateRunStatusTransition(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	return nil
}
