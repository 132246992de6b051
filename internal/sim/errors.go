package sim

import (
	"errors"
	"fmt"
)

var (
	// ErrRunTimeout marks a run that exceeded its per-run deadline.
	ErrRunTimeout = errors.New("run timeout")

	// ErrAgentExecution marks a run whose agent returned an error or panicked.
	ErrAgentExecution = errors.New("agent execution error")

	// ErrSchedulerAborted marks runs interrupted by cancellation of the
	// scheduler's context, and is returned by Run when that happens.
	ErrSchedulerAborted = errors.New("scheduler aborted")

	// ErrNoRuns is returned when scenarios x trials is zero.
	ErrNoRuns = errors.New("no runs to schedule")

	// ErrInvalidDefinition wraps problems with a Definition or Config.
	ErrInvalidDefinition = errors.New("invalid simulation definition")
)

// AgentError wraps a failure raised by the agent under test.
type AgentError struct {
	RunID string
	Err   error
	Panic bool
}

func (e *AgentError) Error() string {
	if e.Panic {
		return fmt.Sprintf("agent panicked in run %s: %v", e.RunID, e.Err)
	}
	return fmt.Sprintf("agent failed in run %s: %v", e.RunID, e.Err)
}

func (e *AgentError) Unwrap() error {
	return e.Err
}

func (e *AgentError) Is(target error) bool {
	return target == ErrAgentExecution
}

// TurnsExceededError reports that a conversation used its whole turn budget.
// It ends the conversation normally; the success predicate still decides
// the verdict.
type TurnsExceededError struct {
	RunID string
	Turns int
	Limit int
}

func (e *TurnsExceededError) Error() string {
	return fmt.Sprintf("run %s exceeded turn budget: %d turns > %d limit", e.RunID, e.Turns, e.Limit)
}

// IsTurnsExceeded reports whether err is or wraps a TurnsExceededError.
func IsTurnsExceeded(err error) bool {
	var te *TurnsExceededError
	return errors.As(err, &te)
}
