package sim

import (
	"context"

	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/tool"
	"github.com/roach88/worldsim/internal/trace"
	"github.com/roach88/worldsim/internal/world"
)

// Agent is the system under test. Run receives one agent turn: the latest
// user message is the last entry of rc.History. It returns the agent's reply.
// Tool calls go through rc.Tools; the agent never touches the store directly.
type Agent interface {
	Run(ctx context.Context, rc *RunContext) (string, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, rc *RunContext) (string, error)

// Run implements Agent.
func (f AgentFunc) Run(ctx context.Context, rc *RunContext) (string, error) {
	return f(ctx, rc)
}

// RunContext is what one run exposes to the agent.
type RunContext struct {
	RunID    string
	Scenario scenario.Scenario
	Trial    int
	Tools    *tool.Set

	// History holds the conversation so far, oldest first.
	History []trace.Turn

	// World is a read-only view of the run's store.
	World world.View
}

// LastUserMessage returns the newest user turn, or the scenario text when the
// history is empty.
func (rc *RunContext) LastUserMessage() string {
	for i := len(rc.History) - 1; i >= 0; i-- {
		if rc.History[i].Role == trace.RoleUser {
			return rc.History[i].Content
		}
	}
	return rc.Scenario.Text
}
