package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/trace"
)

// Conversation is what a simulated user sees when asked for its next message.
type Conversation struct {
	Scenario scenario.Scenario
	Turns    []trace.Turn
}

// LastAgentTurn returns the newest agent message, or "".
func (c Conversation) LastAgentTurn() string {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == trace.RoleAgent {
			return c.Turns[i].Content
		}
	}
	return ""
}

// Reply is a simulated user's response to an agent turn. Done ends the
// conversation and Message is ignored.
type Reply struct {
	Message string
	Done    bool
}

// SimulatedUser plays the user's side of a multi-turn run.
type SimulatedUser interface {
	Respond(ctx context.Context, conv Conversation) (Reply, error)
}

// UserFactory builds a fresh simulated user for each run.
type UserFactory func(sc scenario.Scenario) SimulatedUser

// PersonaUser replays a scenario persona: it sends Replies in order and is
// done once an agent turn contains DoneWhen or the replies run out.
type PersonaUser struct {
	persona scenario.Persona

	mu   sync.Mutex
	next int
}

// NewPersonaUser builds a user from p. A nil persona is done after the first
// agent turn.
func NewPersonaUser(p *scenario.Persona) *PersonaUser {
	u := &PersonaUser{}
	if p != nil {
		u.persona = *p
	}
	return u
}

// PersonaUsers is the default UserFactory.
func PersonaUsers(sc scenario.Scenario) SimulatedUser {
	return NewPersonaUser(sc.Persona)
}

// Respond implements SimulatedUser.
func (u *PersonaUser) Respond(ctx context.Context, conv Conversation) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.persona.DoneWhen != "" && strings.Contains(conv.LastAgentTurn(), u.persona.DoneWhen) {
		return Reply{Done: true}, nil
	}
	if u.next >= len(u.persona.Replies) {
		return Reply{Done: true}, nil
	}
	msg := u.persona.Replies[u.next]
	u.next++
	return Reply{Message: msg}, nil
}

// TurnBudget bounds the number of agent turns in one conversation.
type TurnBudget struct {
	runID   string
	limit   int
	current int
}

// NewTurnBudget creates a budget of limit agent turns. limit <= 0 allows one.
func NewTurnBudget(runID string, limit int) *TurnBudget {
	if limit <= 0 {
		limit = 1
	}
	return &TurnBudget{runID: runID, limit: limit}
}

// Check spends one turn and returns *TurnsExceededError once the budget is gone.
func (b *TurnBudget) Check() error {
	b.current++
	if b.current > b.limit {
		return &TurnsExceededError{RunID: b.runID, Turns: b.current, Limit: b.limit}
	}
	return nil
}

// Used returns the number of turns spent, including a rejected one.
func (b *TurnBudget) Used() int {
	return b.current
}

// converse drives the agent and user until the user is done or the budget
// runs out. It reports whether the budget was exhausted.
func converse(ctx context.Context, agent Agent, user SimulatedUser, rc *RunContext, tr *trace.Trace, maxTurns int) (bool, error) {
	budget := NewTurnBudget(rc.RunID, maxTurns)
	msg := rc.Scenario.Text
	for {
		if err := budget.Check(); err != nil {
			return true, nil
		}
		if err := turn(ctx, agent, rc, tr, msg); err != nil {
			return false, err
		}

		reply, err := user.Respond(ctx, Conversation{Scenario: rc.Scenario, Turns: tr.Turns()})
		if err != nil {
			return false, fmt.Errorf("simulated user: %w", err)
		}
		if reply.Done {
			return false, nil
		}
		msg = reply.Message
	}
}

// turn records msg, runs the agent once and records its reply.
func turn(ctx context.Context, agent Agent, rc *RunContext, tr *trace.Trace, msg string) error {
	tr.AddTurn(trace.RoleUser, msg)
	rc.History = tr.Turns()

	resp, err := agent.Run(ctx, rc)
	if err != nil {
		return err
	}
	tr.AddTurn(trace.RoleAgent, resp)
	tr.SetFinal(resp)
	return nil
}
