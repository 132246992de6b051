package suite

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/sim"
	"github.com/roach88/worldsim/internal/trace"
)

// ScriptedAgent replays an AgentScript. On each agent turn it issues the
// steps scheduled for that turn through the run's tool set, then replies.
//
// String arguments and replies may use {{name}} placeholders over the
// scenario variables plus run_id, trial and scenario.
type ScriptedAgent struct {
	Script AgentScript
}

// NewScriptedAgent returns an agent for script.
func NewScriptedAgent(script AgentScript) *ScriptedAgent {
	return &ScriptedAgent{Script: script}
}

// Run implements sim.Agent.
func (a *ScriptedAgent) Run(ctx context.Context, rc *sim.RunContext) (string, error) {
	turn := agentTurns(rc.History) + 1
	vars := templateVars(rc)

	for i, step := range a.Script.Steps {
		if stepTurn(step) != turn {
			continue
		}
		args, err := renderValue(step.Args, vars)
		if err != nil {
			return "", fmt.Errorf("step %d (%s): %w", i, step.Tool, err)
		}
		_, err = rc.Tools.Call(ctx, step.Tool, args.(map[string]any))
		switch {
		case err == nil && step.ExpectError:
			return "", fmt.Errorf("step %d (%s): expected an error, call succeeded", i, step.Tool)
		case err != nil && ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil && step.StopOnError:
			return a.reply(turn, vars)
		case err != nil && !step.ExpectError:
			return "", fmt.Errorf("step %d: %w", i, err)
		}
	}
	return a.reply(turn, vars)
}

func (a *ScriptedAgent) reply(turn int, vars map[string]string) (string, error) {
	text := a.Script.Final
	if turn <= len(a.Script.Replies) {
		text = a.Script.Replies[turn-1]
	}
	return scenario.Render(text, vars)
}

func stepTurn(s Step) int {
	if s.Turn == 0 {
		return 1
	}
	return s.Turn
}

func agentTurns(history []trace.Turn) int {
	n := 0
	for _, t := range history {
		if t.Role == trace.RoleAgent {
			n++
		}
	}
	return n
}

func templateVars(rc *sim.RunContext) map[string]string {
	vars := maps.Clone(rc.Scenario.Vars)
	if vars == nil {
		vars = make(map[string]string, 3)
	}
	vars["run_id"] = rc.RunID
	vars["trial"] = strconv.Itoa(rc.Trial)
	vars["scenario"] = rc.Scenario.ID
	return vars
}

// renderValue copies v, rendering placeholders in every string.
func renderValue(v any, vars map[string]string) (any, error) {
	switch val := v.(type) {
	case string:
		return scenario.Render(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := renderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := renderValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}
