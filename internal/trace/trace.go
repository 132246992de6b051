// Package trace records what happened during one run: every tool call with
// its effects, the conversation turns, and the agent's final response.
package trace

import (
	"slices"
	"sync"
	"time"

	"github.com/roach88/worldsim/internal/canon"
	"github.com/roach88/worldsim/internal/world"
)

// Stage names the wrapper step at which a call failed.
type Stage string

const (
	StageCall      Stage = "call"
	StageContract  Stage = "contract"
	StageDerive    Stage = "derive"
	StageApply     Stage = "apply"
	StageInvariant Stage = "invariant"
)

// CallRecord is one intercepted tool call.
type CallRecord struct {
	Seq      int64          `json:"seq"`
	Tool     string         `json:"tool"`
	Input    map[string]any `json:"input,omitempty"`
	Output   any            `json:"output,omitempty"`
	Effects  []world.Effect `json:"effects,omitempty"`
	Stage    Stage          `json:"stage,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Failed reports whether the call returned an error to the agent.
func (r CallRecord) Failed() bool {
	return r.Error != ""
}

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one message in a simulated-user conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Trace is safe for concurrent use; an agent may issue tool calls from
// several goroutines within one run.
type Trace struct {
	mu    sync.Mutex
	clock *Clock
	calls []CallRecord
	turns []Turn
	final  string
	fault  error
	closed bool
}

// New returns an empty trace.
func New() *Trace {
	return &Trace{clock: NewClock()}
}

// Close freezes the trace. Record, AddTurn, SetFinal and Fault are no-ops
// afterwards; reads keep working.
func (t *Trace) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Closed reports whether Close has been called.
func (t *Trace) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Record stamps rec with the next sequence number and appends it.
func (t *Trace) Record(rec CallRecord) CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return rec
	}
	rec.Seq = t.clock.Next()
	t.calls = append(t.calls, rec)
	return rec
}

// Calls returns the recorded calls in sequence order.
func (t *Trace) Calls() []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// Count returns how many calls were made to tool.
func (t *Trace) Count(tool string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

// AddTurn appends a conversation turn.
func (t *Trace) AddTurn(role Role, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.turns = append(t.turns, Turn{Role: role, Content: content})
}

// Turns returns the conversation so far.
func (t *Trace) Turns() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.turns)
}

// SetFinal stores the agent's final response.
func (t *Trace) SetFinal(response string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.final = response
}

// Final returns the agent's final response.
func (t *Trace) Final() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

// Fault latches the first run-terminating error. Later calls are ignored.
// The scheduler consults Err after the agent returns, so a terminating
// failure is honoured even when the agent swallows the tool error.
func (t *Trace) Fault(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fault == nil && !t.closed {
		t.fault = err
	}
}

// Err returns the latched fault, if any.
func (t *Trace) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fault
}

// Canonical renders the trace for canonical JSON. Durations are omitted so
// the result is deterministic.
func (t *Trace) Canonical() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	calls := make([]any, len(t.calls))
	for i, c := range t.calls {
		entry := map[string]any{
			"seq":  c.Seq,
			"tool": c.Tool,
		}
		if c.Input != nil {
			entry["input"] = c.Input
		}
		if c.Output != nil {
			entry["output"] = c.Output
		}
		if len(c.Effects) > 0 {
			effects := make([]any, len(c.Effects))
			for j, e := range c.Effects {
				eff := map[string]any{
					"op":         string(e.Op),
					"collection": e.Collection,
					"id":         e.ID,
				}
				if len(e.Data) > 0 {
					eff["data"] = e.Data
				}
				effects[j] = eff
			}
			entry["effects"] = effects
		}
		if c.Error != "" {
			entry["stage"] = string(c.Stage)
			entry["error"] = c.Error
		}
		calls[i] = entry
	}

	out := map[string]any{"calls": calls}
	if len(t.turns) > 0 {
		turns := make([]any, len(t.turns))
		for i, turn := range t.turns {
			turns[i] = map[string]any{"role": string(turn.Role), "content": turn.Content}
		}
		out["turns"] = turns
	}
	if t.final != "" {
		out["final"] = t.final
	}
	return out
}

// Digest returns the canonical content digest of the trace.
func (t *Trace) Digest() (string, error) {
	return canon.Digest(canon.DomainTrace, t.Canonical())
}
