// Package suite loads declarative simulation suites from YAML.
//
// A suite file describes everything needed to test an agent without writing
// Go: the task template and its variation axes, the world's collections and
// seed state, the tools with their output contracts and effect templates,
// the invariants, a scripted agent, and the assertions that decide success.
// Build turns a loaded suite into a sim.Definition, a scenario generator and
// a ready-to-run agent.
package suite

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/worldsim/internal/config"
	"github.com/roach88/worldsim/internal/invariant"
	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/world"
)

// Suite is the parsed form of a suite file.
type Suite struct {
	// Name uniquely identifies this suite in reports.
	Name string `yaml:"name"`

	// Description explains what this suite validates.
	Description string `yaml:"description"`

	// Task is the scenario template. {{name}} placeholders are filled from
	// Variations.
	Task string `yaml:"task"`

	// Config overrides the base configuration for this suite.
	Config config.Config `yaml:"config"`

	Variations map[string][]string `yaml:"variations,omitempty"`
	Personas   []scenario.Persona  `yaml:"personas,omitempty"`

	// Scenarios replaces generation with a fixed list.
	Scenarios []scenario.Scenario `yaml:"scenarios,omitempty"`

	// ScenarioFile caches generated scenarios. Relative to the suite file.
	ScenarioFile string `yaml:"scenario_file,omitempty"`

	Collections map[string]CollectionDef `yaml:"collections,omitempty"`
	Seed        []world.Effect           `yaml:"seed,omitempty"`
	Invariants  []invariant.Invariant    `yaml:"invariants,omitempty"`
	Tools       []ToolDef                `yaml:"tools"`
	Agent       AgentScript              `yaml:"agent"`
	Success     []Assertion              `yaml:"success"`

	path string
}

// Path returns the file the suite was loaded from.
func (s *Suite) Path() string {
	return s.path
}

// CollectionDef declares a collection's payload schema in CUE.
type CollectionDef struct {
	Schema string `yaml:"schema"`
}

// ToolDef declares a simulated tool.
type ToolDef struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`

	// Contract is a CUE schema the tool output must satisfy.
	Contract string `yaml:"contract,omitempty"`

	// Required lists top-level output fields, for tools without a CUE contract.
	Required []string `yaml:"required,omitempty"`

	// Response is the output template. Nil echoes the arguments.
	Response any `yaml:"response,omitempty"`

	// Error makes every call fail with this message.
	Error string `yaml:"error,omitempty"`

	Effects    []EffectTemplate      `yaml:"effects,omitempty"`
	Invariants []invariant.Invariant `yaml:"invariants,omitempty"`
}

// EffectTemplate is an effect whose id and data may reference the call's
// arguments and output.
type EffectTemplate struct {
	Op         world.Op       `yaml:"op"`
	Collection string         `yaml:"collection"`
	ID         string         `yaml:"id"`
	Data       map[string]any `yaml:"data,omitempty"`

	// Increment adds deltas to numeric fields of the current entity.
	// Only valid for update.
	Increment map[string]any `yaml:"increment,omitempty"`
}

// AgentScript drives the built-in scripted agent.
type AgentScript struct {
	Steps []Step `yaml:"steps"`

	// Replies holds the agent's reply per turn. Turns past the end use Final.
	Replies []string `yaml:"replies,omitempty"`
	Final   string   `yaml:"final,omitempty"`
}

// Step is one scripted tool call.
type Step struct {
	Tool string         `yaml:"tool"`
	Args map[string]any `yaml:"args"`

	// Turn is the conversation turn the step runs on, starting at 1.
	Turn int `yaml:"turn,omitempty"`

	// ExpectError marks a step that should fail. A failing step without it
	// makes the agent error.
	ExpectError bool `yaml:"expect_error,omitempty"`

	// StopOnError ends the script when the step fails.
	StopOnError bool `yaml:"stop_on_error,omitempty"`
}

// Load reads a suite file over config.Default.
func Load(path string) (*Suite, error) {
	return LoadWithConfig(path, config.Default())
}

// LoadWithConfig reads a suite file. The suite's config block is layered
// over base. Unknown fields are rejected.
func LoadWithConfig(path string, base config.Config) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}

	s := Suite{Config: base}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	s.path = path

	if err := validateSuite(&s); err != nil {
		return nil, fmt.Errorf("invalid suite %s: %w", filepath.Base(path), err)
	}
	return &s, nil
}

// validateSuite checks that required fields are present and consistent.
func validateSuite(s *Suite) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Task == "" && len(s.Scenarios) == 0 {
		return fmt.Errorf("task is required unless scenarios are listed")
	}
	if len(s.Tools) == 0 {
		return fmt.Errorf("tools list is required and must be non-empty")
	}
	if len(s.Success) == 0 {
		return fmt.Errorf("success list is required and must be non-empty")
	}

	for i, sc := range s.Scenarios {
		if sc.ID == "" || sc.Text == "" {
			return fmt.Errorf("scenarios[%d]: id and text are required", i)
		}
	}
	for i, eff := range s.Seed {
		if err := eff.Validate(); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}
	if err := invariant.Validate(s.Invariants); err != nil {
		return err
	}

	tools := make(map[string]bool, len(s.Tools))
	for i, t := range s.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if tools[t.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool %q", i, t.Name)
		}
		tools[t.Name] = true
		if t.Contract != "" && len(t.Required) > 0 {
			return fmt.Errorf("tools[%d]: contract and required are mutually exclusive", i)
		}
		for j, eff := range t.Effects {
			if err := validateEffectTemplate(eff); err != nil {
				return fmt.Errorf("tools[%d].effects[%d]: %w", i, j, err)
			}
		}
		if err := invariant.Validate(t.Invariants); err != nil {
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
	}

	if len(s.Agent.Steps) == 0 && s.Agent.Final == "" && len(s.Agent.Replies) == 0 {
		return fmt.Errorf("agent needs steps, replies or a final response")
	}
	for i, step := range s.Agent.Steps {
		if !tools[step.Tool] {
			return fmt.Errorf("agent.steps[%d]: unknown tool %q", i, step.Tool)
		}
		if step.Args == nil {
			return fmt.Errorf("agent.steps[%d]: args is required (use empty map if no args)", i)
		}
		if step.Turn < 0 {
			return fmt.Errorf("agent.steps[%d]: turn must be positive", i)
		}
	}

	for i, a := range s.Success {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateEffectTemplate(e EffectTemplate) error {
	if !e.Op.Valid() {
		return fmt.Errorf("unknown op %q", e.Op)
	}
	if e.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(e.Increment) > 0 && e.Op != world.OpUpdate {
		return fmt.Errorf("increment is only valid for update")
	}
	if e.Op == world.OpDelete && (len(e.Data) > 0 || len(e.Increment) > 0) {
		return fmt.Errorf("delete takes no data")
	}
	for field, delta := range e.Increment {
		if _, ok := invariant.Numeric(delta); !ok {
			return fmt.Errorf("increment %s: delta must be numeric, got %T", field, delta)
		}
	}
	return nil
}
