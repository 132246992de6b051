// Package scenario produces bounded sets of task variants for trial runs.
//
// A Generator turns a task description into count distinct scenarios. The
// Variations generator expands a template over seeded combinations of
// variation axes; Static replays a fixed list; Cached reuses a set saved by
// an earlier invocation so reruns skip generation.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrInvalidCount is returned when count is not positive.
	ErrInvalidCount = errors.New("scenario count must be positive")

	// ErrInsufficientVariety is returned when fewer than count distinct
	// scenarios can be produced.
	ErrInsufficientVariety = errors.New("not enough distinct scenarios")
)

// maxCombinations bounds the variation space enumerated by Variations.
const maxCombinations = 1 << 20

// Persona describes the simulated user attached to a scenario.
type Persona struct {
	Name string `yaml:"name" json:"name"`
	Goal string `yaml:"goal,omitempty" json:"goal,omitempty"`

	// Replies are sent in order after each agent turn.
	Replies []string `yaml:"replies,omitempty" json:"replies,omitempty"`

	// DoneWhen ends the conversation once an agent turn contains it.
	DoneWhen string `yaml:"done_when,omitempty" json:"done_when,omitempty"`
}

// Scenario is one task variant.
type Scenario struct {
	ID      string            `yaml:"id" json:"id"`
	Text    string            `yaml:"text" json:"text"`
	Vars    map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Persona *Persona          `yaml:"persona,omitempty" json:"persona,omitempty"`
}

// Generator produces count scenarios for task.
type Generator interface {
	Generate(ctx context.Context, task string, count int) ([]Scenario, error)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Placeholders returns the distinct variable names referenced by template,
// in order of first appearance.
func Placeholders(template string) []string {
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Render substitutes {{name}} placeholders from vars. Unknown names are an error.
func Render(template string, vars map[string]string) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template references undefined variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Variations expands a task template over combinations of axis values.
// The same Seed always yields the same scenarios in the same order.
type Variations struct {
	Axes     map[string][]string
	Personas []Persona
	Seed     uint64
}

// Generate implements Generator.
func (v Variations) Generate(ctx context.Context, task string, count int) ([]Scenario, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}

	axes := slices.Sorted(maps.Keys(v.Axes))
	total := 1
	for _, axis := range axes {
		n := len(v.Axes[axis])
		if n == 0 {
			return nil, fmt.Errorf("variation axis %q has no values", axis)
		}
		if total > maxCombinations/n {
			return nil, fmt.Errorf("variation space exceeds %d combinations", maxCombinations)
		}
		total *= n
	}

	rng := rand.New(rand.NewPCG(v.Seed, v.Seed^0x9e3779b97f4a7c15))
	order := rng.Perm(total)

	scenarios := make([]Scenario, 0, count)
	seen := make(map[string]bool, count)
	for _, idx := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vars := combination(axes, v.Axes, idx)
		text, err := Render(task, vars)
		if err != nil {
			return nil, err
		}
		if seen[text] {
			continue
		}
		seen[text] = true

		sc := Scenario{
			ID:   fmt.Sprintf("scenario-%03d", len(scenarios)+1),
			Text: text,
			Vars: vars,
		}
		if len(v.Personas) > 0 {
			p := v.Personas[len(scenarios)%len(v.Personas)]
			sc.Persona = &p
		}
		scenarios = append(scenarios, sc)
		if len(scenarios) == count {
			return scenarios, nil
		}
	}
	return nil, fmt.Errorf("%w: requested %d, template yields %d", ErrInsufficientVariety, count, len(scenarios))
}

// combination decodes idx as a mixed-radix number over the sorted axes.
func combination(axes []string, values map[string][]string, idx int) map[string]string {
	vars := make(map[string]string, len(axes))
	for i := len(axes) - 1; i >= 0; i-- {
		options := values[axes[i]]
		vars[axes[i]] = options[idx%len(options)]
		idx /= len(options)
	}
	return vars
}

// Static returns a fixed scenario list, truncated to count.
type Static []Scenario

// Generate implements Generator.
func (s Static) Generate(_ context.Context, _ string, count int) ([]Scenario, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	if len(s) < count {
		return nil, fmt.Errorf("%w: requested %d, have %d", ErrInsufficientVariety, count, len(s))
	}
	return slices.Clone(s[:count]), nil
}
