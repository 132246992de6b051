package suite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/roach88/worldsim/internal/config"
	"github.com/roach88/worldsim/internal/contract"
	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/sim"
	"github.com/roach88/worldsim/internal/tool"
	"github.com/roach88/worldsim/internal/world"
)

// Plan is a suite compiled into what the scheduler runs.
type Plan struct {
	Suite      *Suite
	Definition sim.Definition
	Generator  scenario.Generator
	Agent      sim.Agent

	// Config is the suite's effective configuration. A zero seed has been
	// replaced with the seed actually used.
	Config config.Config
}

// Build compiles s. The suite's Config must already carry every override.
func Build(s *Suite, logger *slog.Logger) (*Plan, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := s.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}

	specs := make([]tool.Spec, 0, len(s.Tools))
	for _, t := range s.Tools {
		spec, err := t.spec()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	schemas := make(map[string]world.Validator, len(s.Collections))
	for name, def := range s.Collections {
		if def.Schema == "" {
			continue
		}
		c, err := contract.CompileCUE(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("collection %s schema: %w", name, err)
		}
		schemas[name] = c
	}

	def := sim.Definition{
		Name:       s.Name,
		Tools:      specs,
		Invariants: s.Invariants,
		Schemas:    schemas,
		Seed:       s.Seed,
		Success:    Predicate(s.Success),
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var gen scenario.Generator
	if len(s.Scenarios) > 0 {
		gen = scenario.Static(s.Scenarios)
	} else {
		gen = scenario.Variations{Axes: s.Variations, Personas: s.Personas, Seed: cfg.Seed}
	}
	if s.ScenarioFile != "" {
		path := s.ScenarioFile
		if !filepath.IsAbs(path) && s.path != "" {
			path = filepath.Join(filepath.Dir(s.path), path)
		}
		gen = scenario.Cached{Path: path, Source: gen, Logger: logger}
	}

	return &Plan{
		Suite:      s,
		Definition: def,
		Generator:  gen,
		Agent:      NewScriptedAgent(s.Agent),
		Config:     cfg,
	}, nil
}

// Scenarios generates the plan's scenario set.
func (p *Plan) Scenarios(ctx context.Context) ([]scenario.Scenario, error) {
	return p.Generator.Generate(ctx, p.Suite.Task, p.Config.ScenarioCount)
}

// Scheduler returns a scheduler for the plan.
func (p *Plan) Scheduler(opts ...sim.Option) (*sim.Scheduler, error) {
	return sim.New(p.Definition, p.Config.Scheduler(), opts...)
}
