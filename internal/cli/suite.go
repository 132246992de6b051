package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/worldsim/internal/config"
	"github.com/roach88/worldsim/internal/suite"
)

// overrides holds per-invocation config flags. Only flags the user set are
// applied, so a suite's config block is not reset to flag defaults.
type overrides struct {
	Scenarios   int
	Trials      int
	Threshold   int
	Concurrency int
	Seed        uint64
}

func (o *overrides) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.Scenarios, "scenarios", 0, "number of scenarios to generate")
	cmd.Flags().IntVar(&o.Trials, "trials", 0, "trials per scenario")
	cmd.Flags().IntVar(&o.Threshold, "threshold", 0, "quality threshold, 0-100")
	cmd.Flags().IntVar(&o.Concurrency, "concurrency", 0, "maximum runs in flight")
	cmd.Flags().Uint64Var(&o.Seed, "seed", 0, "scenario variation seed (0 = time-based)")
}

func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("scenarios") {
		cfg.ScenarioCount = o.Scenarios
	}
	if changed("trials") {
		cfg.TrialsPerScenario = o.Trials
	}
	if changed("threshold") {
		cfg.QualityThreshold = o.Threshold
	}
	if changed("concurrency") {
		cfg.Concurrency = o.Concurrency
	}
	if changed("seed") {
		cfg.Seed = o.Seed
	}
}

// loadPlan loads and compiles a suite. Config layers, lowest first: defaults,
// --config, the suite's config block, WORLDSIM_* variables, flags.
func loadPlan(opts *RootOptions, ov *overrides, cmd *cobra.Command, path string, logger *slog.Logger) (*suite.Plan, error) {
	base, err := opts.baseConfig()
	if err != nil {
		return nil, err
	}
	s, err := suite.LoadWithConfig(path, base)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(&s.Config); err != nil {
		return nil, err
	}
	if ov != nil {
		ov.apply(cmd, &s.Config)
	}

	plan, err := suite.Build(s, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("suite loaded",
		"suite", s.Name,
		"tools", len(s.Tools),
		"scenarios", plan.Config.ScenarioCount,
		"trials", plan.Config.TrialsPerScenario,
		"seed", plan.Config.Seed)
	return plan, nil
}

// failLoad reports a loadPlan error. Errors without a known sentinel are
// suite errors.
func failLoad(f *OutputFormatter, err error) error {
	code, exit := classify(err)
	if code == ErrCodeGeneric {
		code = ErrCodeSuite
	}
	_ = f.Error(code, err.Error(), nil)
	return WrapExitError(exit, "failed to load suite", err)
}
