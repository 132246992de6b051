package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/worldsim/internal/scenario"
)

// ScenariosOptions holds flags for the scenarios command.
type ScenariosOptions struct {
	*RootOptions
	overrides
	Out string
}

// ScenarioList is the JSON payload of the scenarios command.
type ScenarioList struct {
	Suite     string              `json:"suite"`
	Seed      uint64              `json:"seed"`
	Scenarios []scenario.Scenario `json:"scenarios"`
	Saved     string              `json:"saved,omitempty"`
}

// NewScenariosCommand creates the scenarios command.
func NewScenariosCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenariosOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenarios <suite.yaml>",
		Short: "Generate a suite's scenarios without running them",
		Long: `Generate the scenario set a test run would use and print it.

With --out the set is saved with its digest so later runs can reuse it
through the suite's scenario_file.

Examples:
  worldsim scenarios ./suites/flights.yaml --seed 7
  worldsim scenarios ./suites/flights.yaml --scenarios 10 --out flights.scenarios.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	opts.overrides.register(cmd)
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "save the scenario set to this file")

	return cmd
}

func runScenarios(opts *ScenariosOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	logger, err := opts.logger(cmd)
	if err != nil {
		return f.Fail("invalid log settings", err, nil)
	}

	plan, err := loadPlan(opts.RootOptions, &opts.overrides, cmd, path, logger)
	if err != nil {
		return failLoad(f, err)
	}
	scenarios, err := plan.Scenarios(cmd.Context())
	if err != nil {
		return f.Fail("scenario generation failed", err, nil)
	}

	list := ScenarioList{Suite: plan.Suite.Name, Seed: plan.Config.Seed, Scenarios: scenarios}
	if opts.Out != "" {
		if err := saveScenarios(opts.Out, plan.Suite.Task, scenarios); err != nil {
			_ = f.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to save scenarios", err)
		}
		list.Saved = opts.Out
	}

	if f.Format == "json" {
		return f.Success(list)
	}
	for _, sc := range scenarios {
		fmt.Fprintf(f.Writer, "%s  %s\n", sc.ID, sc.Text)
		if sc.Persona != nil {
			fmt.Fprintf(f.Writer, "    persona: %s\n", sc.Persona.Name)
		}
	}
	if list.Saved != "" {
		fmt.Fprintf(f.Writer, "\nSaved %d scenario(s) to %s\n", len(scenarios), list.Saved)
	}
	return nil
}
