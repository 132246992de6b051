package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool   `json:"valid"`
	Suite       string `json:"suite"`
	Tools       int    `json:"tools"`
	Collections int    `json:"collections"`
	Invariants  int    `json:"invariants"`
	Assertions  int    `json:"assertions"`
	Runs        int    `json:"runs"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <suite.yaml>",
		Short: "Validate a suite without running it",
		Long: `Validate a suite file without running the agent.

Parses the suite strictly, compiles contracts and collection schemas,
checks invariants and success criteria, and applies the seed effects to
a scratch world.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	logger, err := opts.logger(cmd)
	if err != nil {
		return f.Fail("invalid log settings", err, nil)
	}

	plan, err := loadPlan(opts, nil, cmd, path, logger)
	if err != nil {
		exitErr := failLoad(f, err).(*ExitError)
		if code, _ := classify(err); code != ErrCodeNotFound {
			// An unusable suite is a validation failure, not a command error.
			exitErr.Code = ExitFailure
		}
		return exitErr
	}

	sched, err := plan.Scheduler()
	if err != nil {
		_ = f.Error(ErrCodeSuite, err.Error(), nil)
		return WrapExitError(ExitFailure, "validation failed", err)
	}
	if err := sched.CheckSeed(); err != nil {
		_ = f.Error(ErrCodeInvalidSeed, err.Error(), nil)
		return WrapExitError(ExitFailure, "validation failed", err)
	}

	s := plan.Suite
	result := ValidationResult{
		Valid:       true,
		Suite:       s.Name,
		Tools:       len(s.Tools),
		Collections: len(s.Collections),
		Invariants:  len(s.Invariants),
		Assertions:  len(s.Success),
		Runs:        plan.Config.TotalRuns(),
	}
	f.VerboseLog("Validated %s", path)
	if f.Format == "json" {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "\u2713 Suite %s valid: %d tool(s), %d invariant(s), %d assertion(s), %d run(s)\n",
		result.Suite, result.Tools, result.Invariants, result.Assertions, result.Runs)
	return nil
}
