package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/worldsim/internal/dashboard"
	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/sim"
	"github.com/roach88/worldsim/internal/store"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	overrides

	DBPath        string // publish the report to this SQLite database
	ReportFile    string // write the report as JSON to this file
	SaveScenarios string // save the generated scenario set to this file
	DashboardAddr string // serve the live dashboard on this address
	DashboardWait bool   // keep the dashboard up after the run until interrupted
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <suite.yaml>",
		Short: "Run a simulation test suite",
		Long: `Run a suite: generate scenarios, run the agent trials_per_scenario
times on each against an isolated simulated world, check every run's
success criteria and report the pass rate.

Exit codes:
  0 - Pass rate met the quality threshold
  1 - Pass rate below threshold, or the run was interrupted
  2 - Configuration error (invalid suite, config or flags)

Examples:
  worldsim test ./suites/flights.yaml
  worldsim test ./suites/flights.yaml --trials 10 --threshold 90
  worldsim test ./suites/flights.yaml --db reports.db --dashboard-addr :8080
  worldsim test ./suites/flights.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTest(cmd.Context(), opts, args[0], cmd)
		},
	}

	opts.overrides.register(cmd)
	cmd.Flags().StringVar(&opts.DBPath, "db", "", "SQLite database to publish the report to")
	cmd.Flags().StringVar(&opts.ReportFile, "report-file", "", "write the full JSON report, traces included, to this file")
	cmd.Flags().StringVar(&opts.SaveScenarios, "save-scenarios", "", "save the scenario set to this file for later reuse")
	cmd.Flags().StringVar(&opts.DashboardAddr, "dashboard-addr", "", "serve a live dashboard on this address (e.g. 127.0.0.1:8080)")
	cmd.Flags().BoolVar(&opts.DashboardWait, "dashboard-wait", false, "keep serving the dashboard after the run until interrupted")

	return cmd
}

// TestSummary is the JSON payload of the test command.
type TestSummary struct {
	Report *report.Report `json:"report"`
	Passed bool           `json:"passed"`
}

func runTest(ctx context.Context, opts *TestOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)
	logger, err := opts.logger(cmd)
	if err != nil {
		return f.Fail("invalid log settings", err, nil)
	}

	plan, err := loadPlan(opts.RootOptions, &opts.overrides, cmd, path, logger)
	if err != nil {
		return failLoad(f, err)
	}
	cfg := plan.Config

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	scenarios, err := plan.Scenarios(ctx)
	if err != nil {
		return f.Fail("scenario generation failed", err, nil)
	}
	f.VerboseLog("Generated %d scenario(s) for %s", len(scenarios), plan.Suite.Name)
	if opts.SaveScenarios != "" {
		if err := saveScenarios(opts.SaveScenarios, plan.Suite.Task, scenarios); err != nil {
			_ = f.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to save scenarios", err)
		}
	}

	sinks := report.MultiSink{}
	schedOpts := []sim.Option{sim.WithLogger(logger)}

	var dashURL string
	if opts.DashboardAddr != "" {
		dashCtx, cancelDash := context.WithCancel(ctx)
		defer cancelDash()
		dash, url, err := startDashboard(dashCtx, opts.DashboardAddr, logger)
		if err != nil {
			_ = f.Error(ErrCodeDashboard, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to start dashboard", err)
		}
		dashURL = url
		fmt.Fprintf(f.GetErrWriter(), "Dashboard: %s\n", url)
		schedOpts = append(schedOpts, sim.WithObserver(dash))
		sinks = append(sinks, dash)
	}

	if opts.DBPath != "" {
		st, err := store.Open(opts.DBPath)
		if err != nil {
			_ = f.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to open report database", err)
		}
		defer st.Close()
		sinks = append(sinks, st)
	}
	if opts.ReportFile != "" {
		sinks = append(sinks, fileSink(opts.ReportFile))
	}

	sched, err := plan.Scheduler(schedOpts...)
	if err != nil {
		return f.Fail("invalid suite", err, nil)
	}
	if err := sched.CheckSeed(); err != nil {
		_ = f.Error(ErrCodeInvalidSeed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid seed", err)
	}

	res, runErr := sched.Run(ctx, plan.Agent, scenarios, cfg.TrialsPerScenario)
	if res == nil {
		return f.Fail("run failed", runErr, nil)
	}

	r, err := report.FromResult(res,
		report.WithThreshold(cfg.QualityThreshold),
		report.WithDashboardURL(dashURL))
	if err != nil {
		if runErr != nil {
			return f.Fail("run interrupted", runErr, nil)
		}
		return f.Fail("no runs completed", err, nil)
	}

	// The report is published even after an interrupt.
	if err := sinks.Publish(context.WithoutCancel(ctx), r); err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to publish report", err)
	}
	logger.Info("report published", "report", r.ID, "pass_rate", r.PassRate, "threshold", r.Threshold)

	if err := outputReport(f, r, runErr); err != nil {
		return err
	}

	if opts.DashboardAddr != "" && opts.DashboardWait && runErr == nil {
		fmt.Fprintln(f.GetErrWriter(), "Run complete; dashboard still serving. Press Ctrl-C to exit.")
		<-ctx.Done()
	}

	if runErr != nil {
		return WrapExitError(ExitFailure, "run interrupted", runErr)
	}
	if err := r.Check(cfg.QualityThreshold); err != nil {
		return WrapExitError(ExitFailure, "quality threshold not met", err)
	}
	return nil
}

func outputReport(f *OutputFormatter, r *report.Report, runErr error) error {
	checkErr := r.Check(r.Threshold)
	if f.Format != "json" {
		fmt.Fprint(f.Writer, report.Render(r))
		return nil
	}

	summary := TestSummary{Report: r, Passed: checkErr == nil && runErr == nil}
	if summary.Passed {
		return f.Success(summary)
	}
	failure := checkErr
	if runErr != nil {
		failure = runErr
	}
	code, _ := classify(failure)
	return writeJSON(f.Writer, CLIResponse{
		Status: "error",
		Data:   summary,
		Error:  &CLIError{Code: code, Message: failure.Error()},
	})
}

func saveScenarios(path, task string, scenarios []scenario.Scenario) error {
	set, err := scenario.NewSet(task, scenarios)
	if err != nil {
		return err
	}
	return scenario.SaveSet(path, set)
}

// fileSink writes the JSON report to path.
func fileSink(path string) report.Sink {
	return report.SinkFunc(func(ctx context.Context, r *report.Report) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("write report file: %w", err)
		}
		out, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("write report file: %w", err)
		}
		if err := report.JSONSink(out).Publish(ctx, r); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

// startDashboard serves the dashboard until ctx is done and returns once the
// listener is bound.
func startDashboard(ctx context.Context, addr string, logger *slog.Logger) (*dashboard.Server, string, error) {
	hub := dashboard.NewHub(logger)
	go hub.Run(ctx)
	srv := dashboard.NewServer(hub, logger)

	urls := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, addr, func(url string) { urls <- url })
	}()

	select {
	case url := <-urls:
		go func() {
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("dashboard stopped", "error", err)
			}
		}()
		return srv, url, nil
	case err := <-errCh:
		return nil, "", err
	}
}
