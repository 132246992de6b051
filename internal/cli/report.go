package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/store"
)

// ReportOptions holds flags for the report commands.
type ReportOptions struct {
	*RootOptions
	DBPath string
	Suite  string
	Limit  int
}

// NewReportCommand creates the report command and its subcommands.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect reports stored by test --db",
		Long: `Inspect reports stored in a worldsim SQLite database.

Examples:
  worldsim report list --db reports.db --suite flight-booking
  worldsim report show <report-id> --db reports.db
  worldsim report run <run-id> --db reports.db --format json`,
	}
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to the report database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List stored reports, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportList(opts, cmd)
		},
	}
	list.Flags().StringVar(&opts.Suite, "suite", "", "only list reports of this suite")
	list.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of reports (0 = all)")

	show := &cobra.Command{
		Use:           "show <report-id>",
		Short:         "Show one report with its failures and tool statistics",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportShow(opts, args[0], cmd)
		},
	}

	run := &cobra.Command{
		Use:           "run <run-id>",
		Short:         "Show one run with its tool calls",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReportRun(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, show, run)
	return cmd
}

// openStore opens an existing report database.
func openStore(f *OutputFormatter, path string) (*store.Store, error) {
	if path == "" {
		_ = f.Error(ErrCodeInvalidInput, "--db is required", nil)
		return nil, NewExitError(ExitCommandError, "--db is required")
	}
	if _, err := os.Stat(path); err != nil {
		_ = f.Error(ErrCodeNotFound, fmt.Sprintf("database not found: %s", path), nil)
		return nil, WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(path)
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open report database", err)
	}
	return st, nil
}

func runReportList(opts *ReportOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.Limit < 0 {
		_ = f.Error(ErrCodeInvalidInput, "--limit must not be negative", nil)
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	st, err := openStore(f, opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	reports, err := st.ListReports(cmd.Context(), store.ListOptions{Suite: opts.Suite, Limit: opts.Limit})
	if err != nil {
		return f.Fail("failed to list reports", err, nil)
	}
	if f.Format == "json" {
		return f.Success(reports)
	}
	if len(reports) == 0 {
		fmt.Fprintln(f.Writer, "No reports found.")
		return nil
	}

	tw := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSUITE\tPASS RATE\tRUNS\tSTARTED\tRESULT")
	for _, r := range reports {
		result := "pass"
		if !r.Passed() {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d%% (>= %d%%)\t%d\t%s\t%s\n",
			r.ID, r.Suite, r.PassRate, r.Threshold, r.Total, r.Started.UTC().Format(time.RFC3339), result)
	}
	return tw.Flush()
}

// ReportDetail is the JSON payload of report show.
type ReportDetail struct {
	Report    *report.Report   `json:"report"`
	ToolStats []store.ToolStat `json:"tool_stats"`
}

func runReportShow(opts *ReportOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := openStore(f, opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := st.GetReport(cmd.Context(), id)
	if err != nil {
		return f.Fail("failed to get report", err, nil)
	}
	stats, err := st.ToolStats(cmd.Context(), id)
	if err != nil {
		return f.Fail("failed to get tool stats", err, nil)
	}

	if f.Format == "json" {
		return f.Success(ReportDetail{Report: r, ToolStats: stats})
	}
	fmt.Fprint(f.Writer, report.Render(r))
	if len(stats) > 0 {
		fmt.Fprintln(f.Writer, "\nTools:")
		for _, s := range stats {
			fmt.Fprintf(f.Writer, "  %-20s %4d call(s) %4d failure(s)\n", s.Tool, s.Calls, s.Failures)
		}
	}
	return nil
}

// RunDetail is the JSON payload of report run.
type RunDetail struct {
	Run       *report.RunSummary `json:"run"`
	ToolCalls []store.ToolCall   `json:"tool_calls"`
}

func runReportRun(opts *ReportOptions, runID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	st, err := openStore(f, opts.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(cmd.Context(), runID)
	if err != nil {
		return f.Fail("failed to get run", err, nil)
	}
	calls, err := st.ToolCalls(cmd.Context(), runID)
	if err != nil {
		return f.Fail("failed to get tool calls", err, nil)
	}

	if f.Format == "json" {
		return f.Success(RunDetail{Run: run, ToolCalls: calls})
	}

	w := f.Writer
	fmt.Fprintf(w, "Run %s: %s trial %d [%s] in %s\n", run.RunID, run.Scenario, run.Trial, run.Status, run.Duration)
	for _, reason := range run.Reasons {
		fmt.Fprintf(w, "  - %s\n", reason)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
	if run.Response != "" {
		fmt.Fprintf(w, "  response: %s\n", run.Response)
	}
	fmt.Fprintf(w, "\nTool calls (%d):\n", len(calls))
	for _, c := range calls {
		line := fmt.Sprintf("  %3d %s", c.Seq, c.Tool)
		if c.Error != "" {
			line += fmt.Sprintf("  FAILED at %s: %s", c.Stage, c.Error)
		}
		fmt.Fprintln(w, line)
		if f.Verbose {
			fmt.Fprintf(w, "      input:  %s\n", compact(c.Input))
			fmt.Fprintf(w, "      output: %s\n", compact(c.Output))
		}
	}
	return nil
}

func compact(v any) string {
	if v == nil {
		return "-"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
