package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/sim"
)

// ReportSummary is a report row without its runs.
type ReportSummary struct {
	ID        string        `json:"id"`
	Suite     string        `json:"suite,omitempty"`
	PassRate  int           `json:"pass_rate"`
	Threshold int           `json:"threshold"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Errored   int           `json:"errored"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration_ns"`
}

// Passed reports whether the pass rate meets the recorded threshold.
func (s ReportSummary) Passed() bool {
	return s.PassRate >= s.Threshold
}

// ListOptions filters ListReports.
type ListOptions struct {
	// Suite restricts results to one suite name.
	Suite string
	// Limit caps the number of rows. 0 means no limit.
	Limit int
}

// ToolStat aggregates calls to one tool within a report.
type ToolStat struct {
	Tool     string `json:"tool"`
	Calls    int    `json:"calls"`
	Failures int    `json:"failures"`
}

// ToolCall is one stored tool call.
type ToolCall struct {
	RunID  string `json:"run_id"`
	Seq    int64  `json:"seq"`
	Tool   string `json:"tool"`
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error,omitempty"`
	Input  any    `json:"input,omitempty"`
	Output any    `json:"output,omitempty"`
}

// ListReports returns stored reports, newest first.
// Returns an empty slice (not nil) if nothing is stored.
func (s *Store) ListReports(ctx context.Context, opts ListOptions) ([]ReportSummary, error) {
	query := `
		SELECT id, suite, pass_rate, threshold, total, succeeded, failed, errored, started, duration_ns
		FROM reports
		WHERE (? = '' OR suite = ?)
		ORDER BY seq DESC`
	args := []any{opts.Suite, opts.Suite}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	summaries := []ReportSummary{}
	for rows.Next() {
		var (
			sum      ReportSummary
			started  string
			duration int64
		)
		if err := rows.Scan(&sum.ID, &sum.Suite, &sum.PassRate, &sum.Threshold,
			&sum.Total, &sum.Succeeded, &sum.Failed, &sum.Errored, &started, &duration); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if sum.Started, err = parseTime(started); err != nil {
			return nil, err
		}
		sum.Duration = time.Duration(duration)
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return summaries, nil
}

// GetReport returns a stored report with all its runs in their original
// order. Returns an error wrapping ErrNotFound for an unknown id.
func (s *Store) GetReport(ctx context.Context, id string) (*report.Report, error) {
	var (
		r                  report.Report
		started, ended     string
		duration           int64
		durations, scnJSON string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, suite, pass_rate, threshold, total, succeeded, failed, errored, pending,
		       started, ended, duration_ns, durations, scenarios
		FROM reports
		WHERE id = ?
	`, id).Scan(&r.ID, &r.Suite, &r.PassRate, &r.Threshold, &r.Total, &r.Succeeded,
		&r.Failed, &r.Errored, &r.Pending, &started, &ended, &duration, &durations, &scnJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query report %s: %w", id, err)
	}

	if r.Started, err = parseTime(started); err != nil {
		return nil, err
	}
	if r.Ended, err = parseTime(ended); err != nil {
		return nil, err
	}
	r.Duration = time.Duration(duration)
	if err := unmarshalJSON("run durations", durations, &r.RunDurations); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("scenarios", scnJSON, &r.Scenarios); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, runColumns+` WHERE report_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		r.Runs = append(r.Runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return &r, nil
}

// GetRun returns one stored run. Returns an error wrapping ErrNotFound for
// an unknown id.
func (s *Store) GetRun(ctx context.Context, runID string) (*report.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, runColumns+` WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ToolCalls returns the stored calls of one run in sequence order.
func (s *Store) ToolCalls(ctx context.Context, runID string) ([]ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, tool, stage, error, input, output
		FROM tool_calls
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	calls := []ToolCall{}
	for rows.Next() {
		var (
			c             ToolCall
			input, output string
		)
		if err := rows.Scan(&c.RunID, &c.Seq, &c.Tool, &c.Stage, &c.Error, &input, &output); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if err := unmarshalJSON("tool input", input, &c.Input); err != nil {
			return nil, err
		}
		if err := unmarshalJSON("tool output", output, &c.Output); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool calls: %w", err)
	}
	return calls, nil
}

// ToolStats aggregates tool calls across every run of a report, ordered by tool name.
func (s *Store) ToolStats(ctx context.Context, reportID string) ([]ToolStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.tool, COUNT(*), SUM(CASE WHEN c.error != '' THEN 1 ELSE 0 END)
		FROM tool_calls c
		JOIN runs r ON c.run_id = r.id
		WHERE r.report_id = ?
		GROUP BY c.tool
		ORDER BY c.tool COLLATE BINARY ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	stats := []ToolStat{}
	for rows.Next() {
		var st ToolStat
		if err := rows.Scan(&st.Tool, &st.Calls, &st.Failures); err != nil {
			return nil, fmt.Errorf("scan tool stat: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool stats: %w", err)
	}
	return stats, nil
}

const runColumns = `
		SELECT id, scenario, trial, status, error, reasons, duration_ns, tool_calls,
		       tool_errors, exhausted, response, snapshot_digest, trace_digest, trace
		FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (report.RunSummary, error) {
	var (
		run            report.RunSummary
		status         string
		reasons, trace string
		duration       int64
		exhausted      int
	)
	err := row.Scan(&run.RunID, &run.Scenario, &run.Trial, &status, &run.Error, &reasons,
		&duration, &run.ToolCalls, &run.ToolErrors, &exhausted, &run.Response,
		&run.SnapshotDigest, &run.TraceDigest, &trace)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return report.RunSummary{}, err
		}
		return report.RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = sim.RunStatus(status)
	run.Duration = time.Duration(duration)
	run.Exhausted = exhausted != 0
	if err := unmarshalJSON("reasons", reasons, &run.Reasons); err != nil {
		return report.RunSummary{}, err
	}
	if len(run.Reasons) == 0 {
		run.Reasons = nil
	}
	if err := unmarshalJSON("trace", trace, &run.Trace); err != nil {
		return report.RunSummary{}, err
	}
	return run, nil
}
