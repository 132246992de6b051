package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/worldsim/internal/report"
)

// Publish stores r with its runs and tool calls in one transaction.
// Publishing a report id that already exists is silently ignored.
// Publish makes *Store a report.Sink.
func (s *Store) Publish(ctx context.Context, r *report.Report) error {
	durations, err := marshalJSON("run durations", r.RunDurations)
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	scenarios, err := marshalJSON("scenarios", r.Scenarios)
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("publish report: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reports
		(id, suite, pass_rate, threshold, total, succeeded, failed, errored, pending,
		 started, ended, duration_ns, durations, scenarios, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM reports))
		ON CONFLICT(id) DO NOTHING
	`,
		r.ID, r.Suite, r.PassRate, r.Threshold,
		r.Total, r.Succeeded, r.Failed, r.Errored, r.Pending,
		formatTime(r.Started), formatTime(r.Ended), int64(r.Duration),
		durations, scenarios,
	)
	if err != nil {
		return fmt.Errorf("publish report %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("publish report %s: rows affected: %w", r.ID, err)
	} else if n == 0 {
		return nil
	}

	for i, run := range r.Runs {
		if err := insertRun(ctx, tx, r.ID, int64(i+1), run); err != nil {
			return fmt.Errorf("publish report %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("publish report %s: commit: %w", r.ID, err)
	}
	return nil
}

func insertRun(ctx context.Context, tx *sql.Tx, reportID string, seq int64, run report.RunSummary) error {
	reasons := run.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	reasonsJSON, err := marshalJSON("reasons", reasons)
	if err != nil {
		return err
	}
	trace := run.Trace
	if trace == nil {
		trace = map[string]any{}
	}
	traceJSON, err := marshalJSON("trace", trace)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, report_id, seq, scenario, trial, status, error, reasons, duration_ns,
		 tool_calls, tool_errors, exhausted, response, snapshot_digest, trace_digest, trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.RunID, reportID, seq, run.Scenario, run.Trial, string(run.Status),
		run.Error, reasonsJSON, int64(run.Duration),
		run.ToolCalls, run.ToolErrors, boolInt(run.Exhausted), run.Response,
		run.SnapshotDigest, run.TraceDigest, traceJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	for _, c := range callRows(trace) {
		input, err := marshalJSON("tool input", c.input)
		if err != nil {
			return err
		}
		output, err := marshalJSON("tool output", c.output)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (run_id, seq, tool, stage, error, input, output)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.RunID, c.seq, c.tool, c.stage, c.err, input, output); err != nil {
			return fmt.Errorf("insert tool call %s#%d: %w", run.RunID, c.seq, err)
		}
	}
	return nil
}
