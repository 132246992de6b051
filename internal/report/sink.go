package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Sink receives a finished report: a terminal, a file, a database, a dashboard.
type Sink interface {
	Publish(ctx context.Context, r *Report) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *Report) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, r *Report) error {
	return f(ctx, r)
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, r *Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONSink writes the report as indented JSON. Per-run traces are included.
func JSONSink(w io.Writer) Sink {
	return SinkFunc(func(_ context.Context, r *Report) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return nil
	})
}

// TextSink writes the human-readable rendering from Render.
func TextSink(w io.Writer) Sink {
	return SinkFunc(func(_ context.Context, r *Report) error {
		_, err := io.WriteString(w, Render(r))
		return err
	})
}

// Render formats r for a terminal.
func Render(r *Report) string {
	var b strings.Builder

	mark := "\u2713"
	if !r.Passed() {
		mark = "\u2717"
	}
	name := r.Suite
	if name == "" {
		name = "worldsim"
	}
	fmt.Fprintf(&b, "%s %s: pass rate %d%% (threshold %d%%)\n", mark, name, r.PassRate, r.Threshold)
	fmt.Fprintf(&b, "  runs: %d total, %d succeeded, %d failed, %d errored", r.Total, r.Succeeded, r.Failed, r.Errored)
	if r.Pending > 0 {
		fmt.Fprintf(&b, ", %d not started", r.Pending)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  duration: %s (run min %s, p50 %s, p95 %s, max %s)\n",
		round(r.Duration), round(r.RunDurations.Min), round(r.RunDurations.P50),
		round(r.RunDurations.P95), round(r.RunDurations.Max))
	if r.DashboardURL != "" {
		fmt.Fprintf(&b, "  dashboard: %s\n", r.DashboardURL)
	}

	b.WriteString("\nScenarios:\n")
	for _, sc := range r.Scenarios {
		fmt.Fprintf(&b, "  %-14s %3d/%-3d %4d%%  %s\n", sc.Scenario, sc.Succeeded, sc.Total, sc.PassRate, sc.Text)
	}

	if failures := r.Failures(); len(failures) > 0 {
		b.WriteString("\nFailures:\n")
		for _, run := range failures {
			fmt.Fprintf(&b, "  \u2717 %s trial %d [%s] %s\n", run.Scenario, run.Trial, run.Status, run.RunID)
			for _, reason := range run.Reasons {
				fmt.Fprintf(&b, "      - %s\n", reason)
			}
			if run.Error != "" && len(run.Reasons) == 0 {
				fmt.Fprintf(&b, "      %s\n", run.Error)
			}
		}
	}
	return b.String()
}

func round(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(100 * time.Microsecond)
	}
	return d
}
