package mcpserver

import (
	"time"

	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/store"
)

// ListReportsInput defines the input for the list_reports tool.
type ListReportsInput struct {
	Suite string `json:"suite,omitempty" jsonschema:"Only return reports of this suite"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of reports to return (default 20)"`
}

// ListReportsOutput defines the output for the list_reports tool.
type ListReportsOutput struct {
	Reports []ReportItem `json:"reports" jsonschema:"Stored reports, newest first"`
	Count   int          `json:"count" jsonschema:"Number of reports returned"`
}

// ReportItem is the headline of one report.
type ReportItem struct {
	ID         string `json:"id"`
	Suite      string `json:"suite,omitempty"`
	PassRate   int    `json:"pass_rate"`
	Threshold  int    `json:"threshold"`
	Passed     bool   `json:"passed"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Errored    int    `json:"errored"`
	Started    string `json:"started"`
	DurationMS int64  `json:"duration_ms"`
}

// GetReportInput defines the input for the get_report tool.
type GetReportInput struct {
	ID string `json:"id" jsonschema:"Report id as returned by list_reports"`
}

// GetReportOutput defines the output for the get_report tool.
type GetReportOutput struct {
	Report    ReportItem               `json:"report"`
	Scenarios []report.ScenarioSummary `json:"scenarios" jsonschema:"Per-scenario pass rates"`
	Failures  []RunItem                `json:"failures" jsonschema:"Runs that did not succeed"`
	ToolStats []store.ToolStat         `json:"tool_stats" jsonschema:"Calls and failures per tool across all runs"`
	Text      string                   `json:"text" jsonschema:"Human-readable rendering of the report"`
}

// GetRunInput defines the input for the get_run tool.
type GetRunInput struct {
	RunID string `json:"run_id" jsonschema:"Run id from a report's failures or runs"`
}

// GetRunOutput defines the output for the get_run tool.
type GetRunOutput struct {
	Run       RunItem          `json:"run"`
	ToolCalls []store.ToolCall `json:"tool_calls" jsonschema:"Every intercepted tool call in order"`
	Trace     map[string]any   `json:"trace,omitempty" jsonschema:"Canonical trace including conversation turns"`
}

// RunItem summarizes one run.
type RunItem struct {
	RunID          string   `json:"run_id"`
	Scenario       string   `json:"scenario"`
	Trial          int      `json:"trial"`
	Status         string   `json:"status"`
	Error          string   `json:"error,omitempty"`
	Reasons        []string `json:"reasons,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
	ToolCalls      int      `json:"tool_calls"`
	ToolErrors     int      `json:"tool_errors"`
	Exhausted      bool     `json:"exhausted,omitempty"`
	Response       string   `json:"response,omitempty"`
	SnapshotDigest string   `json:"snapshot_digest,omitempty"`
	TraceDigest    string   `json:"trace_digest,omitempty"`
}

func reportItemFromSummary(s store.ReportSummary) ReportItem {
	return ReportItem{
		ID:         s.ID,
		Suite:      s.Suite,
		PassRate:   s.PassRate,
		Threshold:  s.Threshold,
		Passed:     s.Passed(),
		Total:      s.Total,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Errored:    s.Errored,
		Started:    s.Started.UTC().Format(time.RFC3339),
		DurationMS: s.Duration.Milliseconds(),
	}
}

func reportItem(r *report.Report) ReportItem {
	return ReportItem{
		ID:         r.ID,
		Suite:      r.Suite,
		PassRate:   r.PassRate,
		Threshold:  r.Threshold,
		Passed:     r.Passed(),
		Total:      r.Total,
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		Errored:    r.Errored,
		Started:    r.Started.UTC().Format(time.RFC3339),
		DurationMS: r.Duration.Milliseconds(),
	}
}

func runItem(r report.RunSummary) RunItem {
	return RunItem{
		RunID:          r.RunID,
		Scenario:       r.Scenario,
		Trial:          r.Trial,
		Status:         string(r.Status),
		Error:          r.Error,
		Reasons:        r.Reasons,
		DurationMS:     r.Duration.Milliseconds(),
		ToolCalls:      r.ToolCalls,
		ToolErrors:     r.ToolErrors,
		Exhausted:      r.Exhausted,
		Response:       r.Response,
		SnapshotDigest: r.SnapshotDigest,
		TraceDigest:    r.TraceDigest,
	}
}
