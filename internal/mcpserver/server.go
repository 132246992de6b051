// Package mcpserver exposes stored test reports over MCP (Model Context
// Protocol), so an agent can inspect why its own runs failed.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roach88/worldsim/internal/logging"
	"github.com/roach88/worldsim/internal/report"
	"github.com/roach88/worldsim/internal/store"
)

const defaultListLimit = 20

// Reports is the read side of the report store.
type Reports interface {
	ListReports(ctx context.Context, opts store.ListOptions) ([]store.ReportSummary, error)
	GetReport(ctx context.Context, id string) (*report.Report, error)
	GetRun(ctx context.Context, runID string) (*report.RunSummary, error)
	ToolCalls(ctx context.Context, runID string) ([]store.ToolCall, error)
	ToolStats(ctx context.Context, reportID string) ([]store.ToolStat, error)
}

// Config holds server configuration.
type Config struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// Server wraps the MCP SDK server.
type Server struct {
	server  *sdk.Server
	reports Reports
	logger  *slog.Logger
}

// NewServer registers the report tools.
func NewServer(cfg *Config, reports Reports) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		server:  sdk.NewServer(&sdk.Implementation{Name: cfg.Name, Version: cfg.Version}, &sdk.ServerOptions{}),
		reports: reports,
		logger:  logger,
	}

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "list_reports",
		Description: "List stored simulation test reports, newest first",
	}, s.handleListReports)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "get_report",
		Description: "Get one report: pass rates per scenario, failed runs and tool statistics",
	}, s.handleGetReport)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "get_run",
		Description: "Get one run with its tool calls and conversation trace",
	}, s.handleGetRun)

	return s
}

// Run serves over stdio until the client disconnects, ctx is cancelled or
// the process is interrupted.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handleListReports(ctx context.Context, _ *sdk.CallToolRequest, args ListReportsInput) (*sdk.CallToolResult, ListReportsOutput, error) {
	if args.Limit < 0 {
		return nil, ListReportsOutput{}, fmt.Errorf("limit must not be negative")
	}
	limit := args.Limit
	if limit == 0 {
		limit = defaultListLimit
	}

	summaries, err := s.reports.ListReports(ctx, store.ListOptions{Suite: args.Suite, Limit: limit})
	if err != nil {
		return nil, ListReportsOutput{}, fmt.Errorf("failed to list reports: %w", err)
	}
	out := ListReportsOutput{Reports: make([]ReportItem, 0, len(summaries))}
	for _, sum := range summaries {
		out.Reports = append(out.Reports, reportItemFromSummary(sum))
	}
	out.Count = len(out.Reports)
	s.logger.Debug("list_reports", "suite", args.Suite, "count", out.Count)
	return nil, out, nil
}

func (s *Server) handleGetReport(ctx context.Context, _ *sdk.CallToolRequest, args GetReportInput) (*sdk.CallToolResult, GetReportOutput, error) {
	if args.ID == "" {
		return nil, GetReportOutput{}, fmt.Errorf("'id' parameter is required")
	}
	r, err := s.reports.GetReport(ctx, args.ID)
	if err != nil {
		return nil, GetReportOutput{}, fmt.Errorf("failed to get report: %w", err)
	}
	stats, err := s.reports.ToolStats(ctx, args.ID)
	if err != nil {
		return nil, GetReportOutput{}, fmt.Errorf("failed to get tool stats: %w", err)
	}

	out := GetReportOutput{
		Report:    reportItem(r),
		Scenarios: r.Scenarios,
		Failures:  []RunItem{},
		ToolStats: stats,
		Text:      report.Render(r),
	}
	if out.Scenarios == nil {
		out.Scenarios = []report.ScenarioSummary{}
	}
	for _, run := range r.Failures() {
		out.Failures = append(out.Failures, runItem(run))
	}
	return nil, out, nil
}

func (s *Server) handleGetRun(ctx context.Context, _ *sdk.CallToolRequest, args GetRunInput) (*sdk.CallToolResult, GetRunOutput, error) {
	if args.RunID == "" {
		return nil, GetRunOutput{}, fmt.Errorf("'run_id' parameter is required")
	}
	run, err := s.reports.GetRun(ctx, args.RunID)
	if err != nil {
		return nil, GetRunOutput{}, fmt.Errorf("failed to get run: %w", err)
	}
	calls, err := s.reports.ToolCalls(ctx, args.RunID)
	if err != nil {
		return nil, GetRunOutput{}, fmt.Errorf("failed to get tool calls: %w", err)
	}
	return nil, GetRunOutput{Run: runItem(*run), ToolCalls: calls, Trace: run.Trace}, nil
}
