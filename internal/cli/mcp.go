package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/worldsim/internal/mcpserver"
)

// NewMCPCommand creates the mcp command.
func NewMCPCommand(rootOpts *RootOptions) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve stored reports over MCP (stdio)",
		Long: `Run an MCP server on stdin/stdout exposing the report database.

Tools: list_reports, get_report, get_run. Logs go to stderr.

Configure in an MCP client as:
  {"command": "worldsim", "args": ["mcp", "--db", "reports.db"]}`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			f.Writer = cmd.ErrOrStderr()
			logger, err := rootOpts.logger(cmd)
			if err != nil {
				return f.Fail("invalid log settings", err, nil)
			}
			st, err := openStore(f, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			server := mcpserver.NewServer(&mcpserver.Config{
				Name:    "worldsim",
				Version: Version,
				Logger:  logger,
			}, st)
			logger.Info("mcp server starting", "db", dbPath)
			if err := server.Run(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "mcp server failed", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path to the report database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}
