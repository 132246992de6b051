// Package cli implements the worldsim command line.
package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/worldsim/internal/config"
	"github.com/roach88/worldsim/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0-dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	LogLevel   string // "info" | "debug" | "trace"
	LogFormat  string // "text" | "json"
	NoColor    bool
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the worldsim CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "worldsim",
		Short: "worldsim - simulation testing for agents",
		Long: `worldsim runs an agent many times against simulated tools and a
simulated world, checks each run's final world state and call trace,
and reports the pass rate against a quality threshold.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (info|debug|trace)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format on stderr (text|json)")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable colored logs")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "base configuration file (YAML)")

	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewScenariosCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewMCPCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter builds the command's output formatter.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger builds the diagnostic logger. Logs always go to stderr so JSON
// output on stdout stays parseable. --verbose raises the level to debug.
func (o *RootOptions) logger(cmd *cobra.Command) (*slog.Logger, error) {
	level := o.LogLevel
	if o.Verbose && logging.ParseLevel(level) > slog.LevelDebug {
		level = "debug"
	}
	return logging.New(cmd.ErrOrStderr(), logging.Options{
		Level:   level,
		Format:  o.LogFormat,
		NoColor: o.NoColor,
	})
}

// baseConfig returns the defaults layered with --config.
func (o *RootOptions) baseConfig() (config.Config, error) {
	if o.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.LoadFromFile(o.ConfigPath)
}
