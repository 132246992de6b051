package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var flightsSuite = filepath.Join("..", "suite", "testdata", "flights.yaml")

// failingSuite books once and then requires two bookings, so every run fails.
const failingSuite = `
name: always-fails
task: "Book a seat"
config: { scenario_count: 1, trials_per_scenario: 2, quality_threshold: 50 }
scenarios:
  - { id: one-seat, text: "Book a seat" }
tools:
  - name: book_flight
agent:
  steps:
    - { tool: book_flight, args: { flight_id: F1 } }
  final: "done"
success:
  - { type: trace_count, tool: book_flight, count: 2 }
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns stdout, stderr and
// the error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "worldsim", cmd.Use)
	assert.Contains(t, cmd.Long, "simulated world")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"test"}, {"validate"}, {"scenarios"}, {"mcp"},
		{"report", "list"}, {"report", "show"}, {"report", "run"},
	}

	for _, path := range commands {
		t.Run(filepath.Join(path...), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"log-level", "log-format", "no-color", "config"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestTestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	testCmd, _, err := cmd.Find([]string{"test"})
	require.NoError(t, err)

	for _, name := range []string{"db", "report-file", "save-scenarios", "dashboard-addr", "dashboard-wait",
		"scenarios", "trials", "threshold", "concurrency", "seed"} {
		assert.NotNil(t, testCmd.Flags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "validate", flightsSuite, "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigFlagIsBaseLayer(t *testing.T) {
	// The suite's config block wins over --config, flags win over both.
	cfgPath := writeFile(t, "worldsim.yaml", "trials_per_scenario: 9\nconcurrency: 2\n")

	out, _, err := execute(t, "validate", flightsSuite, "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"runs":20`)

	out, _, err = execute(t, "scenarios", flightsSuite, "--config", cfgPath, "--scenarios", "2", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"scenario-002"`)
	assert.NotContains(t, out, `"scenario-003"`)
}

func TestConfigFlagUnknownKey(t *testing.T) {
	cfgPath := writeFile(t, "worldsim.yaml", "trails: 3\n")
	out, _, err := execute(t, "validate", flightsSuite, "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, out, "Error [")
}
