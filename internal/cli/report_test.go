package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldsim/internal/store"
)

// seedDatabase runs the passing and the failing suite into one database and
// returns its path with the failing report's id.
func seedDatabase(t *testing.T) (string, string) {
	t.Helper()
	db := filepath.Join(t.TempDir(), "reports.db")

	_, _, err := execute(t, "test", flightsSuite, "--trials", "1", "--db", db)
	require.NoError(t, err)
	_, _, err = execute(t, "test", writeFile(t, "fails.yaml", failingSuite), "--db", db)
	require.Error(t, err)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()
	reports, err := st.ListReports(context.Background(), store.ListOptions{Suite: "always-fails"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	return db, reports[0].ID
}

func TestReportList(t *testing.T) {
	db, failedID := seedDatabase(t)

	out, _, err := execute(t, "report", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "PASS RATE")
	assert.Contains(t, out, failedID)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "flight-booking")

	out, _, err = execute(t, "report", "list", "--db", db, "--suite", "flight-booking", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string                `json:"status"`
		Data   []store.ReportSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "flight-booking", resp.Data[0].Suite)
	assert.Equal(t, 100, resp.Data[0].PassRate)
}

func TestReportList_Empty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(db)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	out, _, err := execute(t, "report", "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "No reports found.")
}

func TestReportShowAndRun(t *testing.T) {
	db, failedID := seedDatabase(t)

	out, _, err := execute(t, "report", "show", failedID, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "always-fails: pass rate 0% (threshold 50%)")
	assert.Contains(t, out, "Tools:")
	assert.Contains(t, out, "book_flight")

	out, _, err = execute(t, "report", "show", failedID, "--db", db, "--format", "json")
	require.NoError(t, err)
	var showResp struct {
		Data ReportDetail `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &showResp))
	require.NotNil(t, showResp.Data.Report)
	require.Len(t, showResp.Data.Report.Runs, 2)
	assert.Equal(t, []store.ToolStat{{Tool: "book_flight", Calls: 2, Failures: 0}}, showResp.Data.ToolStats)

	runID := showResp.Data.Report.Runs[0].RunID
	out, _, err = execute(t, "report", "run", runID, "--db", db, "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+runID+": one-seat trial 1 [failed]")
	assert.Contains(t, out, "trace_count: expected 2 calls to book_flight")
	assert.Contains(t, out, "Tool calls (1):")
	assert.Contains(t, out, `input:  {"flight_id":"F1"}`)
}

func TestReport_NotFound(t *testing.T) {
	db, _ := seedDatabase(t)

	out, _, err := execute(t, "report", "show", "missing", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")

	_, _, err = execute(t, "report", "run", "missing", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReport_MissingDatabase(t *testing.T) {
	out, _, err := execute(t, "report", "list", "--db", filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "database not found")

	_, _, err = execute(t, "report", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "db" not set`)
}

func TestMCPCommand_MissingDatabase(t *testing.T) {
	_, errOut, err := execute(t, "mcp", "--db", filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, errOut, "database not found")
}
