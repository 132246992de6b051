package report

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/worldsim/internal/sim"
)

var (
	// ErrNoRuns is returned when no run reached a terminal status.
	ErrNoRuns = errors.New("no terminal runs to report")

	// ErrBelowThreshold marks a report whose pass rate is below the quality bar.
	ErrBelowThreshold = errors.New("pass rate below threshold")
)

// ThresholdError is returned by Check when the pass rate is too low.
type ThresholdError struct {
	PassRate  int
	Threshold int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("pass rate %d%% is below threshold %d%%", e.PassRate, e.Threshold)
}

func (e *ThresholdError) Is(target error) bool {
	return target == ErrBelowThreshold
}

// RunSummary is the per-run record a sink renders.
type RunSummary struct {
	RunID          string         `json:"run_id"`
	Scenario       string         `json:"scenario"`
	Trial          int            `json:"trial"`
	Status         sim.RunStatus  `json:"status"`
	Error          string         `json:"error,omitempty"`
	Reasons        []string       `json:"reasons,omitempty"`
	Duration       time.Duration  `json:"duration_ns"`
	ToolCalls      int            `json:"tool_calls"`
	ToolErrors     int            `json:"tool_errors"`
	Exhausted      bool           `json:"exhausted,omitempty"`
	Response       string         `json:"response,omitempty"`
	SnapshotDigest string         `json:"snapshot_digest,omitempty"`
	TraceDigest    string         `json:"trace_digest,omitempty"`
	Trace          map[string]any `json:"trace,omitempty"`
}

// ScenarioSummary aggregates the trials of one scenario.
type ScenarioSummary struct {
	Scenario  string `json:"scenario"`
	Text      string `json:"text"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	PassRate  int    `json:"pass_rate"`
}

// DurationStats describes the distribution of run durations.
type DurationStats struct {
	Min  time.Duration `json:"min_ns"`
	Mean time.Duration `json:"mean_ns"`
	P50  time.Duration `json:"p50_ns"`
	P95  time.Duration `json:"p95_ns"`
	Max  time.Duration `json:"max_ns"`
}

// Report is the aggregate of one test invocation.
type Report struct {
	ID        string `json:"id"`
	Suite     string `json:"suite,omitempty"`
	PassRate  int    `json:"pass_rate"`
	Threshold int    `json:"threshold"`

	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`

	// Pending counts runs that never started. They are excluded from Total.
	Pending int `json:"pending,omitempty"`

	Started  time.Time     `json:"started"`
	Ended    time.Time     `json:"ended"`
	Duration time.Duration `json:"duration_ns"`

	RunDurations DurationStats     `json:"run_durations"`
	Scenarios    []ScenarioSummary `json:"scenarios"`
	Runs         []RunSummary      `json:"runs"`

	DashboardURL string `json:"dashboard_url,omitempty"`
}

// Option configures Summarize.
type Option func(*Report)

// WithID sets the report id instead of a fresh UUIDv7.
func WithID(id string) Option {
	return func(r *Report) { r.ID = id }
}

// WithSuite records the suite name.
func WithSuite(name string) Option {
	return func(r *Report) { r.Suite = name }
}

// WithThreshold records the quality threshold the report is judged against.
func WithThreshold(threshold int) Option {
	return func(r *Report) { r.Threshold = threshold }
}

// WithDashboardURL attaches a link to a live dashboard.
func WithDashboardURL(url string) Option {
	return func(r *Report) { r.DashboardURL = url }
}

// FromResult summarizes a scheduler result.
func FromResult(res *sim.Result, opts ...Option) (*Report, error) {
	if res == nil {
		return nil, ErrNoRuns
	}
	return Summarize(res.Runs, res.Started, res.Ended, append([]Option{WithSuite(res.Name)}, opts...)...)
}

// Summarize builds a report over the terminal runs in runs. Duration is
// ended minus started.
func Summarize(runs []sim.RunResult, started, ended time.Time, opts ...Option) (*Report, error) {
	r := &Report{
		Started:  started,
		Ended:    ended,
		Duration: ended.Sub(started),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ID == "" {
		r.ID = uuid.Must(uuid.NewV7()).String()
	}

	var durations []time.Duration
	byScenario := make(map[string]*ScenarioSummary)
	var order []string
	for _, run := range runs {
		if !run.Status.Terminal() {
			r.Pending++
			continue
		}
		r.Total++
		switch run.Status {
		case sim.StatusSucceeded:
			r.Succeeded++
		case sim.StatusFailed:
			r.Failed++
		case sim.StatusErrored:
			r.Errored++
		}
		durations = append(durations, run.Duration())

		sc, ok := byScenario[run.Scenario.ID]
		if !ok {
			sc = &ScenarioSummary{Scenario: run.Scenario.ID, Text: run.Scenario.Text}
			byScenario[run.Scenario.ID] = sc
			order = append(order, run.Scenario.ID)
		}
		sc.Total++
		if run.Status == sim.StatusSucceeded {
			sc.Succeeded++
		}

		summary, err := summarizeRun(run)
		if err != nil {
			return nil, err
		}
		r.Runs = append(r.Runs, summary)
	}
	if r.Total == 0 {
		return nil, fmt.Errorf("%w: %d runs, none terminal", ErrNoRuns, len(runs))
	}

	r.PassRate = PassRate(r.Succeeded, r.Total)
	r.RunDurations = durationStats(durations)
	for _, id := range order {
		sc := byScenario[id]
		sc.PassRate = PassRate(sc.Succeeded, sc.Total)
		r.Scenarios = append(r.Scenarios, *sc)
	}
	return r, nil
}

func summarizeRun(run sim.RunResult) (RunSummary, error) {
	s := RunSummary{
		RunID:     run.RunID,
		Scenario:  run.Scenario.ID,
		Trial:     run.Trial,
		Status:    run.Status,
		Reasons:   run.Reasons,
		Duration:  run.Duration(),
		Exhausted: run.Exhausted,
		Response:  run.Response,
	}
	if run.Err != nil {
		s.Error = run.Err.Error()
	}
	digest, err := run.Snapshot.Digest()
	if err != nil {
		return RunSummary{}, fmt.Errorf("summarize run %s: %w", run.RunID, err)
	}
	s.SnapshotDigest = digest

	if run.Trace != nil {
		calls := run.Trace.Calls()
		s.ToolCalls = len(calls)
		for _, c := range calls {
			if c.Failed() {
				s.ToolErrors++
			}
		}
		if s.TraceDigest, err = run.Trace.Digest(); err != nil {
			return RunSummary{}, fmt.Errorf("summarize run %s: %w", run.RunID, err)
		}
		s.Trace = run.Trace.Canonical()
	}
	return s, nil
}

// PassRate returns round-half-up(100 * succeeded / total). total must be positive.
func PassRate(succeeded, total int) int {
	return (200*succeeded + total) / (2 * total)
}

// Check returns a *ThresholdError when the pass rate is below threshold.
func (r *Report) Check(threshold int) error {
	if r.PassRate < threshold {
		return &ThresholdError{PassRate: r.PassRate, Threshold: threshold}
	}
	return nil
}

// Passed reports whether the report meets its recorded threshold.
func (r *Report) Passed() bool {
	return r.Check(r.Threshold) == nil
}

// Failures returns the runs that did not succeed, in run order.
func (r *Report) Failures() []RunSummary {
	var out []RunSummary
	for _, run := range r.Runs {
		if run.Status != sim.StatusSucceeded {
			out = append(out, run)
		}
	}
	return out
}

func durationStats(ds []time.Duration) DurationStats {
	if len(ds) == 0 {
		return DurationStats{}
	}
	sorted := slices.Clone(ds)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return DurationStats{
		Min:  sorted[0],
		Mean: sum / time.Duration(len(sorted)),
		P50:  percentile(sorted, 50),
		P95:  percentile(sorted, 95),
		Max:  sorted[len(sorted)-1],
	}
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
