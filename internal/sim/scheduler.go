package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/worldsim/internal/invariant"
	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/tool"
	"github.com/roach88/worldsim/internal/trace"
	"github.com/roach88/worldsim/internal/world"
)

// DefaultMaxTurns bounds simulated-user conversations when Config.MaxTurns is 0.
const DefaultMaxTurns = 10

// Predicate decides whether a finished run achieved its goal. Returning
// false with a *Failure records the reasons; any other error marks the run
// errored.
type Predicate func(view world.View, tr *trace.Trace) (bool, error)

// Failure explains a false verdict.
type Failure struct {
	Reasons []string
}

func (f *Failure) Error() string {
	return "run failed: " + strings.Join(f.Reasons, "; ")
}

// Fail returns a false verdict carrying reasons.
func Fail(reasons ...string) (bool, error) {
	return false, &Failure{Reasons: reasons}
}

// Definition is everything a run needs besides the agent and the scenario.
type Definition struct {
	Name  string
	Tools []tool.Spec

	// Invariants are checked after every tool call, in addition to each
	// tool's own invariants.
	Invariants []invariant.Invariant

	// Schemas validate entity payloads per collection.
	Schemas map[string]world.Validator

	// Seed is applied as one batch to every run's fresh store.
	Seed []world.Effect

	Success Predicate
}

// Validate checks the definition without running anything.
func (d Definition) Validate() error {
	var problems []error
	if d.Success == nil {
		problems = append(problems, errors.New("success predicate is required"))
	}
	seen := make(map[string]bool, len(d.Tools))
	for i, spec := range d.Tools {
		switch {
		case spec.Name == "":
			problems = append(problems, fmt.Errorf("tools[%d]: %w", i, tool.ErrToolNameEmpty))
		case seen[spec.Name]:
			problems = append(problems, fmt.Errorf("tools[%d]: %w: %s", i, tool.ErrToolDuplicate, spec.Name))
		case spec.Func == nil:
			problems = append(problems, fmt.Errorf("tools[%d]: %w: %s", i, tool.ErrNilHandler, spec.Name))
		}
		seen[spec.Name] = true
		if err := invariant.Validate(spec.Invariants); err != nil {
			problems = append(problems, fmt.Errorf("tools[%d] %s: %w", i, spec.Name, err))
		}
	}
	if err := invariant.Validate(d.Invariants); err != nil {
		problems = append(problems, err)
	}
	for i, eff := range d.Seed {
		if err := eff.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("seed[%d]: %w", i, err))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(problems...))
	}
	return nil
}

// Config controls scheduling.
type Config struct {
	// Concurrency is the maximum number of runs in flight. 0 means 1.
	Concurrency int

	// RunTimeout bounds each run. 0 disables the deadline.
	RunTimeout time.Duration

	// StartRate limits run starts per second. 0 disables the limiter.
	StartRate  float64
	StartBurst int

	// SimulatedUser runs a multi-turn conversation instead of a single
	// agent invocation.
	SimulatedUser bool
	MaxTurns      int
}

// Validate reports impossible settings.
func (c Config) Validate() error {
	var problems []error
	if c.Concurrency < 0 {
		problems = append(problems, fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency))
	}
	if c.RunTimeout < 0 {
		problems = append(problems, fmt.Errorf("run timeout must not be negative, got %s", c.RunTimeout))
	}
	if c.StartRate < 0 {
		problems = append(problems, fmt.Errorf("start rate must not be negative, got %g", c.StartRate))
	}
	if c.MaxTurns < 0 {
		problems = append(problems, fmt.Errorf("max turns must not be negative, got %d", c.MaxTurns))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(problems...))
	}
	return nil
}

// Observer is notified as runs start and end. Calls arrive from worker
// goroutines concurrently.
type Observer interface {
	OnRunStart(run RunResult)
	OnRunEnd(run RunResult)
}

type nopObserver struct{}

func (nopObserver) OnRunStart(RunResult) {}
func (nopObserver) OnRunEnd(RunResult)   {}

// RunResult is the outcome of one (scenario, trial) pair.
type RunResult struct {
	RunID    string
	Scenario scenario.Scenario
	Trial    int
	Status   RunStatus

	// Err is set for errored runs, and for failed runs that carry reasons.
	Err     error
	Reasons []string

	Response  string
	Exhausted bool
	Trace     *trace.Trace
	Snapshot  world.Snapshot

	Started time.Time
	Ended   time.Time
}

// Duration is the wall time of the run, or 0 if it never started.
func (r RunResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Ended.IsZero() {
		return 0
	}
	return r.Ended.Sub(r.Started)
}

// Result holds every run of one Scheduler.Run call in scenario-major,
// trial-minor order.
type Result struct {
	Name    string
	Runs    []RunResult
	Started time.Time
	Ended   time.Time
}

// Count returns the number of runs in status.
func (r *Result) Count(status RunStatus) int {
	n := 0
	for _, run := range r.Runs {
		if run.Status == status {
			n++
		}
	}
	return n
}

// Terminal returns the runs that reached a terminal status.
func (r *Result) Terminal() []RunResult {
	out := make([]RunResult, 0, len(r.Runs))
	for _, run := range r.Runs {
		if run.Status.Terminal() {
			out = append(out, run)
		}
	}
	return out
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator replaces the UUIDv7 run id generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(s *Scheduler) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithObserver registers a run lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLimiter gates run starts with l, overriding Config.StartRate.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Scheduler) {
		s.limiter = l
	}
}

// WithUsers replaces the persona-driven simulated users.
func WithUsers(f UserFactory) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.users = f
		}
	}
}

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler runs the trials of one Definition.
type Scheduler struct {
	def      Definition
	cfg      Config
	specs    []tool.Spec
	logger   *slog.Logger
	ids      IDGenerator
	observer Observer
	limiter  *rate.Limiter
	users    UserFactory
	now      func() time.Time
}

// New validates def and cfg and builds a scheduler.
func New(def Definition, cfg Config, opts ...Option) (*Scheduler, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxTurns == 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}

	s := &Scheduler{
		def:      def,
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		ids:      UUIDv7Generator{},
		observer: nopObserver{},
		users:    PersonaUsers,
		now:      time.Now,
	}
	if cfg.StartRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.StartRate), max(cfg.StartBurst, 1))
	}
	for _, opt := range opts {
		opt(s)
	}

	s.specs = make([]tool.Spec, len(def.Tools))
	for i, spec := range def.Tools {
		spec.Invariants = append(slices.Clone(spec.Invariants), def.Invariants...)
		s.specs[i] = spec
	}
	return s, nil
}

func (s *Scheduler) storeOptions(logger *slog.Logger) []world.Option {
	opts := []world.Option{world.WithLogger(logger)}
	for _, name := range slices.Sorted(maps.Keys(s.def.Schemas)) {
		opts = append(opts, world.WithSchema(name, s.def.Schemas[name]))
	}
	return opts
}

// CheckSeed applies the seed to a scratch store.
func (s *Scheduler) CheckSeed() error {
	if err := world.New(s.storeOptions(s.logger)...).Apply(s.def.Seed); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	return nil
}

// Run executes trials runs of every scenario. The returned Result is never
// nil unless err is a configuration error. When ctx is cancelled, runs that
// had not started stay pending and Run returns ErrSchedulerAborted alongside
// the partial result.
func (s *Scheduler) Run(ctx context.Context, agent Agent, scenarios []scenario.Scenario, trials int) (*Result, error) {
	if trials < 0 || len(scenarios)*trials == 0 {
		return nil, fmt.Errorf("%w: %d scenarios x %d trials", ErrNoRuns, len(scenarios), trials)
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: agent is nil", ErrInvalidDefinition)
	}
	if err := s.CheckSeed(); err != nil {
		return nil, err
	}

	res := &Result{Name: s.def.Name, Runs: make([]RunResult, len(scenarios)*trials), Started: s.now()}
	for i := range res.Runs {
		run := &res.Runs[i]
		run.Scenario = scenarios[i/trials]
		run.Trial = i%trials + 1
		_ = transitionRunStatus(run, StatusPending)
	}
	s.logger.Info("scheduling runs",
		"suite", s.def.Name,
		"scenarios", len(scenarios),
		"trials", trials,
		"concurrency", s.cfg.Concurrency)

	var interrupted atomic.Bool
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range res.Runs {
		if ctx.Err() != nil {
			interrupted.Store(true)
			break
		}
		run := &res.Runs[i]
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(ctx); err != nil {
					interrupted.Store(true)
					return nil
				}
			}
			if ctx.Err() != nil {
				interrupted.Store(true)
				return nil
			}
			if s.execute(ctx, agent, run) {
				interrupted.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Ended = s.now()

	if interrupted.Load() {
		s.logger.Warn("scheduler aborted", "pending", res.Count(StatusPending))
		return res, fmt.Errorf("%w: %w", ErrSchedulerAborted, context.Cause(ctx))
	}
	return res, nil
}

type outcome struct {
	exhausted bool
	err       error
}

// execute performs one run and writes its terminal state. It reports whether
// the run was cut short by cancellation of ctx.
func (s *Scheduler) execute(ctx context.Context, agent Agent, run *RunResult) bool {
	run.RunID = s.ids.Generate()
	run.Started = s.now()
	_ = transitionRunStatus(run, StatusRunning)
	logger := s.logger.With("run_id", run.RunID, "scenario", run.Scenario.ID, "trial", run.Trial)
	logger.Debug("run started")
	s.observer.OnRunStart(*run)

	st := world.New(s.storeOptions(logger)...)
	tr := trace.New()
	run.Trace = tr

	status, err := s.drive(ctx, agent, run, st, tr, logger)
	// An agent abandoned at its deadline may still be running; nothing it
	// does from here on reaches the result.
	tr.Close()

	run.Snapshot = st.Snapshot()
	run.Response = tr.Final()
	run.Ended = s.now()
	run.Err = err
	var failure *Failure
	if errors.As(err, &failure) {
		run.Reasons = failure.Reasons
	}
	if terr := transitionRunStatus(run, status); terr != nil {
		logger.Error("run status", "error", terr)
	}

	attrs := []any{"status", status, "duration", run.Duration(), "tool_calls", len(tr.Calls())}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	logger.Debug("run finished", attrs...)
	s.observer.OnRunEnd(*run)
	return errors.Is(err, ErrSchedulerAborted)
}

func (s *Scheduler) drive(ctx context.Context, agent Agent, run *RunResult, st *world.Store, tr *trace.Trace, logger *slog.Logger) (RunStatus, error) {
	if err := st.Apply(s.def.Seed); err != nil {
		return StatusErrored, fmt.Errorf("apply seed: %w", err)
	}
	tools, err := tool.Bind(s.specs, st, tr, logger)
	if err != nil {
		return StatusErrored, err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
	}
	defer cancel()

	rc := &RunContext{
		RunID:    run.RunID,
		Scenario: run.Scenario,
		Trial:    run.Trial,
		Tools:    tools,
		World:    st,
	}

	o := s.invoke(runCtx, agent, rc, tr)
	run.Exhausted = o.exhausted

	if o.err != nil && runCtx.Err() != nil {
		if ctx.Err() != nil {
			tr.Fault(fmt.Errorf("%w: run %s interrupted", ErrSchedulerAborted, run.RunID))
		} else {
			tr.Fault(fmt.Errorf("%w: run %s exceeded %s", ErrRunTimeout, run.RunID, s.cfg.RunTimeout))
		}
	}
	if fault := tr.Err(); fault != nil {
		return StatusErrored, fault
	}
	if o.err != nil {
		var ae *AgentError
		if errors.As(o.err, &ae) {
			return StatusErrored, o.err
		}
		return StatusErrored, &AgentError{RunID: run.RunID, Err: o.err}
	}

	ok, err := s.def.Success(st, tr)
	var failure *Failure
	switch {
	case errors.As(err, &failure):
		return StatusFailed, failure
	case err != nil:
		return StatusErrored, fmt.Errorf("success predicate: %w", err)
	case !ok:
		return StatusFailed, nil
	}
	return StatusSucceeded, nil
}

// invoke runs the agent on its own goroutine so a run deadline is honoured
// even by an agent that ignores ctx.
func (s *Scheduler) invoke(ctx context.Context, agent Agent, rc *RunContext, tr *trace.Trace) outcome {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("%v", r)
				}
				done <- outcome{err: &AgentError{RunID: rc.RunID, Err: err, Panic: true}}
			}
		}()
		if s.cfg.SimulatedUser {
			exhausted, err := converse(ctx, agent, s.users(rc.Scenario), rc, tr, s.cfg.MaxTurns)
			done <- outcome{exhausted: exhausted, err: err}
			return
		}
		done <- outcome{err: turn(ctx, agent, rc, tr, rc.Scenario.Text)}
	}()

	select {
	case o := <-done:
		return o
	case <-ctx.Done():
		select {
		case o := <-done:
			return o
		default:
		}
		return outcome{err: ctx.Err()}
	}
}
