package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldsim/internal/contract"
	"github.com/roach88/worldsim/internal/invariant"
	"github.com/roach88/worldsim/internal/scenario"
	"github.com/roach88/worldsim/internal/testutil"
	"github.com/roach88/worldsim/internal/tool"
	"github.com/roach88/worldsim/internal/trace"
	"github.com/roach88/worldsim/internal/world"
)

func bookFlightSpec() tool.Spec {
	return tool.Spec{
		Name:        "book_flight",
		Description: "Book one seat on a flight",
		Func: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"booking_id": args["booking_id"], "flight_id": args["flight_id"]}, nil
		},
		Contract: contract.MustCompileCUE("booking_id: string\nflight_id: string"),
		Derive: func(in tool.Input, view world.View) ([]world.Effect, error) {
			out := in.Output.(map[string]any)
			flightID := out["flight_id"].(string)
			flight, ok := view.GetEntity("flights", flightID)
			if !ok {
				return nil, fmt.Errorf("unknown flight %s", flightID)
			}
			seats, _ := invariant.Numeric(flight.Data["seatsAvailable"])
			return []world.Effect{
				world.Create("bookings", out["booking_id"].(string), map[string]any{"flight": flightID}),
				world.Update("flights", flightID, map[string]any{"seatsAvailable": int(seats) - 1}),
			}, nil
		},
	}
}

func flightDefinition(seats int) Definition {
	return Definition{
		Name:  "flights",
		Tools: []tool.Spec{bookFlightSpec()},
		Invariants: []invariant.Invariant{
			{Collection: "flights", Field: "seatsAvailable", Condition: invariant.GTE, Threshold: 0},
		},
		Seed: []world.Effect{
			world.Create("flights", "F1", map[string]any{"seatsAvailable": seats}),
		},
		Success: func(view world.View, _ *trace.Trace) (bool, error) {
			if n := view.GetCollection("bookings").Len(); n != 1 {
				return Fail(fmt.Sprintf("want 1 booking, have %d", n))
			}
			return true, nil
		},
	}
}

// bookingAgent books n seats on F1 and ignores tool errors.
func bookingAgent(n int) Agent {
	return AgentFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		for i := range n {
			_, _ = rc.Tools.Call(ctx, "book_flight", map[string]any{
				"booking_id": fmt.Sprintf("%s-b%d", rc.RunID, i),
				"flight_id":  "F1",
			})
		}
		return "booked", nil
	})
}

func scenarios(n int) []scenario.Scenario {
	out := make([]scenario.Scenario, n)
	for i := range out {
		out[i] = scenario.Scenario{ID: fmt.Sprintf("scenario-%03d", i+1), Text: "Book one seat on F1"}
	}
	return out
}

func newScheduler(t *testing.T, def Definition, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithIDGenerator(testutil.NewSequentialGenerator("run"))}, opts...)
	s, err := New(def, cfg, opts...)
	require.NoError(t, err)
	return s
}

func TestScheduler_FiveScenariosFourTrials(t *testing.T) {
	s := newScheduler(t, flightDefinition(10), Config{Concurrency: 4})

	res, err := s.Run(context.Background(), bookingAgent(1), scenarios(5), 4)
	require.NoError(t, err)
	require.Len(t, res.Runs, 20)
	assert.Equal(t, 20, res.Count(StatusSucceeded))

	ids := make(map[string]bool)
	for i, run := range res.Runs {
		assert.Equal(t, fmt.Sprintf("scenario-%03d", i/4+1), run.Scenario.ID)
		assert.Equal(t, i%4+1, run.Trial)
		assert.NoError(t, run.Err)
		assert.Equal(t, "booked", run.Response)
		assert.Equal(t, 1, run.Snapshot.Count("bookings"), "runs do not share a store")
		assert.False(t, ids[run.RunID], "duplicate run id %s", run.RunID)
		ids[run.RunID] = true
	}
}

func TestScheduler_InvariantViolationErrorsRun(t *testing.T) {
	s := newScheduler(t, flightDefinition(1), Config{})

	res, err := s.Run(context.Background(), bookingAgent(2), scenarios(1), 1)
	require.NoError(t, err)

	run := res.Runs[0]
	assert.Equal(t, StatusErrored, run.Status)
	assert.ErrorIs(t, run.Err, invariant.ErrInvariantViolation)

	flight, ok := run.Snapshot.Find("flights", "F1")
	require.True(t, ok)
	assert.Equal(t, 0, flight.Data["seatsAvailable"], "the violating batch is never committed")
	assert.Equal(t, 1, run.Snapshot.Count("bookings"))

	calls := run.Trace.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, trace.StageInvariant, calls[1].Stage)
	assert.Len(t, calls[1].Effects, 2, "the rejected effects are kept for diagnosis")
}

func TestScheduler_FailedPredicateRecordsReasons(t *testing.T) {
	s := newScheduler(t, flightDefinition(5), Config{})

	res, err := s.Run(context.Background(), bookingAgent(0), scenarios(1), 2)
	require.NoError(t, err)

	for _, run := range res.Runs {
		assert.Equal(t, StatusFailed, run.Status)
		assert.Equal(t, []string{"want 1 booking, have 0"}, run.Reasons)
	}
}

func TestScheduler_PredicateErrorIsErrored(t *testing.T) {
	def := flightDefinition(5)
	def.Success = func(world.View, *trace.Trace) (bool, error) {
		return false, errors.New("boom")
	}
	s := newScheduler(t, def, Config{})

	res, err := s.Run(context.Background(), bookingAgent(1), scenarios(1), 1)
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, res.Runs[0].Status)
	assert.ErrorContains(t, res.Runs[0].Err, "success predicate: boom")
}

func TestScheduler_AgentErrorAndPanic(t *testing.T) {
	tests := []struct {
		name      string
		agent     Agent
		wantPanic bool
	}{
		{
			name: "error",
			agent: AgentFunc(func(context.Context, *RunContext) (string, error) {
				return "", errors.New("model unavailable")
			}),
		},
		{
			name: "panic",
			agent: AgentFunc(func(context.Context, *RunContext) (string, error) {
				panic("nil map")
			}),
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(t, flightDefinition(5), Config{})
			res, err := s.Run(context.Background(), tt.agent, scenarios(1), 1)
			require.NoError(t, err)

			run := res.Runs[0]
			assert.Equal(t, StatusErrored, run.Status)
			assert.ErrorIs(t, run.Err, ErrAgentExecution)

			var ae *AgentError
			require.True(t, errors.As(run.Err, &ae))
			assert.Equal(t, tt.wantPanic, ae.Panic)
			assert.Equal(t, run.RunID, ae.RunID)
		})
	}
}

func TestScheduler_RunTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	tests := []struct {
		name  string
		agent Agent
	}{
		{
			name: "cooperative",
			agent: AgentFunc(func(ctx context.Context, _ *RunContext) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}),
		},
		{
			name: "ignores context",
			agent: AgentFunc(func(context.Context, *RunContext) (string, error) {
				<-release
				return "late", nil
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(t, flightDefinition(5), Config{RunTimeout: 20 * time.Millisecond})
			res, err := s.Run(context.Background(), tt.agent, scenarios(1), 1)
			require.NoError(t, err)

			assert.Equal(t, StatusErrored, res.Runs[0].Status)
			assert.ErrorIs(t, res.Runs[0].Err, ErrRunTimeout)
		})
	}
}

func TestScheduler_AbandonedAgentCannotChangeResult(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})

	def := flightDefinition(5)
	def.Tools = []tool.Spec{{
		Name: "slow_lookup",
		Func: func(context.Context, map[string]any) (any, error) {
			<-release
			return "found", nil
		},
	}}
	def.Success = func(world.View, *trace.Trace) (bool, error) { return true, nil }
	agent := AgentFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		defer close(finished)
		_, _ = rc.Tools.Call(ctx, "slow_lookup", nil)
		return "late", nil
	})

	s := newScheduler(t, def, Config{RunTimeout: 20 * time.Millisecond})
	res, err := s.Run(context.Background(), agent, scenarios(1), 1)
	require.NoError(t, err)

	run := res.Runs[0]
	require.Equal(t, StatusErrored, run.Status)
	require.ErrorIs(t, run.Err, ErrRunTimeout)
	digest, err := run.Trace.Digest()
	require.NoError(t, err)

	close(release)
	<-finished

	assert.Empty(t, run.Trace.Calls(), "the in-flight call finished after the run ended")
	assert.Never(t, func() bool { return run.Trace.Final() != "" }, 50*time.Millisecond, 5*time.Millisecond)
	after, err := run.Trace.Digest()
	require.NoError(t, err)
	assert.Equal(t, digest, after)
}

type cancelOnEnd context.CancelFunc

func (cancelOnEnd) OnRunStart(RunResult) {}
func (c cancelOnEnd) OnRunEnd(RunResult) { c() }

func TestScheduler_CancellationLeavesUnstartedRunsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := newScheduler(t, flightDefinition(5), Config{Concurrency: 1}, WithObserver(cancelOnEnd(cancel)))

	res, err := s.Run(ctx, bookingAgent(1), scenarios(3), 1)
	require.ErrorIs(t, err, ErrSchedulerAborted)
	require.NotNil(t, res)

	assert.Equal(t, StatusSucceeded, res.Runs[0].Status, "completed results are untouched")
	assert.Equal(t, StatusPending, res.Runs[1].Status)
	assert.Equal(t, StatusPending, res.Runs[2].Status)
	assert.Empty(t, res.Runs[1].RunID)
	assert.Len(t, res.Terminal(), 1)
}

func TestScheduler_CancellationInterruptsRunningRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent := AgentFunc(func(ctx context.Context, _ *RunContext) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	})
	s := newScheduler(t, flightDefinition(5), Config{})

	res, err := s.Run(ctx, agent, scenarios(1), 1)
	require.ErrorIs(t, err, ErrSchedulerAborted)
	assert.Equal(t, StatusErrored, res.Runs[0].Status)
	assert.ErrorIs(t, res.Runs[0].Err, ErrSchedulerAborted)
}

func TestScheduler_ConfigurationErrors(t *testing.T) {
	s := newScheduler(t, flightDefinition(5), Config{})

	_, err := s.Run(context.Background(), bookingAgent(1), nil, 3)
	assert.ErrorIs(t, err, ErrNoRuns)
	_, err = s.Run(context.Background(), bookingAgent(1), scenarios(2), 0)
	assert.ErrorIs(t, err, ErrNoRuns)

	def := flightDefinition(5)
	def.Success = nil
	_, err = New(def, Config{})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.ErrorContains(t, err, "success predicate is required")

	def = flightDefinition(5)
	def.Tools = append(def.Tools, bookFlightSpec())
	_, err = New(def, Config{})
	assert.ErrorIs(t, err, tool.ErrToolDuplicate)

	_, err = New(flightDefinition(5), Config{Concurrency: -1})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestScheduler_SeedFailureIsFatal(t *testing.T) {
	def := flightDefinition(5)
	def.Seed = append(def.Seed, world.Create("flights", "F1", map[string]any{"seatsAvailable": 1}))
	s := newScheduler(t, def, Config{})

	res, err := s.Run(context.Background(), bookingAgent(1), scenarios(1), 1)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, world.ErrDuplicateEntity)
	assert.ErrorContains(t, err, "apply seed")
}

func TestScheduler_SimulatedUserConversation(t *testing.T) {
	agent := AgentFunc(func(ctx context.Context, rc *RunContext) (string, error) {
		if rc.LastUserMessage() != "confirm" {
			return "Shall I book F1?", nil
		}
		if _, err := rc.Tools.Call(ctx, "book_flight", map[string]any{"booking_id": "B1", "flight_id": "F1"}); err != nil {
			return "", err
		}
		return "Booked B1", nil
	})
	sc := scenario.Scenario{
		ID:      "scenario-001",
		Text:    "I need a seat on F1",
		Persona: &scenario.Persona{Name: "careful", Replies: []string{"which flight?", "confirm", "thanks"}, DoneWhen: "Booked"},
	}

	t.Run("done predicate ends conversation", func(t *testing.T) {
		s := newScheduler(t, flightDefinition(5), Config{SimulatedUser: true, MaxTurns: 5})
		res, err := s.Run(context.Background(), agent, []scenario.Scenario{sc}, 1)
		require.NoError(t, err)

		run := res.Runs[0]
		assert.Equal(t, StatusSucceeded, run.Status)
		assert.False(t, run.Exhausted)
		assert.Equal(t, "Booked B1", run.Response)
		assert.Equal(t, []trace.Turn{
			{Role: trace.RoleUser, Content: "I need a seat on F1"},
			{Role: trace.RoleAgent, Content: "Shall I book F1?"},
			{Role: trace.RoleUser, Content: "which flight?"},
			{Role: trace.RoleAgent, Content: "Shall I book F1?"},
			{Role: trace.RoleUser, Content: "confirm"},
			{Role: trace.RoleAgent, Content: "Booked B1"},
		}, run.Trace.Turns())
	})

	t.Run("budget exhaustion is not an error", func(t *testing.T) {
		s := newScheduler(t, flightDefinition(5), Config{SimulatedUser: true, MaxTurns: 2})
		res, err := s.Run(context.Background(), agent, []scenario.Scenario{sc}, 1)
		require.NoError(t, err)

		run := res.Runs[0]
		assert.True(t, run.Exhausted)
		assert.Equal(t, StatusFailed, run.Status, "predicate still decides")
		assert.NoError(t, run.Trace.Err())
		assert.Len(t, run.Trace.Turns(), 4)
	})
}

type recordingObserver struct {
	mu     sync.Mutex
	starts []string
	ends   map[string]RunStatus
}

func (o *recordingObserver) OnRunStart(run RunResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, run.RunID)
}

func (o *recordingObserver) OnRunEnd(run RunResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends[run.RunID] = run.Status
}

func TestScheduler_ObserverAndClock(t *testing.T) {
	obs := &recordingObserver{ends: make(map[string]RunStatus)}
	clock := testutil.NewStepClock(time.Second)
	s := newScheduler(t, flightDefinition(5), Config{},
		WithObserver(obs),
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewFixedGenerator("run-a", "run-b")))

	res, err := s.Run(context.Background(), bookingAgent(1), scenarios(1), 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"run-a", "run-b"}, obs.starts)
	assert.Equal(t, map[string]RunStatus{"run-a": StatusSucceeded, "run-b": StatusSucceeded}, obs.ends)
	assert.Equal(t, testutil.Epoch, res.Started)
	assert.Equal(t, time.Second, res.Runs[0].Duration())
}

func TestScheduler_StartRateBuildsLimiter(t *testing.T) {
	s := newScheduler(t, flightDefinition(5), Config{StartRate: 1000, Concurrency: 2})
	require.NotNil(t, s.limiter)

	res, err := s.Run(context.Background(), bookingAgent(1), scenarios(2), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count(StatusSucceeded))
}

func TestRunStatusTransitions(t *testing.T) {
	assert.NoError(t, validateRunStatusTransition("", StatusPending))
	assert.NoError(t, validateRunStatusTransition(StatusRunning, StatusFailed))

	err := validateRunStatusTransition(StatusPending, StatusSucceeded)
	assert.ErrorIs(t, err, ErrInvalidRunStateTransition)
	assert.ErrorContains(t, err, "pending -> succeeded")

	err = validateRunStatusTransition(StatusSucceeded, StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidRunStateTransition)

	assert.True(t, StatusErrored.Terminal())
	assert.False(t, StatusPending.Terminal())
}

func TestTurnBudget(t *testing.T) {
	b := NewTurnBudget("run-1", 2)
	require.NoError(t, b.Check())
	require.NoError(t, b.Check())

	err := b.Check()
	assert.True(t, IsTurnsExceeded(err))
	assert.True(t, strings.Contains(err.Error(), "3 turns > 2 limit"))
	assert.Equal(t, 3, b.Used())
}

func TestPersonaUser(t *testing.T) {
	u := NewPersonaUser(&scenario.Persona{Replies: []string{"one"}, DoneWhen: "bye"})
	ctx := context.Background()

	r, err := u.Respond(ctx, Conversation{Turns: []trace.Turn{{Role: trace.RoleAgent, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, Reply{Message: "one"}, r)

	r, err = u.Respond(ctx, Conversation{})
	require.NoError(t, err)
	assert.True(t, r.Done, "replies exhausted")

	r, err = NewPersonaUser(&scenario.Persona{Replies: []string{"x"}, DoneWhen: "bye"}).
		Respond(ctx, Conversation{Turns: []trace.Turn{{Role: trace.RoleAgent, Content: "ok bye"}}})
	require.NoError(t, err)
	assert.True(t, r.Done)
}
