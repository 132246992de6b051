package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldsim/internal/contract"
	"github.com/roach88/worldsim/internal/invariant"
	"github.com/roach88/worldsim/internal/trace"
	"github.com/roach88/worldsim/internal/world"
)

// bookFlight echoes its arguments as a booking confirmation.
func bookFlight(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"booking_id": args["booking_id"], "flight_id": args["flight_id"]}, nil
}

func decrementSeats(in Input, view world.View) ([]world.Effect, error) {
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
}

func bookingSpec() Spec {
	return Spec{
		Name:     "book_flight",
		Func:     bookFlight,
		Contract: contract.MustCompileCUE("booking_id: string\nflight_id: string"),
		Derive:   decrementSeats,
		Invariants: []invariant.Invariant{
			{Collection: "flights", Field: "seatsAvailable", Condition: invariant.GTE, Threshold: 0},
		},
	}
}

func flightWorld(t *testing.T, seats int) *world.Store {
	t.Helper()
	st := world.New()
	require.NoError(t, st.Apply([]world.Effect{
		world.Create("flights", "F1", map[string]any{"seatsAvailable": seats}),
	}))
	return st
}

func TestWrap_OversellIsInvariantViolation(t *testing.T) {
	st := flightWorld(t, 1)
	tr := trace.New()
	book := Wrap(bookingSpec(), st, tr, nil)
	ctx := context.Background()

	out, err := book(ctx, map[string]any{"booking_id": "B1", "flight_id": "F1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"booking_id": "B1", "flight_id": "F1"}, out, "raw output is returned unchanged")

	flight, _ := st.GetEntity("flights", "F1")
	assert.Equal(t, 0, flight.Data["seatsAvailable"])
	assert.NoError(t, tr.Err())

	_, err = book(ctx, map[string]any{"booking_id": "B2", "flight_id": "F1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, invariant.ErrInvariantViolation)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, trace.StageInvariant, execErr.Stage)
	assert.ErrorIs(t, tr.Err(), invariant.ErrInvariantViolation, "violation is latched on the trace")

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, trace.StageInvariant, calls[1].Stage)
	assert.Len(t, calls[1].Effects, 2, "rejected effects are kept on the record")

	flight, _ = st.GetEntity("flights", "F1")
	assert.Equal(t, 0, flight.Data["seatsAvailable"], "the violating batch is never committed")
	assert.Equal(t, 1, st.GetCollection("bookings").Len())
	assert.Equal(t, int64(2), st.Version())
}

func TestWrap_HaltsAfterViolation(t *testing.T) {
	st := flightWorld(t, 0)
	tr := trace.New()
	book := Wrap(bookingSpec(), st, tr, nil)

	_, err := book(context.Background(), map[string]any{"booking_id": "B1", "flight_id": "F1"})
	require.ErrorIs(t, err, invariant.ErrInvariantViolation)

	_, err = book(context.Background(), map[string]any{"booking_id": "B2", "flight_id": "F1"})
	assert.ErrorIs(t, err, ErrRunHalted)
	assert.ErrorIs(t, err, invariant.ErrInvariantViolation)
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, trace.StageInvariant, execErr.Stage)
	assert.Len(t, tr.Calls(), 1, "halted calls are not recorded")
}

func TestWrap_HaltsOnSchedulerFault(t *testing.T) {
	st := flightWorld(t, 3)
	tr := trace.New()
	deadline := errors.New("run exceeded 1s")
	tr.Fault(deadline)
	book := Wrap(bookingSpec(), st, tr, nil)

	_, err := book(context.Background(), map[string]any{"booking_id": "B1", "flight_id": "F1"})
	require.ErrorIs(t, err, ErrRunHalted)
	assert.ErrorIs(t, err, deadline)
	assert.NotErrorIs(t, err, invariant.ErrInvariantViolation)
	assert.Equal(t, "tool book_flight failed at call: run halted: run exceeded 1s", err.Error())

	flight, _ := st.GetEntity("flights", "F1")
	assert.Equal(t, 3, flight.Data["seatsAvailable"])
	assert.Empty(t, tr.Calls())
}

func TestWrap_ConcurrentCallsNeverOversell(t *testing.T) {
	st := flightWorld(t, 3)
	tr := trace.New()
	book := Wrap(bookingSpec(), st, tr, nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := book(context.Background(), map[string]any{"booking_id": fmt.Sprintf("B%d", i), "flight_id": "F1"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	flight, _ := st.GetEntity("flights", "F1")
	assert.Equal(t, 0, flight.Data["seatsAvailable"], "no update is lost and none overshoots")
	assert.Equal(t, 3, st.GetCollection("bookings").Len())
	assert.Equal(t, int64(4), st.Version())
	assert.ErrorIs(t, tr.Err(), invariant.ErrInvariantViolation)
}

func TestWrap_ContractViolationLeavesWorldUntouched(t *testing.T) {
	st := flightWorld(t, 3)
	tr := trace.New()
	spec := bookingSpec()
	spec.Func = func(context.Context, map[string]any) (any, error) {
		return map[string]any{"flight_id": "F1"}, nil
	}
	derived := false
	spec.Derive = func(Input, world.View) ([]world.Effect, error) {
		derived = true
		return nil, nil
	}

	_, err := Wrap(spec, st, tr, nil)(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, contract.ErrOutputContractViolation)
	assert.False(t, derived, "derivation must not run on invalid output")
	assert.Equal(t, 0, st.GetCollection("bookings").Len())
	assert.Equal(t, int64(1), st.Version())
	assert.NoError(t, tr.Err(), "contract violations do not terminate the run")
}

func TestWrap_ApplyFailureIsReported(t *testing.T) {
	st := flightWorld(t, 5)
	tr := trace.New()
	book := Wrap(bookingSpec(), st, tr, nil)
	args := map[string]any{"booking_id": "B1", "flight_id": "F1"}

	_, err := book(context.Background(), args)
	require.NoError(t, err)

	_, err = book(context.Background(), args)
	assert.ErrorIs(t, err, world.ErrDuplicateEntity)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, trace.StageApply, execErr.Stage)

	flight, _ := st.GetEntity("flights", "F1")
	assert.Equal(t, 4, flight.Data["seatsAvailable"], "rejected batch leaves seats untouched")
}

func TestWrap_CallAndDeriveFailures(t *testing.T) {
	st := flightWorld(t, 1)
	tr := trace.New()

	failing := bookingSpec()
	failing.Func = func(context.Context, map[string]any) (any, error) { return nil, errors.New("backend down") }
	_, err := Wrap(failing, st, tr, nil)(context.Background(), nil)
	assert.ErrorContains(t, err, "failed at call: backend down")

	panicking := bookingSpec()
	panicking.Func = func(context.Context, map[string]any) (any, error) { panic("boom") }
	_, err = Wrap(panicking, st, tr, nil)(context.Background(), nil)
	assert.ErrorContains(t, err, "tool panicked: boom")

	_, err = Wrap(bookingSpec(), st, tr, nil)(context.Background(), map[string]any{"booking_id": "B1", "flight_id": "F9"})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, trace.StageDerive, execErr.Stage)

	assert.Len(t, tr.Calls(), 3)
	assert.NoError(t, tr.Err())
}

func TestWrap_NoDeriveAppliesNothing(t *testing.T) {
	st := flightWorld(t, 1)
	spec := Spec{Name: "lookup", Func: func(context.Context, map[string]any) (any, error) { return "ok", nil }}

	out, err := Wrap(spec, st, trace.New(), nil)(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int64(1), st.Version())
}
