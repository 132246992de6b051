package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/worldsim/internal/contract"
	"github.com/roach88/worldsim/internal/invariant"
	"github.com/roach88/worldsim/internal/trace"
	"github.com/roach88/worldsim/internal/world"
)

// ErrRunHalted is returned by every wrapped call once a run-terminating fault
// has been latched on the run's trace.
var ErrRunHalted = errors.New("run halted")

// Func is an agent-facing tool. The result is handed back to the agent verbatim.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Input is what a derivation function sees of a call: the arguments the
// agent passed and the output that already passed the contract.
type Input struct {
	Args   map[string]any
	Output any
}

// DeriveFunc maps a validated call to the effects it has on the world.
// The view reflects the state before this call's effects. It runs under the
// store's write lock and must read only through view.
type DeriveFunc func(in Input, view world.View) ([]world.Effect, error)

// Spec declares one tool: its identity, the function to call, and how its
// output is validated and turned into effects.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any

	Func       Func
	Contract   contract.Contract
	Derive     DeriveFunc
	Invariants []invariant.Invariant
}

// Definition returns the agent-facing descriptor for the tool.
func (s Spec) Definition() Definition {
	return Definition{Name: s.Name, Description: s.Description, Parameters: s.Parameters}
}

// ExecutionError is the error a wrapped call returns to the agent. It
// unwraps to the taxonomy error of the failing stage.
type ExecutionError struct {
	Tool  string
	Stage trace.Stage
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed at %s: %v", e.Tool, e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Wrap decorates spec.Func. Each call runs these steps in order:
//
//  1. call the underlying function
//  2. validate the output against spec.Contract
//  3. derive effects from the output and a read-only view of st
//  4. apply the effects as one atomic batch, checking spec.Invariants
//     against the staged state before it is committed
//
// and returns the raw output unchanged. Steps 3 and 4 hold the store's write
// lock, so concurrent calls within a run are serialized. Every failure leaves the agent with
// an *ExecutionError and the store untouched; a batch that would break an
// invariant is never committed. An invariant violation is also latched on tr
// so the run is terminated even if the agent ignores the error. Once tr
// holds a fault, calls fail with ErrRunHalted at the stage of that fault.
func Wrap(spec Spec, st *world.Store, tr *trace.Trace, logger *slog.Logger) Func {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("tool", spec.Name)

	return func(ctx context.Context, args map[string]any) (any, error) {
		if fault := tr.Err(); fault != nil {
			return nil, &ExecutionError{Tool: spec.Name, Stage: haltStage(fault), Err: fmt.Errorf("%w: %w", ErrRunHalted, fault)}
		}

		started := time.Now()
		rec := trace.CallRecord{Tool: spec.Name, Input: args}
		fail := func(stage trace.Stage, err error) (any, error) {
			rec.Stage = stage
			rec.Error = err.Error()
			rec.Duration = time.Since(started)
			tr.Record(rec)
			execErr := &ExecutionError{Tool: spec.Name, Stage: stage, Err: err}
			if stage == trace.StageInvariant {
				tr.Fault(execErr)
			}
			logger.Debug("tool call failed", "stage", stage, "error", err)
			return nil, execErr
		}

		output, err := invoke(ctx, spec.Func, args)
		if err != nil {
			return fail(trace.StageCall, err)
		}
		rec.Output = output

		if err := contract.Check(spec.Name, spec.Contract, output); err != nil {
			return fail(trace.StageContract, err)
		}

		var deriveErr, violation error
		err = st.Transact(func(view world.View) ([]world.Effect, error) {
			if spec.Derive == nil {
				return nil, nil
			}
			effects, err := spec.Derive(Input{Args: args, Output: output}, view)
			if err != nil {
				deriveErr = err
				return nil, err
			}
			rec.Effects = effects
			return effects, nil
		}, func(view world.View) error {
			violation = invariant.Check(spec.Invariants, view)
			return violation
		})
		switch {
		case deriveErr != nil:
			return fail(trace.StageDerive, deriveErr)
		case violation != nil:
			return fail(trace.StageInvariant, violation)
		case err != nil:
			return fail(trace.StageApply, err)
		}

		rec.Duration = time.Since(started)
		tr.Record(rec)
		logger.Debug("tool call applied", "effects", len(rec.Effects), "world_version", st.Version())
		return output, nil
	}
}

// haltStage is the stage of a latched wrapper fault. Faults latched by the
// scheduler (deadline, cancellation) stop calls before they are made.
func haltStage(fault error) trace.Stage {
	var execErr *ExecutionError
	if errors.As(fault, &execErr) {
		return execErr.Stage
	}
	return trace.StageCall
}

// invoke calls fn and converts a panic into a call-stage error.
func invoke(ctx context.Context, fn Func, args map[string]any) (out any, err error) {
	if fn == nil {
		return nil, ErrNilHandler
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}
