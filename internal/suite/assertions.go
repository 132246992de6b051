package suite

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/roach88/worldsim/internal/invariant"
	"github.com/roach88/worldsim/internal/sim"
	"github.com/roach88/worldsim/internal/trace"
	"github.com/roach88/worldsim/internal/world"
)

// Assertion validates the final world state or the trace of a run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_state": an entity exists and carries the expected fields
	// - "collection_size": a collection holds exactly Count entities
	// - "trace_contains": a call to Tool with Args appears in the trace
	// - "trace_count": Tool was called exactly Count times
	// - "trace_order": Tools were first called in this order
	// - "no_tool_errors": no call returned an error to the agent
	// - "final_response_contains": the agent's final reply contains Contains
	Type string `yaml:"type"`

	// Tool is the tool name (trace_contains, trace_count).
	Tool string `yaml:"tool,omitempty"`

	// Args are the expected call arguments (trace_contains). Subset match.
	Args map[string]any `yaml:"args,omitempty"`

	// Tools is the expected call order (trace_order).
	Tools []string `yaml:"tools,omitempty"`

	// Collection is the target collection (final_state, collection_size).
	Collection string `yaml:"collection,omitempty"`

	// ID selects the entity (final_state). Without it, Where must match
	// exactly one entity.
	ID    string         `yaml:"id,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected field values (final_state). Subset match;
	// keys may be dotted paths.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number (trace_count, collection_size).
	Count int `yaml:"count,omitempty"`

	// Contains is the expected substring (final_response_contains).
	Contains string `yaml:"contains,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState            = "final_state"
	AssertCollectionSize        = "collection_size"
	AssertTraceContains         = "trace_contains"
	AssertTraceCount            = "trace_count"
	AssertTraceOrder            = "trace_order"
	AssertNoToolErrors          = "no_tool_errors"
	AssertFinalResponseContains = "final_response_contains"
)

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("success[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if a.Collection == "" {
			return fmt.Errorf("success[%d]: collection is required for final_state", index)
		}
		if a.ID == "" && len(a.Where) == 0 {
			return fmt.Errorf("success[%d]: id or where is required for final_state", index)
		}
		if len(a.Expect) == 0 && a.ID == "" {
			return fmt.Errorf("success[%d]: expect is required for final_state without id", index)
		}
	case AssertCollectionSize:
		if a.Collection == "" {
			return fmt.Errorf("success[%d]: collection is required for collection_size", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("success[%d]: count must be non-negative for collection_size", index)
		}
	case AssertTraceContains:
		if a.Tool == "" {
			return fmt.Errorf("success[%d]: tool is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Tool == "" {
			return fmt.Errorf("success[%d]: tool is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("success[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Tools) == 0 {
			return fmt.Errorf("success[%d]: tools list is required for trace_order", index)
		}
	case AssertNoToolErrors:
	case AssertFinalResponseContains:
		if a.Contains == "" {
			return fmt.Errorf("success[%d]: contains is required for final_response_contains", index)
		}
	default:
		return fmt.Errorf("success[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// Evaluate checks every assertion and returns the failures in order.
func Evaluate(assertions []Assertion, view world.View, tr *trace.Trace) []error {
	var failures []error
	calls := tr.Calls()
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertFinalState:
			err = assertFinalState(view, a)
		case AssertCollectionSize:
			err = assertCollectionSize(view, a)
		case AssertTraceContains:
			err = assertTraceContains(calls, a)
		case AssertTraceCount:
			err = assertTraceCount(calls, a)
		case AssertTraceOrder:
			err = assertTraceOrder(calls, a)
		case AssertNoToolErrors:
			err = assertNoToolErrors(calls)
		case AssertFinalResponseContains:
			err = assertFinalResponse(tr.Final(), a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

// Predicate returns a success predicate that passes when every assertion holds.
func Predicate(assertions []Assertion) sim.Predicate {
	return func(view world.View, tr *trace.Trace) (bool, error) {
		failures := Evaluate(assertions, view, tr)
		if len(failures) == 0 {
			return true, nil
		}
		reasons := make([]string, len(failures))
		for i, f := range failures {
			reasons[i] = f.Error()
		}
		return sim.Fail(reasons...)
	}
}

func assertFinalState(view world.View, a Assertion) error {
	var entity world.Entity
	if a.ID != "" {
		e, ok := view.GetEntity(a.Collection, a.ID)
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("entity %s/%s", a.Collection, a.ID),
				Actual:   "entity not found",
			}
		}
		entity = e
	} else {
		var matches []world.Entity
		for _, e := range view.GetCollection(a.Collection).All() {
			if matchSubset(e.Data, a.Where) {
				matches = append(matches, e)
			}
		}
		switch len(matches) {
		case 0:
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("entity in %s where %s", a.Collection, formatFields(a.Where)),
				Actual:   "no entity matched",
			}
		case 1:
			entity = matches[0]
		default:
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("exactly one entity in %s where %s", a.Collection, formatFields(a.Where)),
				Actual:   fmt.Sprintf("%d entities matched (assertion is ambiguous)", len(matches)),
			}
		}
	}

	for _, key := range slices.Sorted(maps.Keys(a.Expect)) {
		want := a.Expect[key]
		got, ok := entity.Field(key)
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s/%s field %q = %v", a.Collection, entity.ID, key, want),
				Actual:   "field absent",
			}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s/%s field %q = %v", a.Collection, entity.ID, key, want),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	return nil
}

func assertCollectionSize(view world.View, a Assertion) error {
	if n := view.GetCollection(a.Collection).Len(); n != a.Count {
		return &AssertionError{
			Type:     AssertCollectionSize,
			Expected: fmt.Sprintf("%d entities in %s", a.Count, a.Collection),
			Actual:   fmt.Sprintf("%d", n),
		}
	}
	return nil
}

// assertTraceContains checks for a call matching the tool and args (subset match).
func assertTraceContains(calls []trace.CallRecord, a Assertion) error {
	for _, c := range calls {
		if c.Tool == a.Tool && matchSubset(c.Input, a.Args) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("call to %s with args %s", a.Tool, formatFields(a.Args)),
		Actual:   "not found in trace",
	}
}

func assertTraceCount(calls []trace.CallRecord, a Assertion) error {
	count := 0
	for _, c := range calls {
		if c.Tool == a.Tool {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d calls to %s", a.Count, a.Tool),
			Actual:   fmt.Sprintf("%d calls", count),
		}
	}
	return nil
}

// assertTraceOrder checks first-call positions. Intervening calls are allowed.
func assertTraceOrder(calls []trace.CallRecord, a Assertion) error {
	positions := make(map[string]int)
	for i, c := range calls {
		if _, seen := positions[c.Tool]; !seen {
			positions[c.Tool] = i + 1
		}
	}

	for _, name := range a.Tools {
		if positions[name] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all tools called: %v", a.Tools),
				Actual:   fmt.Sprintf("missing call: %s", name),
			}
		}
	}
	for i := 1; i < len(a.Tools); i++ {
		prev, curr := a.Tools[i-1], a.Tools[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("calls in order: %v", a.Tools),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
			}
		}
	}
	return nil
}

func assertNoToolErrors(calls []trace.CallRecord) error {
	for _, c := range calls {
		if c.Failed() {
			return &AssertionError{
				Type:     AssertNoToolErrors,
				Expected: "no failed tool calls",
				Actual:   fmt.Sprintf("call %d to %s failed at %s: %s", c.Seq, c.Tool, c.Stage, c.Error),
			}
		}
	}
	return nil
}

func assertFinalResponse(final string, a Assertion) error {
	if !strings.Contains(final, a.Contains) {
		return &AssertionError{
			Type:     AssertFinalResponseContains,
			Expected: fmt.Sprintf("final response containing %q", a.Contains),
			Actual:   fmt.Sprintf("%q", final),
		}
	}
	return nil
}

// matchSubset checks that actual carries every expected key with an equal
// value. Extra keys in actual are ignored.
func matchSubset(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares numbers by value and nested maps by subset.
func valuesEqual(actual, expected any) bool {
	if an, ok := invariant.Numeric(actual); ok {
		en, ok := invariant.Numeric(expected)
		return ok && an == en
	}
	if am, ok := actual.(map[string]any); ok {
		em, ok := expected.(map[string]any)
		return ok && matchSubset(am, em)
	}
	return reflect.DeepEqual(actual, expected)
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return "(any)"
	}
	parts := make([]string, 0, len(fields))
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, ", ")
}
