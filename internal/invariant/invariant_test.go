package invariant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldsim/internal/world"
)

var seatsNonNegative = Invariant{
	Collection: "flights",
	Field:      "seatsAvailable",
	Condition:  GTE,
	Threshold:  0,
}

func storeWith(t *testing.T, effects ...world.Effect) *world.Store {
	t.Helper()
	st := world.New()
	require.NoError(t, st.Apply(effects))
	return st
}

func TestCheck_ZeroSatisfiesGTEZero(t *testing.T) {
	st := storeWith(t, world.Create("flights", "F1", map[string]any{"seatsAvailable": 0}))
	assert.NoError(t, Check([]Invariant{seatsNonNegative}, st))
}

func TestCheck_NegativeViolatesGTEZero(t *testing.T) {
	st := storeWith(t,
		world.Create("flights", "F1", map[string]any{"seatsAvailable": 2}),
		world.Create("flights", "F2", map[string]any{"seatsAvailable": -1}),
	)

	err := Check([]Invariant{seatsNonNegative}, st)
	require.Error(t, err)
	assert.True(t, IsViolation(err))

	var ve *ViolationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "F2", ve.EntityID)
	assert.Equal(t, -1, ve.Observed)
	assert.True(t, ve.Present)
	assert.Contains(t, err.Error(), "observed -1, want >= 0")
}

func TestCheck_AbsentFieldViolates(t *testing.T) {
	st := storeWith(t, world.Create("flights", "F1", map[string]any{"origin": "SFO"}))

	var ve *ViolationError
	require.ErrorAs(t, Check([]Invariant{seatsNonNegative}, st), &ve)
	assert.False(t, ve.Present)
	assert.Contains(t, ve.Error(), "absent")
}

func TestCheck_EmptyCollectionHolds(t *testing.T) {
	assert.NoError(t, Check([]Invariant{seatsNonNegative}, world.New()))
}

func TestCheck_Conditions(t *testing.T) {
	tests := []struct {
		cond      Condition
		observed  any
		threshold any
		holds     bool
	}{
		{GT, 1, 0, true},
		{GT, 0, 0, false},
		{LTE, 5, 5.0, true},
		{LT, int64(4), 5, true},
		{LT, 5, 5, false},
		{EQ, "confirmed", "confirmed", true},
		{EQ, 2.0, 2, true},
		{NE, "cancelled", "confirmed", true},
		{NE, 3, 3, false},
		{GTE, "ten", 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.cond), func(t *testing.T) {
			st := storeWith(t, world.Create("c", "1", map[string]any{"f": tt.observed}))
			err := Check([]Invariant{{Collection: "c", Field: "f", Condition: tt.cond, Threshold: tt.threshold}}, st)
			if tt.holds {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvariantViolation)
			}
		})
	}
}

func TestCheck_NestedField(t *testing.T) {
	st := storeWith(t, world.Create("orders", "O1", map[string]any{
		"pricing": map[string]any{"total": 30},
	}))
	inv := Invariant{Collection: "orders", Field: "pricing.total", Condition: LTE, Threshold: 25}

	assert.ErrorIs(t, Check([]Invariant{inv}, st), ErrInvariantViolation)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]Invariant{seatsNonNegative}))

	err := Validate([]Invariant{
		{Field: "f", Condition: GTE, Threshold: 0},
		{Collection: "c", Field: "f", Condition: "between", Threshold: 0},
		{Collection: "c", Field: "f", Condition: LT, Threshold: "zero"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invariants[0]: collection is required")
	assert.Contains(t, err.Error(), `invariants[1]: unknown condition "between"`)
	assert.Contains(t, err.Error(), "invariants[2]: lt requires a numeric threshold")
}

func TestInvariant_String(t *testing.T) {
	assert.Equal(t, "flights.seatsAvailable >= 0", seatsNonNegative.String())
	named := seatsNonNegative
	named.Name = "no-oversell"
	assert.Equal(t, "no-oversell", named.String())
}
