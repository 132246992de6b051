package suite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/worldsim/internal/tool"
	"github.com/roach88/worldsim/internal/world"
)

func TestResolve(t *testing.T) {
	scope := map[string]any{
		refArgs:   map[string]any{"flight_id": "F1", "pax": map[string]any{"name": "ada"}},
		refOutput: map[string]any{"booking_id": "B7"},
	}

	got, err := resolve(map[string]any{
		"id":      "output.booking_id",
		"flight":  "args.flight_id",
		"name":    "args.pax.name",
		"literal": "argsfoo",
		"list":    []any{"args.flight_id", 3},
		"count":   2,
	}, scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id":      "B7",
		"flight":  "F1",
		"name":    "ada",
		"literal": "argsfoo",
		"list":    []any{"F1", 3},
		"count":   2,
	}, got)

	_, err = resolve("args.missing", scope)
	assert.ErrorContains(t, err, `unresolved reference "args.missing"`)

	_, err = resolve("output.booking_id", map[string]any{refArgs: map[string]any{}})
	assert.ErrorContains(t, err, "output is not available here")
}

func TestToolDef_CallAndDerive(t *testing.T) {
	def := ToolDef{
		Name:     "book_flight",
		Response: map[string]any{"booking_id": "args.booking_id", "flight_id": "args.flight_id"},
		Effects: []EffectTemplate{
			{Op: world.OpCreate, Collection: "bookings", ID: "output.booking_id", Data: map[string]any{"flight": "output.flight_id"}},
			{Op: world.OpUpdate, Collection: "flights", ID: "output.flight_id", Increment: map[string]any{"seatsAvailable": -1}},
		},
	}

	args := map[string]any{"booking_id": "B1", "flight_id": "F1"}
	out, err := def.call(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, args, out)

	st := world.New()
	require.NoError(t, st.Apply([]world.Effect{world.Create("flights", "F1", map[string]any{"seatsAvailable": 3})}))

	effects, err := def.derive(tool.Input{Args: args, Output: out}, st)
	require.NoError(t, err)
	assert.Equal(t, []world.Effect{
		world.Create("bookings", "B1", map[string]any{"flight": "F1"}),
		world.Update("flights", "F1", map[string]any{"seatsAvailable": 2}),
	}, effects)
}

func TestToolDef_CallEchoesAndFails(t *testing.T) {
	out, err := ToolDef{Name: "echo"}.call(context.Background(), map[string]any{"q": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"q": "x"}, out)

	_, err = ToolDef{Name: "down", Error: "backend unavailable"}.call(context.Background(), nil)
	assert.EqualError(t, err, "backend unavailable")
}

func TestEffectTemplate_IncrementMissingEntity(t *testing.T) {
	tmpl := EffectTemplate{Op: world.OpUpdate, Collection: "flights", ID: "args.flight_id", Increment: map[string]any{"seatsAvailable": -1}}
	eff, err := tmpl.render(map[string]any{refArgs: map[string]any{"flight_id": "F9"}}, world.New())
	require.NoError(t, err)
	assert.Equal(t, world.Update("flights", "F9", nil), eff)
}

func TestAdd(t *testing.T) {
	got, err := add(3, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, got)

	got, err = add(1.5, 1)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	_, err = add("three", 1)
	assert.ErrorContains(t, err, "not numeric")
}
