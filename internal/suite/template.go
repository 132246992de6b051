package suite

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/roach88/worldsim/internal/contract"
	"github.com/roach88/worldsim/internal/invariant"
	"github.com/roach88/worldsim/internal/tool"
	"github.com/roach88/worldsim/internal/world"
)

// Reference roots usable in response and effect templates.
const (
	refArgs   = "args"
	refOutput = "output"
)

// resolve replaces "args.<path>" and "output.<path>" strings in v with the
// referenced values. Other strings and scalars are literals; maps and slices
// are resolved recursively.
func resolve(v any, scope map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		root, path, ok := splitRef(val)
		if !ok {
			return val, nil
		}
		base, ok := scope[root]
		if !ok {
			return nil, fmt.Errorf("reference %q: %s is not available here", val, root)
		}
		got, ok := lookup(base, path)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %q", val)
		}
		return got, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for _, k := range slices.Sorted(maps.Keys(val)) {
			r, err := resolve(val[k], scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolve(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func splitRef(s string) (root string, path []string, ok bool) {
	for _, r := range []string{refArgs, refOutput} {
		if s == r {
			return r, nil, true
		}
		if rest, found := strings.CutPrefix(s, r+"."); found && rest != "" {
			return r, strings.Split(rest, "."), true
		}
	}
	return "", nil, false
}

func lookup(v any, path []string) (any, bool) {
	cur := v
	for _, part := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// spec compiles a tool definition into a wrapped-tool spec.
func (d ToolDef) spec() (tool.Spec, error) {
	s := tool.Spec{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  d.Parameters,
		Invariants:  d.Invariants,
		Func:        d.call,
		Derive:      d.derive,
	}
	switch {
	case d.Contract != "":
		c, err := contract.CompileCUE(d.Contract)
		if err != nil {
			return tool.Spec{}, fmt.Errorf("tool %s contract: %w", d.Name, err)
		}
		s.Contract = c
	case len(d.Required) > 0:
		s.Contract = contract.RequireFields(d.Required...)
	}
	return s, nil
}

func (d ToolDef) call(ctx context.Context, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Error != "" {
		return nil, errors.New(d.Error)
	}
	if d.Response == nil {
		return maps.Clone(args), nil
	}
	return resolve(d.Response, map[string]any{refArgs: args})
}

func (d ToolDef) derive(in tool.Input, view world.View) ([]world.Effect, error) {
	scope := map[string]any{refArgs: in.Args, refOutput: in.Output}
	effects := make([]world.Effect, 0, len(d.Effects))
	for i, tmpl := range d.Effects {
		eff, err := tmpl.render(scope, view)
		if err != nil {
			return nil, fmt.Errorf("effects[%d]: %w", i, err)
		}
		effects = append(effects, eff)
	}
	return effects, nil
}

func (t EffectTemplate) render(scope map[string]any, view world.View) (world.Effect, error) {
	idVal, err := resolve(t.ID, scope)
	if err != nil {
		return world.Effect{}, err
	}
	id, err := scalarString(idVal)
	if err != nil {
		return world.Effect{}, fmt.Errorf("id: %w", err)
	}

	eff := world.Effect{Op: t.Op, Collection: t.Collection, ID: id}
	if len(t.Data) > 0 {
		data, err := resolve(t.Data, scope)
		if err != nil {
			return world.Effect{}, err
		}
		eff.Data = data.(map[string]any)
	}

	if len(t.Increment) > 0 {
		current, ok := view.GetEntity(t.Collection, id)
		if !ok {
			// Apply reports EntityNotFound for the update.
			return eff, nil
		}
		if eff.Data == nil {
			eff.Data = make(map[string]any, len(t.Increment))
		}
		for _, field := range slices.Sorted(maps.Keys(t.Increment)) {
			base, present := current.Data[field]
			if !present {
				base = 0
			}
			sum, err := add(base, t.Increment[field])
			if err != nil {
				return world.Effect{}, fmt.Errorf("increment %s.%s: %w", t.Collection, field, err)
			}
			eff.Data[field] = sum
		}
	}
	return eff, nil
}

func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int, int64, uint64:
		return fmt.Sprint(val), nil
	case float64:
		if val == math.Trunc(val) {
			return fmt.Sprintf("%d", int64(val)), nil
		}
	}
	return "", fmt.Errorf("expected a string or integer, got %T", v)
}

// add keeps integer fields integral.
func add(base, delta any) (any, error) {
	a, ok := invariant.Numeric(base)
	if !ok {
		return nil, fmt.Errorf("current value %v is not numeric", base)
	}
	b, ok := invariant.Numeric(delta)
	if !ok {
		return nil, fmt.Errorf("delta %v is not numeric", delta)
	}
	if isInt(base) && isInt(delta) {
		return int(a) + int(b), nil
	}
	return a + b, nil
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
