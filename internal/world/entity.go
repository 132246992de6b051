package world

import (
	"iter"
	"maps"
	"slices"
	"strings"
)

// Entity is a typed record identified by (Collection, ID).
// Version is 1 after creation and increments on every update.
type Entity struct {
	Collection string         `json:"collection" yaml:"collection"`
	ID         string         `json:"id" yaml:"id"`
	Data       map[string]any `json:"data" yaml:"data"`
	Version    int64          `json:"version" yaml:"version"`
}

// Field resolves a dotted path such as "pricing.total" against the payload.
func (e Entity) Field(path string) (any, bool) {
	return lookupPath(e.Data, path)
}

func (e Entity) clone() Entity {
	e.Data = cloneMap(e.Data)
	return e
}

func lookupPath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
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

// cloneMap copies nested maps and slices so the result shares no mutable
// state with src. Scalars are copied by value.
func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case []string:
		return slices.Clone(val)
	case map[string]string:
		return maps.Clone(val)
	default:
		return val
	}
}

// Collection is an immutable point-in-time view of one named collection.
type Collection struct {
	name     string
	entities map[string]Entity
}

// Name returns the collection name.
func (c Collection) Name() string {
	return c.name
}

// Len returns the number of entities in the view.
func (c Collection) Len() int {
	return len(c.entities)
}

// Get returns a copy of the entity with the given id.
func (c Collection) Get(id string) (Entity, bool) {
	e, ok := c.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// IDs returns entity ids in ascending order.
func (c Collection) IDs() []string {
	return slices.Sorted(maps.Keys(c.entities))
}

// All iterates entities in ascending id order.
func (c Collection) All() iter.Seq2[string, Entity] {
	return func(yield func(string, Entity) bool) {
		for _, id := range c.IDs() {
			if !yield(id, c.entities[id].clone()) {
				return
			}
		}
	}
}

// Entities returns copies of all entities in ascending id order.
func (c Collection) Entities() []Entity {
	out := make([]Entity, 0, len(c.entities))
	for _, e := range c.All() {
		out = append(out, e)
	}
	return out
}
