package world

import (
	"fmt"
	"strings"
)

// Op is the kind of mutation an Effect performs.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the known mutation kinds.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Effect is a declarative mutation of one entity.
//
// For OpCreate, Data is the complete initial payload. For OpUpdate, Data is
// merged into the existing payload field by field. Data is ignored for
// OpDelete.
type Effect struct {
	Op         Op             `json:"op" yaml:"op"`
	Collection string         `json:"collection" yaml:"collection"`
	ID         string         `json:"id" yaml:"id"`
	Data       map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// Create returns an effect that inserts a new entity.
func Create(collection, id string, data map[string]any) Effect {
	return Effect{Op: OpCreate, Collection: collection, ID: id, Data: data}
}

// Update returns an effect that merges partial into an existing entity.
func Update(collection, id string, partial map[string]any) Effect {
	return Effect{Op: OpUpdate, Collection: collection, ID: id, Data: partial}
}

// Delete returns an effect that removes an existing entity.
func Delete(collection, id string) Effect {
	return Effect{Op: OpDelete, Collection: collection, ID: id}
}

func (e Effect) String() string {
	return fmt.Sprintf("%s %s/%s", e.Op, e.Collection, e.ID)
}

// Validate checks the effect's structure without consulting any store.
func (e Effect) Validate() error {
	if !e.Op.Valid() {
		return malformedError(e, "unknown op %q", e.Op)
	}
	if strings.TrimSpace(e.Collection) == "" {
		return malformedError(e, "collection is required")
	}
	if strings.TrimSpace(e.ID) == "" {
		return malformedError(e, "id is required")
	}
	if e.Op == OpDelete && len(e.Data) > 0 {
		return malformedError(e, "delete carries no data")
	}
	return nil
}
