package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/worldsim/internal/trace"
	"github.com/roach88/worldsim/internal/world"
)

var (
	ErrToolUnregistered = errors.New("tool is not registered")
	ErrToolDuplicate    = errors.New("tool is already registered")
	ErrNilHandler       = errors.New("tool handler is nil")
	ErrToolNameEmpty    = errors.New("tool name is empty")
)

// Definition is what an agent is told about a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Set is the tool registry handed to an agent for one run.
type Set struct {
	mu    sync.RWMutex
	funcs map[string]Func
	defs  map[string]Definition
}

// NewSet returns an empty registry.
func NewSet() *Set {
	return &Set{
		funcs: make(map[string]Func),
		defs:  make(map[string]Definition),
	}
}

// Bind wraps every spec against st and tr and registers the result.
func Bind(specs []Spec, st *world.Store, tr *trace.Trace, logger *slog.Logger) (*Set, error) {
	set := NewSet()
	for _, spec := range specs {
		if spec.Func == nil {
			return nil, fmt.Errorf("%w: %q", ErrNilHandler, spec.Name)
		}
		if err := set.Register(spec.Definition(), Wrap(spec, st, tr, logger)); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Register adds fn under def.Name.
func (s *Set) Register(def Definition, fn Func) error {
	if strings.TrimSpace(def.Name) == "" {
		return ErrToolNameEmpty
	}
	if fn == nil {
		return fmt.Errorf("%w: %q", ErrNilHandler, def.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.funcs[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrToolDuplicate, def.Name)
	}
	s.funcs[def.Name] = fn
	s.defs[def.Name] = def
	return nil
}

// Call executes the named tool.
func (s *Set) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrToolNameEmpty
	}

	s.mu.RLock()
	fn, ok := s.funcs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolUnregistered, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return fn(ctx, args)
}

// Definitions returns tool descriptors ordered by name.
func (s *Set) Definitions() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]Definition, 0, len(s.defs))
	for _, name := range s.namesLocked() {
		defs = append(defs, s.defs[name])
	}
	return defs
}

// Names returns registered tool names in ascending order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namesLocked()
}

func (s *Set) namesLocked() []string {
	names := make([]string, 0, len(s.funcs))
	for name := range s.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
