package world

import (
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Validator checks a payload against a collection schema.
// contract.Contract satisfies this interface.
type Validator interface {
	Validate(value any) []error
}

// View is read-only access to world state. Derivation functions, invariant
// checks, and success predicates receive a View, never the Store itself.
type View interface {
	GetEntity(collection, id string) (Entity, bool)
	GetCollection(collection string) Collection
	Collections() []string
	Version() int64
}

// Store is the world state for one run.
//
// Committed entities are never mutated in place: an update replaces the
// entity value with a fresh payload map. Views may therefore share payload
// maps with the store as long as they clone before handing them out.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]Entity
	schemas     map[string]Validator
	version     int64
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSchema validates every created or updated payload in collection.
func WithSchema(collection string, v Validator) Option {
	return func(s *Store) {
		s.schemas[collection] = v
	}
}

// WithLogger sets the logger used for batch diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]Entity),
		schemas:     make(map[string]Validator),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply validates and applies a batch of effects atomically.
//
// Effects are applied in order against a staging copy. If any effect fails,
// the staging copy is discarded, the store is left exactly as it was, and a
// *BatchError identifying the failing effect is returned. An empty batch is a
// no-op.
func (s *Store) Apply(effects []Effect) error {
	return s.ApplyChecked(effects, nil)
}

// ApplyChecked is Apply with a commit guard. check sees the staged state
// after every effect has applied and before anything is committed. A non-nil
// result from check rejects the batch and is returned unwrapped. check also
// runs for an empty batch, against the current state.
func (s *Store) ApplyChecked(effects []Effect, check func(View) error) error {
	return s.Transact(func(View) ([]Effect, error) { return effects, nil }, check)
}

// Transact derives a batch from the current state, applies it, and runs check
// against the result, all under the store's write lock. Concurrent callers
// are serialized, so derive never sees a state that a sibling batch is about
// to change. derive and check must read through the View they are given;
// calling the Store from inside them deadlocks.
//
// An error from derive or check is returned as is and nothing is committed.
func (s *Store) Transact(derive func(View) ([]Effect, error), check func(View) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.begin()
	var effects []Effect
	if derive != nil {
		var err error
		if effects, err = derive(txView{tx: tx, version: s.version}); err != nil {
			return err
		}
	}
	for i, eff := range effects {
		if err := eff.Validate(); err != nil {
			return &BatchError{Index: i, Effect: eff, Err: err}
		}
	}

	for i, eff := range effects {
		if err := tx.apply(eff); err != nil {
			s.logger.Debug("batch rejected",
				"index", i,
				"effect", eff.String(),
				"error", err)
			return &BatchError{Index: i, Effect: eff, Err: err}
		}
	}

	version := s.version
	if len(effects) > 0 {
		version++
	}
	if check != nil {
		if err := check(txView{tx: tx, version: version}); err != nil {
			s.logger.Debug("batch rejected by check", "effects", len(effects), "error", err)
			return err
		}
	}
	if len(effects) == 0 {
		return nil
	}

	s.collections = tx.collections
	s.version = version
	s.logger.Debug("batch applied", "effects", len(effects), "version", s.version)
	return nil
}

// GetEntity returns a copy of one entity.
func (s *Store) GetEntity(collection, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.collections[collection][id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// GetCollection returns a point-in-time view of a collection. A collection
// that has never been written is returned as an empty view.
func (s *Store) GetCollection(collection string) Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Collection{
		name:     collection,
		entities: maps.Clone(s.collections[collection]),
	}
}

// Collections returns the names of non-empty collections in ascending order.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name, entities := range s.collections {
		if len(entities) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Version returns the number of batches applied so far.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// tx is a copy-on-write staging layer over the committed collections.
// The top-level map is copied eagerly; a collection map is copied the first
// time the batch writes to it.
type tx struct {
	collections map[string]map[string]Entity
	copied      map[string]bool
	schemas     map[string]Validator
}

func (s *Store) begin() *tx {
	return &tx{
		collections: maps.Clone(s.collections),
		copied:      make(map[string]bool),
		schemas:     s.schemas,
	}
}

// txView is the staged state of a batch, as seen by a commit guard.
type txView struct {
	tx      *tx
	version int64
}

func (v txView) GetEntity(collection, id string) (Entity, bool) {
	e, ok := v.tx.collections[collection][id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

func (v txView) GetCollection(collection string) Collection {
	return Collection{
		name:     collection,
		entities: maps.Clone(v.tx.collections[collection]),
	}
}

func (v txView) Collections() []string {
	names := make([]string, 0, len(v.tx.collections))
	for name, entities := range v.tx.collections {
		if len(entities) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (v txView) Version() int64 {
	return v.version
}

func (t *tx) writable(collection string) map[string]Entity {
	if !t.copied[collection] {
		cloned := maps.Clone(t.collections[collection])
		if cloned == nil {
			cloned = make(map[string]Entity)
		}
		t.collections[collection] = cloned
		t.copied[collection] = true
	}
	return t.collections[collection]
}

func (t *tx) apply(eff Effect) error {
	switch eff.Op {
	case OpCreate:
		return t.create(eff.Collection, eff.ID, eff.Data)
	case OpUpdate:
		return t.update(eff.Collection, eff.ID, eff.Data)
	case OpDelete:
		return t.delete(eff.Collection, eff.ID)
	default:
		return malformedError(eff, "unknown op %q", eff.Op)
	}
}

func (t *tx) create(collection, id string, data map[string]any) error {
	if _, exists := t.collections[collection][id]; exists {
		return duplicateError(collection, id)
	}
	payload := cloneMap(data)
	if err := t.check(collection, id, payload); err != nil {
		return err
	}
	t.writable(collection)[id] = Entity{
		Collection: collection,
		ID:         id,
		Data:       payload,
		Version:    1,
	}
	return nil
}

func (t *tx) update(collection, id string, partial map[string]any) error {
	current, exists := t.collections[collection][id]
	if !exists {
		return notFoundError(collection, id)
	}
	payload := cloneMap(current.Data)
	for k, v := range partial {
		payload[k] = cloneValue(v)
	}
	if err := t.check(collection, id, payload); err != nil {
		return err
	}
	t.writable(collection)[id] = Entity{
		Collection: collection,
		ID:         id,
		Data:       payload,
		Version:    current.Version + 1,
	}
	return nil
}

func (t *tx) delete(collection, id string) error {
	if _, exists := t.collections[collection][id]; !exists {
		return notFoundError(collection, id)
	}
	delete(t.writable(collection), id)
	return nil
}

func (t *tx) check(collection, id string, payload map[string]any) error {
	schema, ok := t.schemas[collection]
	if !ok {
		return nil
	}
	if problems := schema.Validate(payload); len(problems) > 0 {
		return &Error{
			Code:       CodeSchemaMismatch,
			Collection: collection,
			ID:         id,
			Message:    "payload does not satisfy collection schema",
			Problems:   problems,
		}
	}
	return nil
}
