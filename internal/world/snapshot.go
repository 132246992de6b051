package world

import (
	"github.com/roach88/worldsim/internal/canon"
)

// Snapshot is a deep copy of every non-empty collection at one version.
// Entities within a collection are ordered by id.
type Snapshot struct {
	Version     int64               `json:"version"`
	Collections map[string][]Entity `json:"collections"`
}

// Snapshot captures the complete world state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:     s.version,
		Collections: make(map[string][]Entity, len(s.collections)),
	}
	for name, entities := range s.collections {
		if len(entities) == 0 {
			continue
		}
		view := Collection{name: name, entities: entities}
		snap.Collections[name] = view.Entities()
	}
	return snap
}

// Count returns the number of entities in a collection at snapshot time.
func (s Snapshot) Count(collection string) int {
	return len(s.Collections[collection])
}

// Find returns the entity with the given id.
func (s Snapshot) Find(collection, id string) (Entity, bool) {
	for _, e := range s.Collections[collection] {
		if e.ID == id {
			return e, true
		}
	}
	return Entity{}, false
}

// canonicalMap renders the snapshot for canonical JSON. The batch version is
// excluded so two runs that reach the same state through different batching
// share a digest.
func (s Snapshot) canonicalMap() map[string]any {
	collections := make(map[string]any, len(s.Collections))
	for name, entities := range s.Collections {
		list := make([]any, len(entities))
		for i, e := range entities {
			list[i] = map[string]any{
				"id":      e.ID,
				"version": e.Version,
				"data":    e.Data,
			}
		}
		collections[name] = list
	}
	return map[string]any{"collections": collections}
}

// Digest returns the canonical content digest of the snapshot.
func (s Snapshot) Digest() (string, error) {
	return canon.Digest(canon.DomainSnapshot, s.canonicalMap())
}
