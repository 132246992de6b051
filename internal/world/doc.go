// Package world implements the simulated world a harnessed agent acts upon.
//
// A Store holds named collections of entities. Entities are created,
// updated, and deleted only by applying batches of Effect values through
// Store.Apply. A batch either applies completely or leaves the store
// unchanged, and concurrent batches are serialized in arrival order.
// Transact derives a batch from the current state and guards its commit with
// a check, all under the same lock; the tool wrapper checks invariants this
// way so a violating batch is never committed.
//
// Readers receive copies: GetEntity, GetCollection, and Snapshot never hand
// out references into the store's own state, so nothing outside Apply can
// mutate it.
//
// Typical use inside a single run:
//
//	st := world.New()
//	err := st.Apply([]world.Effect{
//	    world.Create("flights", "F1", map[string]any{"seatsAvailable": 1}),
//	})
//	flights := st.GetCollection("flights")
package world
