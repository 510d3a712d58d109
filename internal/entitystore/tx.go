package entitystore

import (
	"fmt"

	"github.com/roach88/marketsync/internal/ir"
)

// Tx stages writes for WriteBatch. Reads through a Tx see its own staged
// writes. A Tx is only valid inside the WriteBatch closure that received it.
type Tx struct {
	store *Store

	// staged maps id to the pending state; a nil entity marks a delete.
	staged map[string]ir.Entity
	order  []string
}

// Get returns the entity as the batch currently sees it.
func (tx *Tx) Get(id string) (ir.Entity, bool) {
	e, ok := tx.lookup(id)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Has reports whether id exists as the batch currently sees it.
func (tx *Tx) Has(id string) bool {
	_, ok := tx.lookup(id)
	return ok
}

// Insert stages upserts. Later entries win on id collision.
func (tx *Tx) Insert(entities ...ir.Entity) error {
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("insert into %s: %w", tx.store.key, err)
		}
	}
	for _, e := range entities {
		tx.stage(e.ID(), e.Clone())
	}
	return nil
}

// Update stages a patch merge. It fails with ErrNotFound if the target is
// absent and ir.ErrMissingID if the patch names no id.
func (tx *Tx) Update(patch ir.Patch) error {
	id := patch.ID()
	if id == "" {
		return fmt.Errorf("update %s: %w", tx.store.key, ir.ErrMissingID)
	}
	current, ok := tx.lookup(id)
	if !ok {
		return fmt.Errorf("update %s/%s: %w", tx.store.key, id, ErrNotFound)
	}
	tx.stage(id, ir.ApplyPatch(current, patch))
	return nil
}

// Replace stages e as the complete new state of its id.
func (tx *Tx) Replace(e ir.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("replace in %s: %w", tx.store.key, err)
	}
	tx.stage(e.ID(), e.Clone())
	return nil
}

// Delete stages removals. Absent ids are ignored.
func (tx *Tx) Delete(ids ...string) {
	for _, id := range ids {
		if _, ok := tx.lookup(id); ok {
			tx.stage(id, nil)
		}
	}
}

func (tx *Tx) lookup(id string) (ir.Entity, bool) {
	if e, ok := tx.staged[id]; ok {
		return e, e != nil
	}
	e, ok := tx.store.entities[id]
	return e, ok
}

func (tx *Tx) stage(id string, e ir.Entity) {
	if _, seen := tx.staged[id]; !seen {
		tx.order = append(tx.order, id)
	}
	tx.staged[id] = e
}

// apply writes the staged state into the store and returns the net changes
// in first-touch order. Caller holds the store mutex.
func (tx *Tx) apply() []Change {
	var changes []Change
	for _, id := range tx.order {
		after := tx.staged[id]
		before, existed := tx.store.entities[id]
		switch {
		case after == nil && existed:
			delete(tx.store.entities, id)
			changes = append(changes, Change{Kind: ChangeDelete, ID: id, Before: before.Clone()})
		case after == nil:
			// inserted and deleted inside the same batch
		case !existed:
			tx.store.entities[id] = after
			changes = append(changes, Change{Kind: ChangeInsert, ID: id, After: after.Clone()})
		case !before.Equal(after):
			tx.store.entities[id] = after
			changes = append(changes, Change{Kind: ChangeUpdate, ID: id, Before: before.Clone(), After: after.Clone()})
		}
	}
	return changes
}
