package engine

import (
	"sort"
	"sync"
)

type tombstoneState int

const (
	tombstonePending tombstoneState = iota
	tombstoneSettled
)

// TombstoneSet holds ids deleted locally during this session.
//
// A pending tombstone belongs to a delete still in flight; a settled one
// was confirmed by the authority. Both suppress the id in merges. The set
// is session-scoped and never persisted: it is a guard against stale
// re-delivery, not a record of deletion.
type TombstoneSet struct {
	mu      sync.Mutex
	entries map[string]tombstoneState
}

// NewTombstoneSet creates an empty set.
func NewTombstoneSet() *TombstoneSet {
	return &TombstoneSet{entries: make(map[string]tombstoneState)}
}

// Add records a pending tombstone for id.
func (t *TombstoneSet) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = tombstonePending
}

// Settle marks the delete of id as confirmed remotely.
func (t *TombstoneSet) Settle(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		t.entries[id] = tombstoneSettled
	}
}

// Remove drops the tombstone for id (delete rolled back).
func (t *TombstoneSet) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Has reports whether id is tombstoned.
func (t *TombstoneSet) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

// Pending reports whether id has a delete still in flight.
func (t *TombstoneSet) Pending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.entries[id]
	return ok && state == tombstonePending
}

// Len returns the number of tombstones.
func (t *TombstoneSet) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// IDs returns all tombstoned ids sorted.
func (t *TombstoneSet) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Settled returns the ids whose delete the authority confirmed, sorted.
func (t *TombstoneSet) Settled() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, state := range t.entries {
		if state == tombstoneSettled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Forget drops the given tombstones if they are still settled and returns
// how many were removed. A full pull forgets the tombstones that were
// settled before it was issued: the authority no longer returns those ids.
func (t *TombstoneSet) Forget(ids ...string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, id := range ids {
		if state, ok := t.entries[id]; ok && state == tombstoneSettled {
			delete(t.entries, id)
			n++
		}
	}
	return n
}
