package entitystore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/marketsync/internal/ir"
)

// ErrNotFound is returned by WriteUpdate when the target id is absent.
var ErrNotFound = errors.New("entity not found")

// Store is the in-memory cache of one collection.
//
// Thread-safety: all methods are safe for concurrent use. Writes are
// serialized by a mutex; listeners are notified outside the lock in commit
// order.
type Store struct {
	key string

	mu        sync.Mutex
	entities  map[string]ir.Entity
	version   uint64
	written   map[string]uint64 // id -> version of its last change
	listeners map[uint64]Listener
	nextSub   uint64

	// notifyMu keeps listener delivery in commit order when writes race.
	notifyMu sync.Mutex
}

// New creates an empty store for the given collection key.
func New(collectionKey string) *Store {
	return &Store{
		key:       collectionKey,
		entities:  make(map[string]ir.Entity),
		written:   make(map[string]uint64),
		listeners: make(map[uint64]Listener),
	}
}

// Key returns the collection key.
func (s *Store) Key() string {
	return s.key
}

// Get returns a copy of the entity with the given id.
func (s *Store) Get(id string) (ir.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Has reports whether an entity with the given id is cached.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entities[id]
	return ok
}

// Len returns the number of cached entities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// Version returns the number of committed writes that changed the store.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// IDs returns all cached ids sorted in byte order.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns copies of all cached entities sorted by id.
func (s *Store) All() []ir.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ir.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	ir.SortEntities(out)
	return out
}

// Subscribe registers a listener for committed change sets and returns a
// function that removes it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// WriteInsert upserts entities by id. An existing entity is replaced whole.
func (s *Store) WriteInsert(entities ...ir.Entity) error {
	return s.WriteBatch(func(tx *Tx) error {
		return tx.Insert(entities...)
	})
}

// WriteUpdate merges the patch into the entity named by its id. Only fields
// present in the patch change; IRNull clears a field.
func (s *Store) WriteUpdate(patch ir.Patch) error {
	return s.WriteBatch(func(tx *Tx) error {
		return tx.Update(patch)
	})
}

// WriteReplace swaps in e as the complete new state of its id. Used to roll
// back an optimistic update field for field.
func (s *Store) WriteReplace(e ir.Entity) error {
	return s.WriteBatch(func(tx *Tx) error {
		return tx.Replace(e)
	})
}

// WriteDelete removes entities by id. Absent ids are ignored.
func (s *Store) WriteDelete(ids ...string) error {
	return s.WriteBatch(func(tx *Tx) error {
		tx.Delete(ids...)
		return nil
	})
}

// Reset replaces the whole contents of the store in one transition.
func (s *Store) Reset(entities []ir.Entity) error {
	return s.ResetKeeping(entities, nil)
}

// ResetKeeping replaces the contents with entities, but carries over every
// current entity for which keep returns true and that entities does not
// already cover. The decision is made under the store lock, so nothing
// written concurrently is lost between the check and the swap.
func (s *Store) ResetKeeping(entities []ir.Entity, keep func(ir.Entity) bool) error {
	return s.reset(entities, nil, keep)
}

// ResetSince is ResetKeeping for entities read while the store was at
// version since. An id written after since keeps its current local state,
// present or absent, since the pulled entities predate that write.
func (s *Store) ResetSince(entities []ir.Entity, since uint64, keep func(ir.Entity) bool) error {
	return s.reset(entities, &since, keep)
}

func (s *Store) reset(entities []ir.Entity, since *uint64, keep func(ir.Entity) bool) error {
	next := make(map[string]ir.Entity, len(entities))
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("reset %s: %w", s.key, err)
		}
		next[e.ID()] = e.Clone()
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if since != nil {
		for id, v := range s.written {
			if v <= *since {
				continue
			}
			if e, ok := s.entities[id]; ok {
				next[id] = e
			} else {
				delete(next, id)
			}
		}
	}
	if keep != nil {
		for id, e := range s.entities {
			if _, covered := next[id]; !covered && keep(e.Clone()) {
				next[id] = e
			}
		}
	}
	var changes []Change
	for id, before := range s.entities {
		after, ok := next[id]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: ChangeDelete, ID: id, Before: before.Clone()})
		case !before.Equal(after):
			changes = append(changes, Change{Kind: ChangeUpdate, ID: id, Before: before.Clone(), After: after.Clone()})
		}
	}
	for id, after := range next {
		if _, ok := s.entities[id]; !ok {
			changes = append(changes, Change{Kind: ChangeInsert, ID: id, After: after.Clone()})
		}
	}
	sortChanges(changes)
	s.entities = next
	cs, listeners := s.commitLocked(changes)
	s.mu.Unlock()

	notify(listeners, cs)
	return nil
}

// WriteBatch runs fn against a transaction and commits its staged writes
// atomically. If fn returns an error nothing is applied and no listener is
// called. fn must only touch the store through tx.
func (s *Store) WriteBatch(fn func(tx *Tx) error) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	tx := &Tx{store: s, staged: make(map[string]ir.Entity)}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	changes := tx.apply()
	cs, listeners := s.commitLocked(changes)
	s.mu.Unlock()

	notify(listeners, cs)
	return nil
}

// commitLocked bumps the version when changes is non-empty and snapshots
// the listener list. Caller holds s.mu.
func (s *Store) commitLocked(changes []Change) (ChangeSet, []Listener) {
	if len(changes) == 0 {
		return ChangeSet{}, nil
	}
	s.version++
	for _, c := range changes {
		s.written[c.ID] = s.version
	}
	cs := ChangeSet{Collection: s.key, Version: s.version, Changes: changes}

	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, len(ids))
	for i, id := range ids {
		listeners[i] = s.listeners[id]
	}
	return cs, listeners
}

func notify(listeners []Listener, cs ChangeSet) {
	for _, fn := range listeners {
		fn(cs)
	}
}

func sortChanges(changes []Change) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].ID < changes[j].ID
	})
}
