package engine

import (
	"sync"

	"github.com/roach88/marketsync/internal/ir"
)

// PendingSet tracks the confirmed state of ids with a mutation in flight.
//
// The store shows optimistic state; a snapshot must not. For every id the
// coordinator is changing, PendingSet holds the last state the authority
// agreed to, kept current by merges, so Bridge.Persist can write the
// confirmed view while mutations are outstanding.
//
// Thread-safety: PendingSet is safe for concurrent use.
type PendingSet struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	base   ir.Entity // nil when the id does not exist remotely
	flight int
}

// NewPendingSet creates an empty set.
func NewPendingSet() *PendingSet {
	return &PendingSet{entries: make(map[string]*pendingEntry)}
}

// Begin registers a mutation of id. base is the entity before the
// optimistic write, nil if there was none. When another mutation of id is
// already in flight its base is kept: base is then optimistic itself.
func (p *PendingSet) Begin(id string, base ir.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.flight++
		return
	}
	p.entries[id] = &pendingEntry{base: cloneOrNil(base), flight: 1}
}

// Confirm ends a mutation of id that the authority accepted. state is the
// confirmed entity, nil after a delete.
func (p *PendingSet) Confirm(id string, state ir.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		e.base = cloneOrNil(state)
		p.endLocked(id, e)
	}
}

// Abort ends a mutation of id that was rolled back.
func (p *PendingSet) Abort(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[id]; ok {
		p.endLocked(id, e)
	}
}

func (p *PendingSet) endLocked(id string, e *pendingEntry) {
	e.flight--
	if e.flight <= 0 {
		delete(p.entries, id)
	}
}

// Observe records server state delivered by a pull for pending ids.
func (p *PendingSet) Observe(entities []ir.Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ent := range entities {
		if e, ok := p.entries[ent.ID()]; ok {
			e.base = ent.Clone()
		}
	}
}

// ObserveAll records the result of a full pull: a pending id missing from
// entities no longer exists remotely.
func (p *PendingSet) ObserveAll(entities []ir.Entity) {
	byID := make(map[string]ir.Entity, len(entities))
	for _, ent := range entities {
		byID[ent.ID()] = ent
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		e.base = cloneOrNil(byID[id])
	}
}

// Len returns the number of ids with a mutation in flight.
func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Confirmed returns the entities from read with every pending id replaced
// by its confirmed state, sorted by id. Temp entities are left out. read
// runs under the set's lock, so no mutation begins or ends between the
// read and the substitution.
func (p *PendingSet) Confirmed(read func() []ir.Entity) []ir.Entity {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := read()
	out := make([]ir.Entity, 0, len(current))
	for _, e := range current {
		if e.IsTemp() {
			continue
		}
		if _, pending := p.entries[e.ID()]; pending {
			continue
		}
		out = append(out, e)
	}
	for _, e := range p.entries {
		if e.base != nil {
			out = append(out, e.base.Clone())
		}
	}
	ir.SortEntities(out)
	return out
}

func cloneOrNil(e ir.Entity) ir.Entity {
	if e == nil {
		return nil
	}
	return e.Clone()
}
