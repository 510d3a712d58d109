package entitystore

import "github.com/roach88/marketsync/internal/ir"

// ChangeKind classifies a single entity transition.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change describes one entity transition inside a committed write.
// Before is nil for inserts, After is nil for deletes.
type Change struct {
	Kind   ChangeKind
	ID     string
	Before ir.Entity
	After  ir.Entity
}

// ChangeSet is what subscribers receive after a write commits.
type ChangeSet struct {
	Collection string
	Version    uint64
	Changes    []Change
}

// IDs returns the ids touched by the change set in commit order.
func (cs ChangeSet) IDs() []string {
	ids := make([]string, len(cs.Changes))
	for i, c := range cs.Changes {
		ids[i] = c.ID
	}
	return ids
}

// Listener receives committed change sets. It runs on the writer's
// goroutine after the store lock is released and must not block for long.
// A listener may read the store but must not write to it.
type Listener func(ChangeSet)
