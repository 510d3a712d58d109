package engine

import (
	"log/slog"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/store"
)

// Deps is the per-collection state shared by a Merger, a Coordinator and
// a Bridge. Session builds one for every primary collection; tests build
// their own. Components built from the same Deps must share Cursor,
// Tombstones and Pending, so set them before constructing any.
type Deps struct {
	ActorID    string
	Entities   *entitystore.Store
	Cursor     *SyncCursor
	Tombstones *TombstoneSet
	Pending    *PendingSet
	Remote     remote.Authority
	Snapshots  store.SnapshotStore
	Clock      Clock
	IDs        IDGenerator
	Logger     *slog.Logger
}

// Key returns the collection key of the store.
func (d Deps) Key() string {
	return d.Entities.Key()
}

func (d Deps) withDefaults() Deps {
	if d.Cursor == nil {
		d.Cursor = NewSyncCursor(d.Entities.Key(), d.ActorID)
	}
	if d.Tombstones == nil {
		d.Tombstones = NewTombstoneSet()
	}
	if d.Pending == nil {
		d.Pending = NewPendingSet()
	}
	if d.Clock == nil {
		d.Clock = SystemClock{}
	}
	if d.IDs == nil {
		d.IDs = TempIDGenerator{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("collection", d.Entities.Key())
	return d
}
