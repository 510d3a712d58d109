package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/store"
)

// Bridge moves one collection between memory and the durable snapshot
// store.
type Bridge struct {
	key       string
	actorID   string
	entities  *entitystore.Store
	cursor    *SyncCursor
	pending   *PendingSet
	snapshots store.SnapshotStore
	clock     Clock
	logger    *slog.Logger

	// saveMu orders saves so an older snapshot never overwrites a newer one.
	saveMu sync.Mutex
}

// NewBridge creates a bridge for d.Entities and d.Cursor.
func NewBridge(d Deps) *Bridge {
	d = d.withDefaults()
	return &Bridge{
		key:       d.Key(),
		actorID:   d.ActorID,
		entities:  d.Entities,
		cursor:    d.Cursor,
		pending:   d.Pending,
		snapshots: d.Snapshots,
		clock:     d.Clock,
		logger:    d.Logger,
	}
}

// Hydrate seeds the store and cursor from the persisted snapshot and
// reports whether a usable snapshot existed. A missing, unreadable,
// mismatched or corrupt snapshot is logged and reported as false; the
// caller then does a cold full pull.
func (b *Bridge) Hydrate(ctx context.Context) bool {
	snap, err := b.snapshots.LoadSnapshot(ctx, b.key, b.actorID)
	if err != nil {
		b.logger.Warn("snapshot unreadable, starting cold", "actor", b.actorID, "error", err)
		SnapshotCount.WithLabelValues(b.key, "load", "error").Inc()
		return false
	}
	if snap == nil {
		b.logger.Debug("no snapshot", "actor", b.actorID)
		SnapshotCount.WithLabelValues(b.key, "load", "miss").Inc()
		return false
	}
	if reason := b.check(snap); reason != "" {
		b.logger.Warn("snapshot rejected, starting cold",
			"actor", b.actorID,
			"reason", reason,
		)
		SnapshotCount.WithLabelValues(b.key, "load", "invalid").Inc()
		return false
	}

	if err := b.entities.Reset(snap.Entities); err != nil {
		b.logger.Warn("snapshot entities rejected, starting cold", "actor", b.actorID, "error", err)
		SnapshotCount.WithLabelValues(b.key, "load", "invalid").Inc()
		return false
	}
	if snap.Cursor != nil {
		b.cursor.Seed(*snap.Cursor, true)
	} else {
		b.cursor.Reset()
	}

	b.logger.Info("hydrated from snapshot",
		"actor", b.actorID,
		"entities", len(snap.Entities),
		"saved_at", snap.SavedAt,
	)
	SnapshotCount.WithLabelValues(b.key, "load", "ok").Inc()
	return true
}

func (b *Bridge) check(snap *store.Snapshot) string {
	if snap.SchemaVersion != ir.SnapshotSchemaVersion {
		return "schema version mismatch"
	}
	if snap.CollectionKey != b.key || snap.ActorID != b.actorID {
		return "key mismatch"
	}
	sum, err := ir.SnapshotChecksum(snap.CollectionKey, snap.ActorID, snap.SchemaVersion, snap.Entities)
	if err != nil || sum != snap.Checksum {
		return "checksum mismatch"
	}
	return ""
}

// Persist writes the confirmed entities and the cursor. Optimistic state
// stays out of the snapshot: an id with a mutation in flight is saved as
// the authority last reported it, and temp entities are left out.
func (b *Bridge) Persist(ctx context.Context) error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	// Read the cursor before the entities. A merge writes entities before
	// advancing the cursor, so every entity covered by this cursor is
	// already in the store.
	cursor := b.cursor.Pointer()
	entities := b.pending.Confirmed(b.entities.All)

	sum, err := ir.SnapshotChecksum(b.key, b.actorID, ir.SnapshotSchemaVersion, entities)
	if err != nil {
		SnapshotCount.WithLabelValues(b.key, "save", "error").Inc()
		return newSyncError(ErrCodeSnapshotInvalid, "persist", b.key, "", err)
	}
	snap := &store.Snapshot{
		CollectionKey: b.key,
		ActorID:       b.actorID,
		SchemaVersion: ir.SnapshotSchemaVersion,
		Entities:      entities,
		Cursor:        cursor,
		Checksum:      sum,
		SavedAt:       b.clock.Now(),
	}
	err = b.snapshots.SaveSnapshot(ctx, snap)
	SnapshotCount.WithLabelValues(b.key, "save", resultLabel(err)).Inc()
	if err != nil {
		return newSyncError(ErrCodeSnapshotInvalid, "persist", b.key, "", err)
	}

	b.logger.Debug("snapshot saved", "actor", b.actorID, "entities", len(entities))
	return nil
}

// Discard deletes the persisted snapshot. The next session starts cold.
func (b *Bridge) Discard(ctx context.Context) error {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	err := b.snapshots.DeleteSnapshot(ctx, b.key, b.actorID)
	SnapshotCount.WithLabelValues(b.key, "delete", resultLabel(err)).Inc()
	if err != nil {
		return newSyncError(ErrCodeSnapshotInvalid, "discard", b.key, "", err)
	}
	return nil
}
