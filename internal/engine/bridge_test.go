package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/store"
	"github.com/roach88/marketsync/internal/testutil"
)

// freshBridge returns a bridge over empty state sharing f's snapshot store.
func freshBridge(f *fixture) (*Bridge, *entitystore.Store, *SyncCursor) {
	entities := entitystore.New(listingsKey)
	cursor := NewSyncCursor(listingsKey, actor)
	b := NewBridge(Deps{
		ActorID:   actor,
		Entities:  entities,
		Cursor:    cursor,
		Snapshots: f.snapshots,
		Clock:     f.clock,
		Logger:    quietLogger(),
	})
	return b, entities, cursor
}

func TestBridgeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store().WriteInsert(listing("1", "A"), listing("2", "B"), listing("tmp_0001", "draft")))
	at := testutil.Epoch.Add(time.Hour)
	f.deps.Cursor.Seed(at, true)

	require.NoError(t, f.bridge.Persist(ctx))

	b, entities, cursor := freshBridge(f)
	require.True(t, b.Hydrate(ctx))
	assert.Equal(t, []ir.Entity{listing("1", "A"), listing("2", "B")}, entities.All())
	got, ok := cursor.Get()
	require.True(t, ok)
	assert.True(t, at.Equal(got))
}

func TestBridgeHydrateMissing(t *testing.T) {
	f := newFixture(t)
	b, entities, cursor := freshBridge(f)

	assert.False(t, b.Hydrate(context.Background()))
	assert.Equal(t, 0, entities.Len())
	_, ok := cursor.Get()
	assert.False(t, ok)
}

func TestBridgeHydrateRejectsInvalidSnapshots(t *testing.T) {
	valid := func() *store.Snapshot {
		entities := []ir.Entity{listing("1", "A")}
		sum, err := ir.SnapshotChecksum(listingsKey, actor, ir.SnapshotSchemaVersion, entities)
		require.NoError(t, err)
		at := testutil.Epoch
		return &store.Snapshot{
			CollectionKey: listingsKey,
			ActorID:       actor,
			SchemaVersion: ir.SnapshotSchemaVersion,
			Entities:      entities,
			Cursor:        &at,
			Checksum:      sum,
			SavedAt:       testutil.Epoch,
		}
	}

	tests := []struct {
		name   string
		mutate func(*store.Snapshot)
	}{
		{"schema version", func(s *store.Snapshot) { s.SchemaVersion = ir.SnapshotSchemaVersion + 1 }},
		{"checksum", func(s *store.Snapshot) { s.Checksum = "deadbeef" }},
		{"tampered entity", func(s *store.Snapshot) { s.Entities = []ir.Entity{listing("1", "B")} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			snap := valid()
			tt.mutate(snap)
			require.NoError(t, f.snapshots.SaveSnapshot(context.Background(), snap))

			b, entities, _ := freshBridge(f)
			assert.False(t, b.Hydrate(context.Background()))
			assert.Equal(t, 0, entities.Len())
		})
	}

	t.Run("valid", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.snapshots.SaveSnapshot(context.Background(), valid()))
		b, entities, _ := freshBridge(f)
		assert.True(t, b.Hydrate(context.Background()))
		assert.Equal(t, 1, entities.Len())
	})
}

func TestBridgeHydrateCorrupt(t *testing.T) {
	f := newFixture(t)
	f.snapshots.Corrupt(listingsKey, actor, []byte("{not json"))

	b, _, _ := freshBridge(f)
	assert.False(t, b.Hydrate(context.Background()))
}

type failingSnapshots struct {
	*store.MemoryStore
}

func (failingSnapshots) SaveSnapshot(context.Context, *store.Snapshot) error {
	return errors.New("disk full")
}

func TestBridgePersistFailure(t *testing.T) {
	f := newFixture(t)
	d := f.deps
	d.Snapshots = failingSnapshots{MemoryStore: f.snapshots}

	err := NewBridge(d).Persist(context.Background())

	assert.True(t, HasCode(err, ErrCodeSnapshotInvalid))
}

func TestMergeSurvivesPersistFailure(t *testing.T) {
	f := newFixture(t)
	d := f.deps
	d.Snapshots = failingSnapshots{MemoryStore: f.snapshots}
	merger := NewMerger(d, NewBridge(d))
	require.NoError(t, f.memory.Put(listingsKey, listing("1", "A")))

	_, err := merger.Merge(context.Background())

	require.NoError(t, err)
	assert.True(t, f.store().Has("1"))
}

func TestBridgeHydrateUnsyncedCursor(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store().WriteInsert(listing("1", "A")))
	require.NoError(t, f.bridge.Persist(context.Background()))

	b, entities, cursor := freshBridge(f)
	require.True(t, b.Hydrate(context.Background()))
	assert.Equal(t, 1, entities.Len())
	_, ok := cursor.Get()
	assert.False(t, ok, "next merge will be a full pull")
}

func TestBridgeDiscard(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"))

	require.NoError(t, f.bridge.Discard(context.Background()))

	b, _, _ := freshBridge(f)
	assert.False(t, b.Hydrate(context.Background()))
}

func TestBridgeIsPerActor(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"))

	other := NewBridge(Deps{
		ActorID:   "actor-2",
		Entities:  entitystore.New(listingsKey),
		Snapshots: f.snapshots,
		Clock:     f.clock,
		Logger:    quietLogger(),
	})
	assert.False(t, other.Hydrate(context.Background()))
}

func TestPersistDuringFailedDeleteKeepsEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, listing("x", "X"), listing("y", "Y"))
	f.clock.Advance(time.Minute)

	// A background merge persists while the delete is in flight, then the
	// delete fails.
	f.authority.beforeDelete = func() {
		_, err := f.merger.Merge(ctx)
		require.NoError(t, err)
	}
	f.memory.FailNext(remote.OpDelete, errors.New("unavailable"))
	require.Error(t, f.coord.Delete(ctx, "x"))
	require.True(t, f.store().Has("x"))

	// The next session hydrates and merges from the saved snapshot.
	b, entities, cursor := freshBridge(f)
	require.True(t, b.Hydrate(ctx))
	assert.True(t, entities.Has("x"))

	merger := NewMerger(Deps{
		ActorID:  actor,
		Entities: entities,
		Cursor:   cursor,
		Remote:   f.memory,
		Clock:    f.clock,
		Logger:   quietLogger(),
	}, b)
	f.clock.Advance(time.Minute)
	_, err := merger.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.memory.Entities(listingsKey), entities.All())
}

func TestPersistDuringUpdateSavesConfirmedValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, listing("1", "A"), listing("2", "B"))

	var optimistic *store.Snapshot
	f.authority.beforeUpdate = func() {
		require.NoError(t, f.bridge.Persist(ctx))
		snap, err := f.snapshots.LoadSnapshot(ctx, listingsKey, actor)
		require.NoError(t, err)
		optimistic = snap
	}
	f.memory.FailNext(remote.OpUpdate, errors.New("timeout"))
	_, err := f.coord.Update(ctx, "1", ir.IRObject{"title": ir.IRString("edited")})
	require.Error(t, err)

	require.NotNil(t, optimistic)
	assert.Equal(t, []ir.Entity{listing("1", "A"), listing("2", "B")}, optimistic.Entities)
	assert.Equal(t, 0, f.deps.Pending.Len())
}

func TestPersistAfterConfirmedMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, listing("1", "A"), listing("2", "B"))

	_, err := f.coord.Update(ctx, "1", ir.IRObject{"title": ir.IRString("edited")})
	require.NoError(t, err)
	require.NoError(t, f.coord.Delete(ctx, "2"))
	require.NoError(t, f.bridge.Persist(ctx))

	snap, err := f.snapshots.LoadSnapshot(ctx, listingsKey, actor)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []ir.Entity{listing("1", "edited")}, snap.Entities)
}
