package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/marketsync/internal/catalog"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/store"
	"github.com/roach88/marketsync/internal/testutil"
)

type sessionEnv struct {
	clock     *testutil.ManualClock
	memory    *remote.Memory
	snapshots *store.MemoryStore
}

func newSessionEnv() *sessionEnv {
	clock := testutil.NewManualClock(testutil.Epoch)
	return &sessionEnv{
		clock:     clock,
		memory:    remote.NewMemory(clock),
		snapshots: store.NewMemoryStore(),
	}
}

func (e *sessionEnv) open(t *testing.T, actorID string) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		ActorID:   actorID,
		Catalog:   catalog.Default(),
		Remote:    e.memory,
		Snapshots: e.snapshots,
		Clock:     e.clock,
		IDs:       testutil.NewSequenceIDs(ir.TempIDPrefix),
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestNewSessionValidates(t *testing.T) {
	_, err := NewSession(SessionConfig{})
	assert.Error(t, err)

	_, err = NewSession(SessionConfig{ActorID: actor, Catalog: catalog.Default()})
	assert.Error(t, err)
}

func TestSessionColdStart(t *testing.T) {
	env := newSessionEnv()
	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))
	s := env.open(t, actor)

	require.NoError(t, s.Start(context.Background()))
	s.Wait()

	col, err := s.Collection(listingsKey)
	require.NoError(t, err)
	assert.False(t, col.Warm)
	assert.Equal(t, []string{"1"}, col.Store.IDs())
	assert.Equal(t, 3, env.memory.Calls(remote.OpListAll))

	snaps, err := env.snapshots.ListSnapshots(context.Background(), actor)
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
}

func TestSessionWarmStartRevalidates(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))

	first := env.open(t, actor)
	require.NoError(t, first.Start(ctx))
	first.Close()

	env.clock.Advance(time.Minute)
	require.NoError(t, env.memory.Put(listingsKey, listing("2", "B")))

	second := env.open(t, actor)
	require.NoError(t, second.Start(ctx))
	col, err := second.Collection(listingsKey)
	require.NoError(t, err)
	assert.True(t, col.Warm)
	assert.True(t, col.Store.Has("1"), "snapshot is served before revalidation")

	second.Wait()
	assert.Equal(t, []string{"1", "2"}, col.Store.IDs())
	assert.Equal(t, 3, env.memory.Calls(remote.OpListAll), "warm start does no full pull")
	assert.Equal(t, 3, env.memory.Calls(remote.OpListChangedSince))
}

func TestSessionCorruptSnapshotStartsCold(t *testing.T) {
	env := newSessionEnv()
	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))
	env.snapshots.Corrupt(listingsKey, actor, []byte("garbage"))

	s := env.open(t, actor)
	require.NoError(t, s.Start(context.Background()))

	col, _ := s.Collection(listingsKey)
	assert.False(t, col.Warm)
	assert.True(t, col.Store.Has("1"))
}

func TestSessionActorsAreIsolated(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))

	a := env.open(t, "alice")
	require.NoError(t, a.Start(ctx))
	colA, _ := a.Collection(listingsKey)
	require.NoError(t, colA.Coordinator.Delete(ctx, "1"))
	a.Close()

	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))
	b := env.open(t, "bob")
	require.NoError(t, b.Start(ctx))
	colB, _ := b.Collection(listingsKey)
	assert.False(t, colB.Warm, "alice's snapshot is not bob's")
	assert.True(t, colB.Store.Has("1"))
	assert.Equal(t, 0, colB.Tombstones.Len())
}

func TestSessionStartReportsColdPullFailure(t *testing.T) {
	env := newSessionEnv()
	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))
	env.memory.FailNext(remote.OpListAll, errors.New("offline"))

	s := env.open(t, actor)
	err := s.Start(context.Background())

	assert.True(t, IsMergeError(err))
	col, _ := s.Collection(listingsKey)
	assert.True(t, col.Store.Has("1"), "other collections still start")
}

func TestSessionRevalidate(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	s := env.open(t, actor)
	require.NoError(t, s.Start(ctx))

	env.clock.Advance(time.Minute)
	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))

	results, err := s.Revalidate(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	col, _ := s.Collection(listingsKey)
	assert.True(t, col.Store.Has("1"))
}

func TestSessionLookups(t *testing.T) {
	env := newSessionEnv()
	s := env.open(t, actor)

	assert.Equal(t, catalog.Default().Keys(), s.Keys())

	ref, err := s.Reference(categoriesKey)
	require.NoError(t, err)
	assert.Equal(t, categoriesKey, ref.Store.Key())

	_, err = s.Collection(categoriesKey)
	assert.True(t, HasCode(err, ErrCodeUnknownCollection))
	_, err = s.Reference(listingsKey)
	assert.True(t, HasCode(err, ErrCodeUnknownCollection))
}

func TestSessionSetReferenceUsesReferenceStore(t *testing.T) {
	env := newSessionEnv()
	ctx := context.Background()
	require.NoError(t, env.memory.Put(listingsKey, listing("1", "A")))
	require.NoError(t, env.memory.Put(categoriesKey, category("c1", "Lamps")))
	s := env.open(t, actor)
	require.NoError(t, s.Start(ctx))

	col, _ := s.Collection(listingsKey)
	_, err := col.Coordinator.SetReference(ctx, "1", "category_id", categoriesKey, "c1")
	require.NoError(t, err)

	ref, _ := s.Reference(categoriesKey)
	assert.True(t, ref.Store.Has("c1"))
}

func TestSessionClosed(t *testing.T) {
	env := newSessionEnv()
	s := env.open(t, actor)
	s.Close()
	s.Close()

	_, err := s.Collection(listingsKey)
	assert.True(t, HasCode(err, ErrCodeSessionClosed))
	assert.True(t, HasCode(s.Start(context.Background()), ErrCodeSessionClosed))
}
