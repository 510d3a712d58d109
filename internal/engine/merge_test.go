package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/testutil"
)

func TestMergeAdvancesCursorToPullTime(t *testing.T) {
	f := newFixture(t)
	t0 := testutil.Epoch
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(5 * time.Minute)
	f.deps.Cursor.Seed(t0, true)

	f.clock.Set(t1)
	require.NoError(t, f.memory.Put(listingsKey, listing("1", "A")))
	f.clock.Set(t2)

	res, err := f.merger.Merge(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Full)
	assert.Equal(t, 1, res.Applied)
	cursor, ok := f.deps.Cursor.Get()
	require.True(t, ok)
	assert.Equal(t, t2, cursor)
	assert.NotEqual(t, t1, cursor)
	assert.Equal(t, t2, res.Cursor)
}

func TestMergeCapturesCursorBeforeFetch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"))
	pulledAt := f.clock.Advance(time.Minute)

	// A write lands on the server while the pull is in flight.
	f.memory.SetBeforeReturn(func(op, collection string) {
		if op == remote.OpListChangedSince {
			f.clock.Advance(time.Second)
			require.NoError(t, f.memory.Put(listingsKey, listing("2", "late")))
		}
	})
	_, err := f.merger.Merge(context.Background())
	require.NoError(t, err)
	f.memory.SetBeforeReturn(nil)

	cursor, _ := f.deps.Cursor.Get()
	assert.Equal(t, pulledAt, cursor)
	assert.False(t, f.store().Has("2"))

	_, err = f.merger.Merge(context.Background())
	require.NoError(t, err)
	assert.True(t, f.store().Has("2"), "next merge picks up the late write")
}

func TestMergeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"), listing("2", "B"))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.memory.Put(listingsKey, listing("3", "C")))

	_, err := f.merger.Merge(context.Background())
	require.NoError(t, err)
	before := f.store().All()
	version := f.store().Version()

	_, err = f.merger.Merge(context.Background())
	require.NoError(t, err)

	assert.Equal(t, before, f.store().All())
	assert.Equal(t, version, f.store().Version(), "second merge publishes nothing")
}

func TestMergeFailureKeepsCursorAndData(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"))
	cursor, _ := f.deps.Cursor.Get()
	saves := f.snapshots.Saves()
	f.clock.Advance(time.Hour)
	f.memory.FailNext(remote.OpListChangedSince, errors.New("offline"))

	_, err := f.merger.Merge(context.Background())

	assert.True(t, IsMergeError(err))
	after, _ := f.deps.Cursor.Get()
	assert.Equal(t, cursor, after)
	assert.Equal(t, saves, f.snapshots.Saves())
	assert.True(t, f.store().Has("1"))
}

func TestMergeNeverSyncedPullsFull(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.memory.Put(listingsKey, listing("1", "A")))

	res, err := f.merger.Merge(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Full)
	assert.Equal(t, 1, f.memory.Calls(remote.OpListAll))
	assert.Equal(t, 0, f.memory.Calls(remote.OpListChangedSince))
	assert.True(t, f.store().Has("1"))
}

// duplicateAuthority returns the same id twice in one incremental pull.
type duplicateAuthority struct {
	*remote.Memory
}

func (duplicateAuthority) ListChangedSince(context.Context, string, time.Time) ([]ir.Entity, error) {
	return []ir.Entity{listing("1", "old"), listing("1", "new")}, nil
}

func TestMergeLaterEntryWins(t *testing.T) {
	f := newFixture(t)
	f.deps.Cursor.Seed(testutil.Epoch, true)
	d := f.deps
	d.Remote = duplicateAuthority{Memory: f.memory}
	merger := NewMerger(d, nil)

	_, err := merger.Merge(context.Background())
	require.NoError(t, err)

	got, _ := f.store().Get("1")
	assert.Equal(t, ir.IRString("new"), got["title"])
}

func TestMergeKeepsTempAndUnreturnedEntities(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"))
	require.NoError(t, f.store().WriteInsert(listing("tmp_0009", "draft")))
	f.clock.Advance(time.Minute)

	_, err := f.merger.Merge(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "tmp_0009"}, f.store().IDs())
}

func TestMergePersistsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"))
	require.NoError(t, f.store().WriteInsert(listing("tmp_0009", "draft")))
	now := f.clock.Advance(time.Minute)

	_, err := f.merger.Merge(context.Background())
	require.NoError(t, err)

	snap, err := f.snapshots.LoadSnapshot(context.Background(), listingsKey, actor)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []ir.Entity{listing("1", "A")}, snap.Entities)
	require.NotNil(t, snap.Cursor)
	assert.True(t, now.Equal(*snap.Cursor))
}

func TestFullPullConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, listing("1", "A"), listing("2", "B"), listing("3", "C"))

	_, err := f.coord.Insert(ctx, ir.IRObject{"title": ir.IRString("D")})
	require.NoError(t, err)
	_, err = f.coord.Update(ctx, "1", ir.IRObject{"title": ir.IRString("A2")})
	require.NoError(t, err)
	require.NoError(t, f.coord.Delete(ctx, "2"))
	f.memory.FailNext(remote.OpUpdate, errors.New("rejected"))
	_, err = f.coord.Update(ctx, "3", ir.IRObject{"title": ir.IRString("C2")})
	require.Error(t, err)

	// Another client edits the server meanwhile.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.memory.Put(listingsKey, listing("3", "C-remote")))
	require.NoError(t, f.memory.Put(listingsKey, listing("9", "Z")))
	f.memory.Remove(listingsKey, "srv-1")

	_, err = f.merger.FullPull(ctx)
	require.NoError(t, err)

	assert.Equal(t, f.memory.Entities(listingsKey), f.store().All())
}

func TestFullPullTombstones(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("pending", "P"), listing("settled", "S"))
	f.deps.Tombstones.Add("pending")
	f.deps.Tombstones.Add("settled")
	f.deps.Tombstones.Settle("settled")

	res, err := f.merger.FullPull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Suppressed)
	assert.Equal(t, 0, f.store().Len())
	assert.True(t, f.deps.Tombstones.Has("pending"), "in-flight delete still guarded")
	assert.False(t, f.deps.Tombstones.Has("settled"))
}

func TestFullPullKeepsTempEntities(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store().WriteInsert(listing("tmp_0001", "draft"), listing("gone", "G")))
	require.NoError(t, f.memory.Put(listingsKey, listing("1", "A")))

	_, err := f.merger.FullPull(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "tmp_0001"}, f.store().IDs())
}

func TestFullPullFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store().WriteInsert(listing("1", "A")))
	f.memory.FailNext(remote.OpListAll, errors.New("offline"))

	_, err := f.merger.FullPull(context.Background())

	assert.True(t, IsMergeError(err))
	_, ok := f.deps.Cursor.Get()
	assert.False(t, ok)
	assert.True(t, f.store().Has("1"))
	assert.Equal(t, 0, f.snapshots.Saves())
}

func TestMergeRejectsEntityWithoutID(t *testing.T) {
	f := newFixture(t)
	f.deps.Cursor.Seed(testutil.Epoch, true)
	d := f.deps
	d.Remote = badAuthority{Memory: f.memory}
	merger := NewMerger(d, nil)

	_, err := merger.Merge(context.Background())

	assert.True(t, IsMergeError(err))
	assert.ErrorIs(t, err, ir.ErrMissingID)
	assert.Equal(t, 0, f.store().Len())
}

type badAuthority struct {
	*remote.Memory
}

func (badAuthority) ListChangedSince(context.Context, string, time.Time) ([]ir.Entity, error) {
	return []ir.Entity{listing("1", "A"), {"title": ir.IRString("no id")}}, nil
}

func TestMergeChangeSetIsAtomic(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.clock.Advance(time.Minute)
	require.NoError(t, f.memory.Put(listingsKey, listing("1", "A")))
	require.NoError(t, f.memory.Put(listingsKey, listing("2", "B")))

	var sets []entitystore.ChangeSet
	f.store().Subscribe(func(cs entitystore.ChangeSet) { sets = append(sets, cs) })

	_, err := f.merger.Merge(context.Background())
	require.NoError(t, err)

	require.Len(t, sets, 1)
	assert.Equal(t, []string{"1", "2"}, sets[0].IDs())
}

func TestConcurrentMergesShareOnePull(t *testing.T) {
	f := newFixture(t)
	f.seed(t, listing("1", "A"))
	before := f.memory.Calls(remote.OpListChangedSince)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.memory.SetBeforeReturn(func(op, collection string) {
		if op == remote.OpListChangedSince {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})
	defer f.memory.SetBeforeReturn(nil)

	results := make(chan MergeResult, 2)
	merge := func() {
		res, err := f.merger.Merge(context.Background())
		assert.NoError(t, err)
		results <- res
	}
	go merge()
	<-entered
	go merge()
	// Give the second call time to join the in-flight pull.
	time.Sleep(100 * time.Millisecond)
	close(release)

	first, second := <-results, <-results
	assert.Equal(t, first, second)
	assert.Equal(t, before+1, f.memory.Calls(remote.OpListChangedSince))
}

func TestFullPullKeepsInsertConfirmedDuringList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, listing("a", "A"))

	var created ir.Entity
	f.memory.SetBeforeReturn(func(op, collection string) {
		if op != remote.OpListAll || created != nil {
			return
		}
		var err error
		created, err = f.coord.Insert(ctx, ir.IRObject{"title": ir.IRString("new")})
		require.NoError(t, err)
	})
	defer f.memory.SetBeforeReturn(nil)

	res, err := f.merger.FullPull(ctx)
	require.NoError(t, err)
	require.NotNil(t, created)

	assert.Equal(t, 1, res.Fetched, "the list predates the insert")
	assert.Equal(t, []string{"a", created.ID()}, f.store().IDs())
	assert.Empty(t, f.tempIDs())
}
