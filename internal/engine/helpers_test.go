package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/store"
	"github.com/roach88/marketsync/internal/testutil"
)

const (
	listingsKey   = "dashboard:listings"
	categoriesKey = "reference:categories"
	actor         = "actor-1"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listing(id, title string) ir.Entity {
	return ir.NewEntity(id, ir.IRObject{"title": ir.IRString(title)})
}

// hookedAuthority runs a callback before delegating a mutation to Memory,
// i.e. while the optimistic state is visible and the call is in flight.
type hookedAuthority struct {
	*remote.Memory
	beforeUpdate func()
	beforeDelete func()
}

func (h *hookedAuthority) Update(ctx context.Context, collection, id string, patch ir.Patch) (ir.Entity, error) {
	if h.beforeUpdate != nil {
		h.beforeUpdate()
	}
	return h.Memory.Update(ctx, collection, id, patch)
}

func (h *hookedAuthority) Delete(ctx context.Context, collection, id string) error {
	if h.beforeDelete != nil {
		h.beforeDelete()
	}
	return h.Memory.Delete(ctx, collection, id)
}

type fixture struct {
	clock     *testutil.ManualClock
	memory    *remote.Memory
	authority *hookedAuthority
	snapshots *store.MemoryStore
	deps      Deps
	bridge    *Bridge
	merger    *Merger
	coord     *Coordinator
	refs      *Hydrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	memory := remote.NewMemory(clock)
	authority := &hookedAuthority{Memory: memory}
	snapshots := store.NewMemoryStore()

	d := Deps{
		ActorID:    actor,
		Entities:   entitystore.New(listingsKey),
		Cursor:     NewSyncCursor(listingsKey, actor),
		Tombstones: NewTombstoneSet(),
		Pending:    NewPendingSet(),
		Remote:     authority,
		Snapshots:  snapshots,
		Clock:      clock,
		IDs:        testutil.NewSequenceIDs(ir.TempIDPrefix),
		Logger:     quietLogger(),
	}
	refs := NewHydrator(entitystore.New(categoriesKey), authority, quietLogger())
	bridge := NewBridge(d)
	return &fixture{
		clock:     clock,
		memory:    memory,
		authority: authority,
		snapshots: snapshots,
		deps:      d,
		bridge:    bridge,
		merger:    NewMerger(d, bridge),
		coord: NewCoordinator(d, func(key string) (*Hydrator, bool) {
			return refs, key == categoriesKey
		}),
		refs: refs,
	}
}

func (f *fixture) store() *entitystore.Store {
	return f.deps.Entities
}

// seed puts entities on the server and pulls them in.
func (f *fixture) seed(t *testing.T, entities ...ir.Entity) {
	t.Helper()
	for _, e := range entities {
		require.NoError(t, f.memory.Put(listingsKey, e))
	}
	_, err := f.merger.FullPull(context.Background())
	require.NoError(t, err)
}

func (f *fixture) tempIDs() []string {
	var ids []string
	for _, id := range f.store().IDs() {
		if ir.IsTempID(id) {
			ids = append(ids, id)
		}
	}
	return ids
}
