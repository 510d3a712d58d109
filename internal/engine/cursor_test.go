package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/marketsync/internal/testutil"
)

func TestSyncCursorStartsUnset(t *testing.T) {
	c := NewSyncCursor(listingsKey, actor)
	_, ok := c.Get()
	assert.False(t, ok)
	assert.Nil(t, c.Pointer())
}

func TestSyncCursorNeverMovesBackwards(t *testing.T) {
	c := NewSyncCursor(listingsKey, actor)
	t0 := testutil.Epoch
	t1 := t0.Add(time.Minute)

	assert.True(t, c.Advance(t1))
	assert.False(t, c.Advance(t0))
	assert.False(t, c.Advance(t1), "same value is not a change")

	got, ok := c.Get()
	assert.True(t, ok)
	assert.Equal(t, t1, got)
}

func TestSyncCursorSeedAndReset(t *testing.T) {
	c := NewSyncCursor(listingsKey, actor)
	c.Advance(testutil.Epoch.Add(time.Hour))

	c.Seed(testutil.Epoch, true)
	got, _ := c.Get()
	assert.Equal(t, testutil.Epoch, got, "seed replaces, even backwards")

	c.Reset()
	_, ok := c.Get()
	assert.False(t, ok)
}

func TestTombstoneLifecycle(t *testing.T) {
	ts := NewTombstoneSet()
	ts.Add("b")
	ts.Add("a")

	assert.True(t, ts.Pending("a"))
	assert.Equal(t, []string{"a", "b"}, ts.IDs())

	ts.Settle("a")
	ts.Settle("missing")
	assert.True(t, ts.Has("a"))
	assert.False(t, ts.Pending("a"))
	assert.Equal(t, []string{"a"}, ts.Settled())

	assert.Equal(t, 0, ts.Forget("b"), "pending tombstones are not forgotten")
	assert.Equal(t, 1, ts.Forget("a"))
	assert.Equal(t, 1, ts.Len())

	ts.Remove("b")
	assert.False(t, ts.Has("b"))
	assert.Equal(t, 0, ts.Len())
}
