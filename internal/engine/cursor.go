package engine

import (
	"sync"
	"time"
)

// SyncCursor records the last time a collection was reconciled for one
// actor. A cursor that was never set means "never synced": the next pull
// must be a full pull.
//
// Advance never moves the cursor backwards.
type SyncCursor struct {
	collection string
	actor      string

	mu sync.Mutex
	at time.Time
	ok bool
}

// NewSyncCursor creates an unset cursor.
func NewSyncCursor(collectionKey, actorID string) *SyncCursor {
	return &SyncCursor{collection: collectionKey, actor: actorID}
}

// Get returns the cursor and whether it was ever set.
func (c *SyncCursor) Get() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at, c.ok
}

// Advance moves the cursor to t if t is not earlier than the current value.
// It reports whether the cursor changed.
func (c *SyncCursor) Advance(t time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t = t.UTC()
	if c.ok && t.Before(c.at) {
		return false
	}
	changed := !c.ok || !t.Equal(c.at)
	c.at, c.ok = t, true
	return changed
}

// Seed sets the cursor from a persisted snapshot, replacing any value.
func (c *SyncCursor) Seed(t time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		c.at, c.ok = time.Time{}, false
		return
	}
	c.at, c.ok = t.UTC(), true
}

// Reset forgets the cursor, forcing the next pull to be full.
func (c *SyncCursor) Reset() {
	c.Seed(time.Time{}, false)
}

// Pointer returns the cursor as a *time.Time for persistence (nil = unset).
func (c *SyncCursor) Pointer() *time.Time {
	at, ok := c.Get()
	if !ok {
		return nil
	}
	return &at
}
