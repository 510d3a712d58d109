package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
)

// MergeResult summarizes one pull.
type MergeResult struct {
	Collection string `json:"collection"`
	// Full is true for a full pull (cold start or explicit re-seed).
	Full bool `json:"full"`
	// Fetched counts entities returned by the authority.
	Fetched int `json:"fetched"`
	// Applied counts entities written to the store.
	Applied int `json:"applied"`
	// Suppressed counts tombstoned entities that were skipped.
	Suppressed int `json:"suppressed"`
	// Cursor is the cursor after the pull.
	Cursor time.Time `json:"cursor"`
}

// Merger pulls changes from the authority into one collection.
//
// Concurrent Merge calls share one in-flight request, as do concurrent
// FullPull calls.
type Merger struct {
	key        string
	entities   *entitystore.Store
	cursor     *SyncCursor
	tombstones *TombstoneSet
	pending    *PendingSet
	remote     remote.Authority
	bridge     *Bridge
	clock      Clock
	logger     *slog.Logger

	group singleflight.Group
}

// NewMerger creates a merger. bridge may be nil, in which case nothing is
// persisted.
func NewMerger(d Deps, bridge *Bridge) *Merger {
	d = d.withDefaults()
	return &Merger{
		key:        d.Key(),
		entities:   d.Entities,
		cursor:     d.Cursor,
		tombstones: d.Tombstones,
		pending:    d.Pending,
		remote:     d.Remote,
		bridge:     bridge,
		clock:      d.Clock,
		logger:     d.Logger,
	}
}

// Merge runs an incremental pull: every entity changed at or after the
// cursor is upserted by id, tombstoned ids are skipped, and the cursor
// advances to the time the pull was issued. A collection that was never
// synced gets a full pull instead.
//
// On failure nothing changes: the cursor stays where it was, so the next
// merge retries the same window.
func (m *Merger) Merge(ctx context.Context) (MergeResult, error) {
	if _, ok := m.cursor.Get(); !ok {
		return m.FullPull(ctx)
	}
	v, err, _ := m.group.Do("merge", func() (any, error) {
		return m.merge(ctx)
	})
	res, _ := v.(MergeResult)
	return res, err
}

func (m *Merger) merge(ctx context.Context) (MergeResult, error) {
	start := time.Now()
	since, _ := m.cursor.Get()
	now := m.clock.Now()

	fetched, err := m.remote.ListChangedSince(ctx, m.key, since)
	if err != nil {
		return MergeResult{}, m.failed("merge", "incremental", err)
	}

	res := MergeResult{Collection: m.key, Fetched: len(fetched)}
	err = m.entities.WriteBatch(func(tx *entitystore.Tx) error {
		for _, e := range fetched {
			if m.tombstones.Has(e.ID()) {
				res.Suppressed++
				continue
			}
			if err := tx.Insert(e); err != nil {
				return err
			}
			res.Applied++
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, m.failed("merge", "incremental", err)
	}
	m.pending.Observe(fetched)

	m.cursor.Advance(now)
	res.Cursor, _ = m.cursor.Get()
	m.finish(ctx, "incremental", res, start)
	return res, nil
}

// FullPull replaces the collection with everything the authority holds.
// Temp entities of in-flight inserts survive, ids with a delete in flight
// stay out, and ids written locally while the list was in flight keep
// their local state. Settled tombstones are forgotten.
func (m *Merger) FullPull(ctx context.Context) (MergeResult, error) {
	v, err, _ := m.group.Do("full", func() (any, error) {
		return m.fullPull(ctx)
	})
	res, _ := v.(MergeResult)
	return res, err
}

func (m *Merger) fullPull(ctx context.Context) (MergeResult, error) {
	start := time.Now()
	now := m.clock.Now()
	settled := m.tombstones.Settled()
	version := m.entities.Version()

	all, err := m.remote.ListAll(ctx, m.key)
	if err != nil {
		return MergeResult{}, m.failed("full_pull", "full", err)
	}

	res := MergeResult{Collection: m.key, Full: true, Fetched: len(all)}
	kept := make([]ir.Entity, 0, len(all))
	for _, e := range all {
		if m.tombstones.Has(e.ID()) {
			res.Suppressed++
			continue
		}
		kept = append(kept, e)
	}
	// Writes that landed while the list was in flight are newer than it;
	// an insert confirmed meanwhile stays instead of vanishing until the
	// next merge.
	err = m.entities.ResetSince(kept, version, func(e ir.Entity) bool {
		return e.IsTemp()
	})
	if err != nil {
		return MergeResult{}, m.failed("full_pull", "full", err)
	}
	m.pending.ObserveAll(all)
	res.Applied = len(kept)
	m.tombstones.Forget(settled...)

	m.cursor.Advance(now)
	res.Cursor, _ = m.cursor.Get()
	m.finish(ctx, "full", res, start)
	return res, nil
}

func (m *Merger) failed(op, kind string, err error) error {
	MergeCount.WithLabelValues(m.key, kind, "error").Inc()
	m.logger.Warn("pull failed, keeping local data",
		"kind", kind,
		"error", err,
	)
	return newSyncError(ErrCodeMergeFailed, op, m.key, "", err)
}

// finish records metrics and persists. A failed persist is logged, not
// returned: the merge itself succeeded and the next one persists again.
func (m *Merger) finish(ctx context.Context, kind string, res MergeResult, start time.Time) {
	MergeCount.WithLabelValues(m.key, kind, "ok").Inc()
	MergeDuration.WithLabelValues(m.key, kind).Observe(time.Since(start).Seconds())
	MergedEntities.WithLabelValues(m.key, "applied").Add(float64(res.Applied))
	MergedEntities.WithLabelValues(m.key, "suppressed").Add(float64(res.Suppressed))

	m.logger.Info("pull merged",
		"kind", kind,
		"fetched", res.Fetched,
		"applied", res.Applied,
		"suppressed", res.Suppressed,
		"cursor", res.Cursor,
	)

	if m.bridge == nil {
		return
	}
	if err := m.bridge.Persist(ctx); err != nil {
		m.logger.Warn("persist after pull failed", "error", err)
	}
}
