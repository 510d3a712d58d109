package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
)

// HydratorLookup resolves a reference collection key to its hydrator.
type HydratorLookup func(collectionKey string) (*Hydrator, bool)

// Coordinator is the only sanctioned write path for one primary
// collection. Every mutation is applied to the store first, then sent to
// the authority, then confirmed or rolled back.
//
// The coordinator never retries. A failed remote call rolls the local
// change back and returns a SyncError with code REMOTE_FAILED wrapping the
// transport error.
type Coordinator struct {
	key        string
	entities   *entitystore.Store
	tombstones *TombstoneSet
	pending    *PendingSet
	remote     remote.Authority
	ids        IDGenerator
	refs       HydratorLookup
	logger     *slog.Logger
}

// NewCoordinator creates a coordinator. refs may be nil if SetReference is
// never used.
func NewCoordinator(d Deps, refs HydratorLookup) *Coordinator {
	d = d.withDefaults()
	if refs == nil {
		refs = func(string) (*Hydrator, bool) { return nil, false }
	}
	return &Coordinator{
		key:        d.Key(),
		entities:   d.Entities,
		tombstones: d.Tombstones,
		pending:    d.Pending,
		remote:     d.Remote,
		ids:        d.IDs,
		refs:       refs,
		logger:     d.Logger,
	}
}

// Insert shows draft immediately under a temp id, creates it remotely and
// swaps the temp entity for the server's. After a successful insert exactly
// one entity represents the new record.
func (c *Coordinator) Insert(ctx context.Context, draft ir.IRObject) (ir.Entity, error) {
	tempID := c.ids.Generate()
	if !ir.IsTempID(tempID) {
		tempID = ir.TempIDPrefix + tempID
	}
	fields := ir.Entity(draft).WithoutID()
	if err := c.entities.WriteInsert(ir.NewEntity(tempID, fields)); err != nil {
		return nil, err
	}

	created, err := c.remote.Create(ctx, c.key, fields)
	if err == nil {
		err = created.Validate()
		if err == nil && created.IsTemp() {
			err = remote.ErrTempID
		}
	}
	if err != nil {
		if derr := c.entities.WriteDelete(tempID); derr != nil {
			c.logger.Warn("temp entity cleanup failed", "id", tempID, "error", derr)
		}
		return nil, c.rejected("insert", tempID, err)
	}

	realID := created.ID()
	err = c.entities.WriteBatch(func(tx *entitystore.Tx) error {
		tx.Delete(tempID)
		if tx.Has(realID) {
			return nil
		}
		return tx.Insert(created)
	})
	if err != nil {
		return nil, err
	}

	MutationCount.WithLabelValues(c.key, "insert", "ok").Inc()
	c.logger.Debug("insert confirmed", "temp_id", tempID, "id", realID)
	return created.Clone(), nil
}

// Update applies fields to id immediately and sends them to the authority.
// IRNull clears a field. On failure the patched fields get their previous
// values back, which restores the previous entity exactly unless something
// else touched it meanwhile. On success the server's entity replaces the
// optimistic one, unless a later write already superseded it.
func (c *Coordinator) Update(ctx context.Context, id string, fields ir.IRObject) (ir.Entity, error) {
	if ir.IsTempID(id) {
		return nil, newSyncError(ErrCodePendingInsert, "update", c.key, id, remote.ErrTempID)
	}
	previous, ok := c.entities.Get(id)
	if !ok {
		return nil, newSyncError(ErrCodeNotFound, "update", c.key, id, entitystore.ErrNotFound)
	}

	patch := ir.NewPatch(id, fields)
	optimistic := ir.ApplyPatch(previous, patch)
	c.pending.Begin(id, previous)
	if err := c.entities.WriteUpdate(patch); err != nil {
		c.pending.Abort(id)
		return nil, newSyncError(ErrCodeNotFound, "update", c.key, id, err)
	}

	confirmed, err := c.remote.Update(ctx, c.key, id, patch)
	if err == nil && confirmed.ID() != id {
		err = ir.ErrMissingID
	}
	if err != nil {
		rbErr := c.entities.WriteBatch(func(tx *entitystore.Tx) error {
			current, ok := tx.Get(id)
			if !ok || c.tombstones.Has(id) {
				return nil
			}
			return tx.Replace(revertFields(current, previous, patch))
		})
		if rbErr != nil {
			c.logger.Warn("update rollback failed", "id", id, "error", rbErr)
		}
		c.pending.Abort(id)
		return nil, c.rejected("update", id, err)
	}

	err = c.entities.WriteBatch(func(tx *entitystore.Tx) error {
		current, ok := tx.Get(id)
		if !ok || !current.Equal(optimistic) {
			return nil
		}
		return tx.Replace(confirmed)
	})
	c.pending.Confirm(id, confirmed)
	if err != nil {
		return nil, err
	}

	MutationCount.WithLabelValues(c.key, "update", "ok").Inc()
	return confirmed.Clone(), nil
}

// revertFields undoes patch on current using the values of previous.
func revertFields(current, previous ir.Entity, patch ir.Patch) ir.Entity {
	out := current.Clone()
	for k := range patch {
		if k == ir.IDField {
			continue
		}
		if v, ok := previous[k]; ok {
			out[k] = ir.CloneValue(v)
		} else {
			delete(out, k)
		}
	}
	return out
}

// Delete removes id immediately and tombstones it so no merge brings it
// back while the remote delete is in flight. On failure the tombstone is
// dropped and the previous entity restored. A temp id is removed locally
// only; an authority that no longer has the id counts as success.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	if id == "" {
		return newSyncError(ErrCodeNotFound, "delete", c.key, id, ir.ErrMissingID)
	}
	if ir.IsTempID(id) {
		if err := c.entities.WriteDelete(id); err != nil {
			return err
		}
		MutationCount.WithLabelValues(c.key, "delete", "local").Inc()
		return nil
	}

	previous, existed := c.entities.Get(id)
	c.pending.Begin(id, previous)
	c.tombstones.Add(id)
	if err := c.entities.WriteDelete(id); err != nil {
		c.tombstones.Remove(id)
		c.pending.Abort(id)
		return err
	}

	err := c.remote.Delete(ctx, c.key, id)
	if errors.Is(err, remote.ErrNotFound) {
		c.logger.Debug("entity already gone remotely", "id", id)
		err = nil
	}
	if err != nil {
		c.tombstones.Remove(id)
		if existed {
			rbErr := c.entities.WriteBatch(func(tx *entitystore.Tx) error {
				if tx.Has(id) {
					return nil
				}
				return tx.Insert(previous)
			})
			if rbErr != nil {
				c.logger.Warn("delete rollback failed", "id", id, "error", rbErr)
			}
		}
		c.pending.Abort(id)
		return c.rejected("delete", id, err)
	}

	c.tombstones.Settle(id)
	c.pending.Confirm(id, nil)
	MutationCount.WithLabelValues(c.key, "delete", "ok").Inc()
	return nil
}

// SetReference points field of entity id at refID in refCollection and
// then makes sure the referenced entity is cached. An empty refID clears
// the field. Only the update is rolled back on failure; a failed
// hydration is logged and swallowed, since it only affects the reference
// cache.
func (c *Coordinator) SetReference(ctx context.Context, id, field, refCollection, refID string) (ir.Entity, error) {
	h, ok := c.refs(refCollection)
	if !ok {
		return nil, newSyncError(ErrCodeUnknownCollection, "set_reference", refCollection, id, nil)
	}

	var value ir.IRValue = ir.IRString(refID)
	if refID == "" {
		value = ir.IRNull{}
	}
	updated, err := c.Update(ctx, id, ir.IRObject{field: value})
	if err != nil {
		return nil, err
	}

	if refID != "" {
		if _, err := h.EnsureCached(ctx, []string{refID}); err != nil {
			c.logger.Warn("reference hydration failed",
				"id", id,
				"field", field,
				"ref", refID,
				"error", err,
			)
		}
	}
	return updated, nil
}

func (c *Coordinator) rejected(op, id string, err error) error {
	MutationCount.WithLabelValues(c.key, op, "error").Inc()
	RollbackCount.WithLabelValues(c.key, op).Inc()
	c.logger.Warn("mutation rolled back",
		"op", op,
		"id", id,
		"error", err,
	)
	return newSyncError(ErrCodeRemoteFailed, op, c.key, id, err)
}
