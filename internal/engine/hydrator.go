package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
)

// Hydrator caches reference entities on demand.
//
// Only ids missing from the store are fetched, so EnsureCached on a warm
// cache never reaches the authority. An id the authority does not return
// is simply not cached: "does not exist" and "could not be fetched" look
// the same to the caller.
type Hydrator struct {
	key      string
	entities *entitystore.Store
	remote   remote.Authority
	logger   *slog.Logger
}

// NewHydrator creates a hydrator filling entities from authority.
func NewHydrator(entities *entitystore.Store, authority remote.Authority, logger *slog.Logger) *Hydrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hydrator{
		key:      entities.Key(),
		entities: entities,
		remote:   authority,
		logger:   logger.With("collection", entities.Key()),
	}
}

// Store returns the reference store the hydrator fills.
func (h *Hydrator) Store() *entitystore.Store {
	return h.entities
}

// EnsureCached fetches the ids that are not cached yet and returns how many
// entities it inserted. Empty and temp ids are ignored.
func (h *Hydrator) EnsureCached(ctx context.Context, ids []string) (int, error) {
	missing := h.missing(ids)
	if len(missing) == 0 {
		HydrationCount.WithLabelValues(h.key, "hit").Inc()
		return 0, nil
	}

	fetched, err := h.remote.GetByIDs(ctx, h.key, missing)
	if err != nil {
		HydrationCount.WithLabelValues(h.key, "error").Inc()
		h.logger.Warn("reference fetch failed", "ids", missing, "error", err)
		return 0, newSyncError(ErrCodeHydrationFailed, "ensure_cached", h.key, "", err)
	}

	wanted := make(map[string]bool, len(missing))
	for _, id := range missing {
		wanted[id] = true
	}
	inserted := 0
	err = h.entities.WriteBatch(func(tx *entitystore.Tx) error {
		for _, e := range fetched {
			id := e.ID()
			if !wanted[id] || tx.Has(id) {
				continue
			}
			if err := tx.Insert(e); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		HydrationCount.WithLabelValues(h.key, "error").Inc()
		return 0, newSyncError(ErrCodeHydrationFailed, "ensure_cached", h.key, "", err)
	}

	HydrationCount.WithLabelValues(h.key, "ok").Inc()
	if inserted < len(missing) {
		h.logger.Debug("some references not returned",
			"requested", len(missing),
			"inserted", inserted,
		)
	}
	return inserted, nil
}

func (h *Hydrator) missing(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || ir.IsTempID(id) || seen[id] {
			continue
		}
		seen[id] = true
		if !h.entities.Has(id) {
			out = append(out, id)
		}
	}
	return out
}
