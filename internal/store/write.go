package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveSnapshot upserts the snapshot row and its cursor row in one
// transaction, so a reader never sees entities from one sync paired with
// the cursor of another.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := checkKey(snap.CollectionKey, snap.ActorID); err != nil {
		return err
	}
	entities, err := marshalEntities(snap.Entities)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	savedAt := formatTime(snap.SavedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots
		(collection_key, actor_id, schema_version, entities, entity_count, checksum, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_key, actor_id) DO UPDATE SET
			schema_version = excluded.schema_version,
			entities = excluded.entities,
			entity_count = excluded.entity_count,
			checksum = excluded.checksum,
			saved_at = excluded.saved_at
	`,
		snap.CollectionKey,
		snap.ActorID,
		snap.SchemaVersion,
		entities,
		len(snap.Entities),
		snap.Checksum,
		savedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	var cursor sql.NullString
	if c := formatCursor(snap.Cursor); c != nil {
		cursor = sql.NullString{String: *c, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cursors (collection_key, actor_id, cursor, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection_key, actor_id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, snap.CollectionKey, snap.ActorID, cursor, savedAt)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot: commit: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot and its cursor. Deleting a missing
// snapshot is not an error.
func (s *Store) DeleteSnapshot(ctx context.Context, collectionKey, actorID string) error {
	if err := checkKey(collectionKey, actorID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete snapshot: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"snapshots", "cursors"} {
		query := fmt.Sprintf("DELETE FROM %s WHERE collection_key = ? AND actor_id = ?", table)
		if _, err := tx.ExecContext(ctx, query, collectionKey, actorID); err != nil {
			return fmt.Errorf("delete snapshot: %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete snapshot: commit: %w", err)
	}
	return nil
}
