package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LoadSnapshot reads the snapshot for (collectionKey, actorID) together with
// its cursor row. Returns (nil, nil) if nothing was saved.
func (s *Store) LoadSnapshot(ctx context.Context, collectionKey, actorID string) (*Snapshot, error) {
	if err := checkKey(collectionKey, actorID); err != nil {
		return nil, err
	}

	var (
		snap     Snapshot
		entities string
		cursor   sql.NullString
		savedAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT s.collection_key, s.actor_id, s.schema_version, s.entities, s.checksum, s.saved_at, c.cursor
		FROM snapshots s
		LEFT JOIN cursors c
		  ON c.collection_key = s.collection_key AND c.actor_id = s.actor_id
		WHERE s.collection_key = ? AND s.actor_id = ?
	`, collectionKey, actorID).Scan(
		&snap.CollectionKey,
		&snap.ActorID,
		&snap.SchemaVersion,
		&entities,
		&snap.Checksum,
		&savedAt,
		&cursor,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s/%s: %w", collectionKey, actorID, err)
	}

	if snap.Entities, err = unmarshalEntities(entities); err != nil {
		return nil, err
	}
	if snap.SavedAt, err = parseTime(savedAt); err != nil {
		return nil, err
	}
	if cursor.Valid {
		if snap.Cursor, err = parseCursor(&cursor.String); err != nil {
			return nil, err
		}
	}
	return &snap, nil
}

// LoadCursor reads the cursor row on its own. ok is false when the
// collection was never synced for this actor.
func (s *Store) LoadCursor(ctx context.Context, collectionKey, actorID string) (cursor time.Time, ok bool, err error) {
	var c sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT cursor FROM cursors
		WHERE collection_key = ? AND actor_id = ?
	`, collectionKey, actorID).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !c.Valid) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load cursor: %w", err)
	}
	t, err := parseTime(c.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// ListSnapshots returns snapshot summaries ordered by collection then actor.
// Returns an empty slice (not nil) if nothing is stored.
func (s *Store) ListSnapshots(ctx context.Context, actorID string) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.collection_key, s.actor_id, s.schema_version, s.entity_count, s.saved_at, c.cursor
		FROM snapshots s
		LEFT JOIN cursors c
		  ON c.collection_key = s.collection_key AND c.actor_id = s.actor_id
		WHERE ? = '' OR s.actor_id = ?
		ORDER BY s.collection_key COLLATE BINARY ASC, s.actor_id COLLATE BINARY ASC
	`, actorID, actorID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	infos := []SnapshotInfo{}
	for rows.Next() {
		var (
			info    SnapshotInfo
			savedAt string
			cursor  sql.NullString
		)
		if err := rows.Scan(&info.CollectionKey, &info.ActorID, &info.SchemaVersion, &info.EntityCount, &savedAt, &cursor); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if info.SavedAt, err = parseTime(savedAt); err != nil {
			return nil, err
		}
		if cursor.Valid {
			if info.Cursor, err = parseCursor(&cursor.String); err != nil {
				return nil, err
			}
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}
