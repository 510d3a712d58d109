package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSnapshotTableName = "marketsync_snapshots"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one JSON payload row per (collection, actor).
// The connection and table are set up lazily on first use.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ SnapshotStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store for dsn without connecting.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres store: empty dsn")
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresSnapshotTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresStore) LoadSnapshot(ctx context.Context, collectionKey, actorID string) (*Snapshot, error) {
	if err := checkKey(collectionKey, actorID); err != nil {
		return nil, err
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE collection_key = $1 AND actor_id = $2", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, collectionKey, actorID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s/%s: %w", collectionKey, actorID, err)
	}
	return decodeSnapshot([]byte(payload))
}

func (b *PostgresStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (collection_key, actor_id, payload, entity_count, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (collection_key, actor_id)
		DO UPDATE SET payload = EXCLUDED.payload, entity_count = EXCLUDED.entity_count, updated_at = NOW()`,
		postgresQuoteIdentifier(b.tableName))
	if _, err := b.db.ExecContext(ctx, query, snap.CollectionKey, snap.ActorID, string(payload), len(snap.Entities)); err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", snap.CollectionKey, snap.ActorID, err)
	}
	return nil
}

func (b *PostgresStore) DeleteSnapshot(ctx context.Context, collectionKey, actorID string) error {
	if err := checkKey(collectionKey, actorID); err != nil {
		return err
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE collection_key = $1 AND actor_id = $2", postgresQuoteIdentifier(b.tableName))
	if _, err := b.db.ExecContext(ctx, query, collectionKey, actorID); err != nil {
		return fmt.Errorf("delete snapshot %s/%s: %w", collectionKey, actorID, err)
	}
	return nil
}

func (b *PostgresStore) ListSnapshots(ctx context.Context, actorID string) ([]SnapshotInfo, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT payload FROM %s
		WHERE $1 = '' OR actor_id = $1
		ORDER BY collection_key COLLATE "C" ASC, actor_id COLLATE "C" ASC`,
		postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, actorID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	infos := []SnapshotInfo{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := decodeSnapshot([]byte(payload))
		if err != nil {
			return nil, err
		}
		infos = append(infos, snap.Info())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}

func (b *PostgresStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresStore) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection_key TEXT NOT NULL,
				actor_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				entity_count INTEGER NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection_key, actor_id)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
