package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/marketsync/internal/ir"
)

var (
	// ErrCorruptSnapshot is returned when a stored snapshot cannot be decoded.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")

	// ErrInvalidKey is returned for an empty collection key or actor id.
	ErrInvalidKey = errors.New("snapshot key requires collection and actor")
)

// Snapshot is the persisted state of one collection for one actor.
type Snapshot struct {
	CollectionKey string
	ActorID       string
	SchemaVersion int
	Entities      []ir.Entity
	// Cursor is nil when the collection was never synced.
	Cursor   *time.Time
	Checksum string
	SavedAt  time.Time
}

// SnapshotInfo summarizes a stored snapshot without its entities.
type SnapshotInfo struct {
	CollectionKey string     `json:"collection"`
	ActorID       string     `json:"actor"`
	SchemaVersion int        `json:"schema_version"`
	EntityCount   int        `json:"entities"`
	Cursor        *time.Time `json:"cursor,omitempty"`
	SavedAt       time.Time  `json:"saved_at"`
}

// SnapshotStore is implemented by every backend.
//
// LoadSnapshot returns (nil, nil) when nothing was saved for the key.
// ListSnapshots returns summaries ordered by collection then actor; an empty
// actorID lists every actor.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, collectionKey, actorID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	DeleteSnapshot(ctx context.Context, collectionKey, actorID string) error
	ListSnapshots(ctx context.Context, actorID string) ([]SnapshotInfo, error)
	Close() error
}

func checkKey(collectionKey, actorID string) error {
	if strings.TrimSpace(collectionKey) == "" || strings.TrimSpace(actorID) == "" {
		return ErrInvalidKey
	}
	return nil
}

// Info returns the summary of s.
func (s *Snapshot) Info() SnapshotInfo {
	return SnapshotInfo{
		CollectionKey: s.CollectionKey,
		ActorID:       s.ActorID,
		SchemaVersion: s.SchemaVersion,
		EntityCount:   len(s.Entities),
		Cursor:        s.Cursor,
		SavedAt:       s.SavedAt,
	}
}

// snapshotPayload is the self-describing JSON form used by the key/value
// style backends (postgres, badger, memory).
type snapshotPayload struct {
	CollectionKey string      `json:"collection"`
	ActorID       string      `json:"actor"`
	SchemaVersion int         `json:"schema_version"`
	Entities      []ir.Entity `json:"entities"`
	Cursor        *string     `json:"cursor"`
	Checksum      string      `json:"checksum"`
	SavedAt       string      `json:"saved_at"`
}

func encodeSnapshot(s *Snapshot) ([]byte, error) {
	if err := checkKey(s.CollectionKey, s.ActorID); err != nil {
		return nil, err
	}
	entities := s.Entities
	if entities == nil {
		entities = []ir.Entity{}
	}
	p := snapshotPayload{
		CollectionKey: s.CollectionKey,
		ActorID:       s.ActorID,
		SchemaVersion: s.SchemaVersion,
		Entities:      entities,
		Cursor:        formatCursor(s.Cursor),
		Checksum:      s.Checksum,
		SavedAt:       formatTime(s.SavedAt),
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s/%s: %w", s.CollectionKey, s.ActorID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var p snapshotPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	cursor, err := parseCursor(p.Cursor)
	if err != nil {
		return nil, err
	}
	savedAt, err := parseTime(p.SavedAt)
	if err != nil {
		return nil, err
	}
	if p.Entities == nil {
		p.Entities = []ir.Entity{}
	}
	return &Snapshot{
		CollectionKey: p.CollectionKey,
		ActorID:       p.ActorID,
		SchemaVersion: p.SchemaVersion,
		Entities:      p.Entities,
		Cursor:        cursor,
		Checksum:      p.Checksum,
		SavedAt:       savedAt,
	}, nil
}

// marshalEntities encodes entities as a JSON array for the SQLite backend.
func marshalEntities(entities []ir.Entity) (string, error) {
	if entities == nil {
		entities = []ir.Entity{}
	}
	data, err := json.Marshal(entities)
	if err != nil {
		return "", fmt.Errorf("marshal entities: %w", err)
	}
	return string(data), nil
}

func unmarshalEntities(data string) ([]ir.Entity, error) {
	var entities []ir.Entity
	if err := json.Unmarshal([]byte(data), &entities); err != nil {
		return nil, fmt.Errorf("%w: entities: %v", ErrCorruptSnapshot, err)
	}
	if entities == nil {
		entities = []ir.Entity{}
	}
	return entities, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrCorruptSnapshot, s, err)
	}
	return t.UTC(), nil
}

func formatCursor(c *time.Time) *string {
	if c == nil {
		return nil
	}
	s := formatTime(*c)
	return &s
}

func parseCursor(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
