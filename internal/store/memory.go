package store

import (
	"context"
	"sync"
)

// MemoryStore is a process-local SnapshotStore. Snapshots are stored in
// their encoded form, so a load never aliases a saved value.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[memoryKey][]byte
	saves     int
}

type memoryKey struct {
	collection string
	actor      string
}

var _ SnapshotStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[memoryKey][]byte)}
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, collectionKey, actorID string) (*Snapshot, error) {
	if err := checkKey(collectionKey, actorID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	data, ok := m.snapshots[memoryKey{collectionKey, actorID}]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(data)
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[memoryKey{snap.CollectionKey, snap.ActorID}] = data
	m.saves++
	return nil
}

func (m *MemoryStore) DeleteSnapshot(_ context.Context, collectionKey, actorID string) error {
	if err := checkKey(collectionKey, actorID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, memoryKey{collectionKey, actorID})
	return nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, actorID string) ([]SnapshotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := []SnapshotInfo{}
	for key, data := range m.snapshots {
		if actorID != "" && key.actor != actorID {
			continue
		}
		snap, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		infos = append(infos, snap.Info())
	}
	sortInfos(infos)
	return infos, nil
}

// Saves returns how many snapshots were written since creation.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Corrupt overwrites the stored bytes of a snapshot. Used to exercise the
// corrupt-snapshot path.
func (m *MemoryStore) Corrupt(collectionKey, actorID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[memoryKey{collectionKey, actorID}] = append([]byte(nil), data...)
}

func (m *MemoryStore) Close() error {
	return nil
}
