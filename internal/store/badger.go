package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

const badgerSnapshotPrefix = "snapshot/"

// BadgerStore keeps snapshots in an embedded Badger database under keys
// snapshot/<collection>/<actor>.
type BadgerStore struct {
	db *badger.DB
}

var _ SnapshotStore = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a Badger database in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	return openBadger(opts)
}

// OpenBadgerInMemory opens a Badger database that never touches disk.
func OpenBadgerInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(collectionKey, actorID string) []byte {
	return []byte(badgerSnapshotPrefix + collectionKey + "/" + actorID)
}

func (s *BadgerStore) LoadSnapshot(_ context.Context, collectionKey, actorID string) (*Snapshot, error) {
	if err := checkKey(collectionKey, actorID); err != nil {
		return nil, err
	}
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(collectionKey, actorID))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s/%s: %w", collectionKey, actorID, err)
	}
	return decodeSnapshot(val)
}

func (s *BadgerStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(snap.CollectionKey, snap.ActorID), payload)
	})
}

func (s *BadgerStore) DeleteSnapshot(_ context.Context, collectionKey, actorID string) error {
	if err := checkKey(collectionKey, actorID); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(collectionKey, actorID))
	})
}

func (s *BadgerStore) ListSnapshots(_ context.Context, actorID string) ([]SnapshotInfo, error) {
	prefix := []byte(badgerSnapshotPrefix)
	infos := []SnapshotInfo{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			snap, err := decodeSnapshot(v)
			if err != nil {
				return err
			}
			if actorID != "" && snap.ActorID != actorID {
				continue
			}
			infos = append(infos, snap.Info())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	sortInfos(infos)
	return infos, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func sortInfos(infos []SnapshotInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CollectionKey != infos[j].CollectionKey {
			return infos[i].CollectionKey < infos[j].CollectionKey
		}
		return infos[i].ActorID < infos[j].ActorID
	})
}
