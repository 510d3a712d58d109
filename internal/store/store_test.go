package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if err := s1.SaveSnapshot(context.Background(), sampleSnapshot("dashboard:listings", "actor-1")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	snap, err := s2.LoadSnapshot(context.Background(), "dashboard:listings", "actor-1")
	if err != nil {
		t.Fatalf("LoadSnapshot() failed: %v", err)
	}
	if snap == nil || len(snap.Entities) != 2 {
		t.Fatalf("expected snapshot to survive reopen, got %+v", snap)
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("busy_timeout", "5000"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpen_CreatesTablesAndIndex(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	for _, name := range []string{"snapshots", "cursors", "idx_snapshots_actor"} {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = ?", name).Scan(&count)
		if err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
		if count != 1 {
			t.Errorf("expected %s to exist", name)
		}
	}
}

func TestSQLite_SaveWritesCursorRow(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	snap := sampleSnapshot("dashboard:listings", "actor-1")
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}

	cursor, ok, err := s.LoadCursor(ctx, "dashboard:listings", "actor-1")
	if err != nil {
		t.Fatalf("LoadCursor() failed: %v", err)
	}
	if !ok || !cursor.Equal(*snap.Cursor) {
		t.Fatalf("expected cursor %v, got %v (ok=%v)", *snap.Cursor, cursor, ok)
	}

	if err := s.DeleteSnapshot(ctx, "dashboard:listings", "actor-1"); err != nil {
		t.Fatalf("DeleteSnapshot() failed: %v", err)
	}
	if _, ok, _ := s.LoadCursor(ctx, "dashboard:listings", "actor-1"); ok {
		t.Fatal("expected cursor row to be deleted with the snapshot")
	}
}

func TestSQLite_CorruptEntities(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.SaveSnapshot(ctx, sampleSnapshot("dashboard:listings", "actor-1")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	if _, err := s.DB().Exec(`UPDATE snapshots SET entities = '{not json'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	_, err = s.LoadSnapshot(ctx, "dashboard:listings", "actor-1")
	if !isCorrupt(err) {
		t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
	}
}

func TestSQLiteContract(t *testing.T) {
	runContract(t, func(t *testing.T) SnapshotStore {
		s, err := Open(filepath.Join(t.TempDir(), "contract.db"))
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		return s
	})
}
