package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "swapd-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	store := newTestStorage(t)

	if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if filepath.Base(store.Path()) != DBFileName {
		t.Errorf("Path() = %s, want file %s", store.Path(), DBFileName)
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got, want := expandPath("~/.test"), filepath.Join(home, ".test"); got != want {
		t.Errorf("expandPath(~/.test) = %s, want %s", got, want)
	}
	if got := expandPath("/tmp/x"); got != "/tmp/x" {
		t.Errorf("expandPath(/tmp/x) = %s", got)
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t)

	for _, table := range []string{"peers", "swaps", "swap_events", "swap_locks"} {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("%s table not found: %v", table, err)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.StoreRepr(testSwapRecord("reopen")); err != nil {
		t.Fatalf("StoreRepr() error = %v", err)
	}
	store.Close()

	store, err = New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	defer store.Close()

	ok, err := store.HasRecordFor("reopen")
	if err != nil || !ok {
		t.Errorf("HasRecordFor() = %v, %v after reopen", ok, err)
	}
}

func TestPeerCRUD(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now()

	peer := &PeerRecord{
		PeerID:      "12D3KooWTestPeer",
		Addresses:   []string{"/ip4/127.0.0.1/tcp/4001"},
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: true,
	}
	if err := store.SavePeer(peer); err != nil {
		t.Fatalf("SavePeer() error = %v", err)
	}

	got, err := store.GetPeer(peer.PeerID)
	if err != nil {
		t.Fatalf("GetPeer() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetPeer() returned nil")
	}
	if len(got.Addresses) != 1 || got.Addresses[0] != peer.Addresses[0] {
		t.Errorf("Addresses = %v", got.Addresses)
	}
	if !got.IsBootstrap {
		t.Error("IsBootstrap should be true")
	}
	if !got.LastConnected.IsZero() {
		t.Error("LastConnected should be zero")
	}

	if err := store.UpdatePeerConnected(peer.PeerID); err != nil {
		t.Fatalf("UpdatePeerConnected() error = %v", err)
	}
	got, _ = store.GetPeer(peer.PeerID)
	if got.ConnectionCount != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got.ConnectionCount)
	}
	if got.LastConnected.IsZero() {
		t.Error("LastConnected should be set")
	}

	missing, err := store.GetPeer("unknown")
	if err != nil || missing != nil {
		t.Errorf("GetPeer(unknown) = %v, %v", missing, err)
	}
}

func TestListRecentPeers(t *testing.T) {
	store := newTestStorage(t)
	now := time.Now()

	store.SavePeer(&PeerRecord{PeerID: "recent", FirstSeen: now, LastSeen: now})
	store.SavePeer(&PeerRecord{PeerID: "old", FirstSeen: now.Add(-48 * time.Hour), LastSeen: now.Add(-48 * time.Hour)})

	recent, err := store.ListRecentPeers(24*time.Hour, 0)
	if err != nil {
		t.Fatalf("ListRecentPeers() error = %v", err)
	}
	if len(recent) != 1 || recent[0].PeerID != "recent" {
		t.Errorf("ListRecentPeers() = %v", recent)
	}

	all, _ := store.ListRecentPeers(0, 0)
	if len(all) != 2 {
		t.Errorf("ListRecentPeers(0) returned %d peers, want 2", len(all))
	}

	count, err := store.PeerCount()
	if err != nil || count != 2 {
		t.Errorf("PeerCount() = %d, %v", count, err)
	}
}

func TestHelpers(t *testing.T) {
	if boolToInt(true) != 1 || boolToInt(false) != 0 {
		t.Error("boolToInt() wrong")
	}
	if timeToUnixOrZero(time.Time{}) != 0 {
		t.Error("timeToUnixOrZero(zero) should be 0")
	}
	if !unixOrZeroToTime(0).IsZero() {
		t.Error("unixOrZeroToTime(0) should be zero")
	}
	if unixOrZeroToTime(1700000000).Unix() != 1700000000 {
		t.Error("unixOrZeroToTime() wrong")
	}
}
