package core

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
)

func TestIdentityStore_GetOrCreateIdentity(t *testing.T) {
	dir := t.TempDir()
	store := NewIdentityStore(dir)

	id, err := store.GetOrCreateIdentity()
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}

	pattern := regexp.MustCompile(`^edge_[0-9a-f]+$`)
	if !pattern.MatchString(id.NodeID) {
		t.Errorf("node_id %q does not match edge_{hex} format", id.NodeID)
	}
	if id.InstallationID == "" {
		t.Error("installation_id should be set")
	}
	if id.Platform == "" || id.Architecture == "" {
		t.Error("platform and architecture should be set")
	}
	if id.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}
}

func TestIdentityStore_Idempotent(t *testing.T) {
	dir := t.TempDir()
	store := NewIdentityStore(dir)

	first, err := store.GetOrCreateIdentity()
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}

	for i := 0; i < 5; i++ {
		id, err := store.GetOrCreateIdentity()
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if id.NodeID != first.NodeID {
			t.Fatalf("call %d returned node_id %q, want %q", i, id.NodeID, first.NodeID)
		}
	}
}

func TestIdentityStore_ConcurrentCreation(t *testing.T) {
	dir := t.TempDir()

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Separate store values model separate CLI processes racing
			// on the same config directory.
			id, err := NewIdentityStore(dir).GetOrCreateIdentity()
			if err != nil {
				t.Errorf("worker %d: %v", n, err)
				return
			}
			ids[n] = id.NodeID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d observed node_id %q, worker 0 observed %q", i, ids[i], ids[0])
		}
	}

	// The persisted record must match what every worker observed.
	final, err := NewIdentityStore(dir).GetOrCreateIdentity()
	if err != nil {
		t.Fatalf("final read failed: %v", err)
	}
	if final.NodeID != ids[0] {
		t.Fatalf("persisted node_id %q, workers observed %q", final.NodeID, ids[0])
	}
}

func TestIdentityStore_UnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0o700)

	store := NewIdentityStore(dir)
	id, err := store.GetOrCreateIdentity()
	if err == nil {
		t.Fatal("expected a StorageError for unwritable directory")
	}
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %T: %v", err, err)
	}
	// The in-memory identity still lets the invocation continue.
	if id == nil || id.NodeID == "" {
		t.Error("expected a usable in-memory identity alongside the error")
	}
}

func TestIdentityStore_TouchLastSeen(t *testing.T) {
	dir := t.TempDir()
	store := NewIdentityStore(dir)

	id, err := store.GetOrCreateIdentity()
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	before := id.LastSeen

	store.TouchLastSeen()

	after, err := store.GetOrCreateIdentity()
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if after.LastSeen.Before(before) {
		t.Errorf("last_seen went backwards: %v -> %v", before, after.LastSeen)
	}
	if after.NodeID != id.NodeID {
		t.Error("touch must not change node_id")
	}
}

func TestIdentityStore_CorruptRecordRegenerates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, identityFileName)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	store := NewIdentityStore(dir)
	id, err := store.GetOrCreateIdentity()
	// The corrupt file still exists, so exclusive create fails and the
	// re-read fails too: the caller gets an in-memory identity plus a
	// StorageError rather than a crash.
	if err == nil {
		if id.NodeID == "" {
			t.Error("expected usable identity")
		}
		return
	}
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %T: %v", err, err)
	}
	if id == nil || id.NodeID == "" {
		t.Error("expected a usable in-memory identity alongside the error")
	}
}
