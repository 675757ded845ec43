package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestFileSystemStoreKeyMetadata(t *testing.T) {
	store := newTestStore(t)

	exists, err := store.KeyMetadataExists()
	if err != nil {
		t.Fatalf("exists check failed: %v", err)
	}
	if exists {
		t.Fatal("expected no key metadata in fresh store")
	}

	version, err := store.SaveKeyMetadata([]byte(`{"active_version":1}`), "")
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if version == "" {
		t.Fatal("expected non-empty version")
	}

	vd, err := store.LoadKeyMetadata()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(vd.Data) != `{"active_version":1}` {
		t.Fatalf("unexpected data: %s", vd.Data)
	}
	if vd.Version != version {
		t.Fatalf("version mismatch: saved %s, loaded %s", version, vd.Version)
	}
}

func TestFileSystemStoreVersionConflict(t *testing.T) {
	store := newTestStore(t)

	v1, err := store.SaveManifest([]byte(`{"total_files":0}`), "")
	if err != nil {
		t.Fatalf("initial save failed: %v", err)
	}

	if _, err = store.SaveManifest([]byte(`{"total_files":1}`), v1); err != nil {
		t.Fatalf("save with correct version failed: %v", err)
	}

	_, err = store.SaveManifest([]byte(`{"total_files":2}`), v1)
	var conflict ConcurrencyError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
	if conflict.Operation != "SaveManifest" {
		t.Fatalf("unexpected operation in conflict: %s", conflict.Operation)
	}
}

func TestFileSystemStoreVaultFiles(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveVaultFile("b.vault", []byte("bbb")); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.SaveVaultFile("a.vault", []byte("aaa")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	names, err := store.ListVaultFiles()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 2 || names[0] != "a.vault" || names[1] != "b.vault" {
		t.Fatalf("expected sorted [a.vault b.vault], got %v", names)
	}

	data, err := store.LoadVaultFile("a.vault")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(data) != "aaa" {
		t.Fatalf("unexpected content: %s", data)
	}

	// Manifest and sidecar documents must not show up as vault files
	if _, err = store.SaveManifest([]byte("{}"), ""); err != nil {
		t.Fatalf("manifest save failed: %v", err)
	}
	names, err = store.ListVaultFiles()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 vault files after manifest save, got %v", names)
	}
}

func TestFileSystemStoreRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	for _, name := range []string{"", "../escape.vault", "a/b.vault", "a\\b.vault"} {
		if err := store.SaveVaultFile(name, []byte("x")); err == nil {
			t.Fatalf("expected rejection of name %q", name)
		}
	}
}

func TestFileSystemStoreFilePermissions(t *testing.T) {
	base := t.TempDir()
	store, err := NewFileSystemStore(base)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	if _, err = store.SaveKeyMetadata([]byte("{}"), ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(base, "keys", "key_metadata.json"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != FilePermissions {
		t.Fatalf("expected %o permissions, got %o", FilePermissions, info.Mode().Perm())
	}
}

func TestFileSystemStoreLocking(t *testing.T) {
	store := newTestStore(t)

	if err := store.AcquireLock("owner-a"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// Reentrant for the same owner
	if err := store.AcquireLock("owner-a"); err != nil {
		t.Fatalf("reentrant acquire failed: %v", err)
	}

	if err := store.AcquireLock("owner-b"); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld for second owner, got %v", err)
	}

	if err := store.ReleaseLock("owner-b"); err == nil {
		t.Fatal("expected release by non-owner to fail")
	}

	if err := store.ReleaseLock("owner-a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if err := store.AcquireLock("owner-b"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestFileSystemStoreBreaksStaleLock(t *testing.T) {
	store := newTestStore(t)

	// Forge a lock record old enough to be stale
	record := lockRecord{
		Owner:      "dead-process",
		PID:        99999,
		AcquiredAt: time.Now().UTC().Add(-lockStaleAfter - time.Minute),
	}
	payload := `{"owner":"` + record.Owner + `","pid":99999,"acquired_at":"` +
		record.AcquiredAt.Format(time.RFC3339) + `"}`
	if err := os.WriteFile(store.lockPath, []byte(payload), FilePermissions); err != nil {
		t.Fatalf("failed to forge lock: %v", err)
	}

	if err := store.AcquireLock("owner-a"); err != nil {
		t.Fatalf("expected stale lock to be broken, got %v", err)
	}
}
