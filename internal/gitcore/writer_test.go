package gitcore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore lays out a minimal bare repository (objects/, refs/, HEAD)
// under t.TempDir() and opens it as a Store.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	for _, d := range []string{"objects/pack", "refs/heads", "refs/tags"} {
		if err := os.MkdirAll(filepath.Join(dir, d), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatalf("write HEAD: %v", err)
	}

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func testSignature() Signature {
	return Signature{Name: "Test User", Email: "test@example.com", When: time.Unix(1700000000, 0).UTC()}
}

func TestPackWriter_BlobTreeCommitRoundTrip(t *testing.T) {
	store := newTestStore(t)

	writer, err := NewPackWriter(store, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}

	blobID, err := writer.NewBlob([]byte("hello world"))
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}

	treeID, err := writer.NewTree([]TreeEntry{
		{Mode: "100644", Type: "blob", Name: "hello.txt", ID: blobID},
	})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}

	sig := testSignature()
	commitID, err := writer.NewCommit(treeID, nil, sig, sig, "initial commit\n")
	if err != nil {
		t.Fatalf("NewCommit: %v", err)
	}

	basename, err := writer.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if basename == "" {
		t.Fatalf("expected a non-empty pack basename")
	}

	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	for _, tc := range []struct {
		id   Hash
		kind ObjectType
	}{
		{blobID, BlobObject},
		{treeID, TreeObject},
		{commitID, CommitObject},
	} {
		kind, payload, err := store.Cat(tc.id)
		if err != nil {
			t.Fatalf("Cat(%s): %v", tc.id, err)
		}
		if kind != tc.kind {
			t.Errorf("Cat(%s): kind = %v, want %v", tc.id, kind, tc.kind)
		}
		if len(payload) == 0 && tc.kind != BlobObject {
			t.Errorf("Cat(%s): empty payload", tc.id)
		}
	}

	if !store.Exists(commitID) {
		t.Errorf("Exists(%s) = false, want true", commitID)
	}
}

func TestPackWriter_DedupSkipsExistingObject(t *testing.T) {
	store := newTestStore(t)

	writer, err := NewPackWriter(store, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}

	id1, err := writer.NewBlob([]byte("same content"))
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	id2, err := writer.NewBlob([]byte("same content"))
	if err != nil {
		t.Fatalf("NewBlob (dup): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected identical hashes for identical content, got %s and %s", id1, id2)
	}

	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	total := 0
	for _, idx := range store.PackIndices() {
		total += idx.Len()
	}
	if total != 1 {
		t.Errorf("published packs hold %d objects, want 1 (duplicate write must be skipped)", total)
	}
}

func TestPackWriter_CloseWithNoObjectsReturnsEmptyBasename(t *testing.T) {
	store := newTestStore(t)

	writer, err := NewPackWriter(store, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	basename, err := writer.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if basename != "" {
		t.Errorf("Close on an empty writer: basename = %q, want empty", basename)
	}
}

func TestPackWriter_OnPackFinishFiresAfterPublish(t *testing.T) {
	store := newTestStore(t)

	var fired string
	writer, err := NewPackWriter(store, 1, func(basename string) { fired = basename })
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if _, err := writer.NewBlob([]byte("payload")); err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	basename, err := writer.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fired != basename {
		t.Errorf("onPackFinish basename = %q, want %q", fired, basename)
	}

	packDir := filepath.Join(store.GitDir(), "objects", "pack")
	if _, err := os.Stat(filepath.Join(packDir, basename+".pack")); err != nil {
		t.Errorf("pack file not durable when onPackFinish fired: %v", err)
	}
	if _, err := os.Stat(filepath.Join(packDir, basename+".idx")); err != nil {
		t.Errorf("index file not durable when onPackFinish fired: %v", err)
	}
}
