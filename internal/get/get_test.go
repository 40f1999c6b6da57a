package get

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halvorsen/packvault/internal/gitcore"
	"github.com/halvorsen/packvault/internal/identity"
)

func newTestStore(t *testing.T) *gitcore.Store {
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
	store, err := gitcore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func testSignature() gitcore.Signature {
	return gitcore.Signature{Name: "Test User", Email: "test@example.com", When: time.Unix(1700000000, 0).UTC()}
}

func testIdentity() identity.Identity {
	return identity.Identity{User: "runner", Mail: "runner@example.com", Host: "example.com"}
}

// seedBranch writes blob "name=content" + a tree + a commit on store and
// points refs/heads/<branch> at it, returning the new commit's id.
func seedBranch(t *testing.T, store *gitcore.Store, branch, content, message string, parent gitcore.Hash) gitcore.Hash {
	t.Helper()
	writer, err := gitcore.NewPackWriter(store, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	blobID, err := writer.NewBlob([]byte(content))
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	treeID, err := writer.NewTree([]gitcore.TreeEntry{{Mode: "100644", Type: "blob", Name: "a.txt", ID: blobID}})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	sig := testSignature()
	var parents []gitcore.Hash
	if parent != "" {
		parents = []gitcore.Hash{parent}
	}
	commitID, err := writer.NewCommit(treeID, parents, sig, sig, message)
	if err != nil {
		t.Fatalf("NewCommit: %v", err)
	}
	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.UpdateRef("refs/heads/"+branch, commitID, parent); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return commitID
}

func TestResolver_FFRejectsNonAncestor(t *testing.T) {
	src := newTestStore(t)
	dest := newTestStore(t)

	seedBranch(t, dest, "dst", "dest content", "dest commit\n", "")
	seedBranch(t, src, "src", "unrelated content", "unrelated commit\n", "")

	r := NewResolver(src, dest)
	_, err := r.Resolve([]Spec{{Method: FF, SrcPath: "/src", DestPath: "/dst"}})
	if !errors.Is(err, gitcore.ErrAncestorViolation) {
		t.Fatalf("Resolve ff with unrelated history: err = %v, want ErrAncestorViolation", err)
	}
}

func TestResolver_FFAllowsFastForward(t *testing.T) {
	src := newTestStore(t)

	c1 := seedBranch(t, src, "main", "v1", "first\n", "")
	seedBranch(t, src, "main", "v2", "second\n", c1)

	dest := newTestStore(t)
	if err := dest.UpdateRef("refs/heads/main", c1, ""); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}

	r := NewResolver(src, dest)
	targets, err := r.Resolve([]Spec{{Method: FF, SrcPath: "/main", DestPath: "/main"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
}

func TestResolver_DuplicateTagTargetRejected(t *testing.T) {
	store := newTestStore(t)
	a := seedBranch(t, store, "a", "content a", "a\n", "")
	b := seedBranch(t, store, "b", "content b", "b\n", "")
	_ = a
	_ = b

	r := NewResolver(store, store)
	_, err := r.Resolve([]Spec{
		{Method: NewTag, SrcPath: "/a", DestPath: "/.tag/t"},
		{Method: NewTag, SrcPath: "/b", DestPath: "/.tag/t"},
	})
	if !errors.Is(err, gitcore.ErrBadSpec) {
		t.Fatalf("Resolve with duplicate tag target: err = %v, want ErrBadSpec", err)
	}
}

// seedTree writes a blob + tree (no commit) into store and returns the
// tree's id.
func seedTree(t *testing.T, store *gitcore.Store, content string) gitcore.Hash {
	t.Helper()
	writer, err := gitcore.NewPackWriter(store, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	blobID, err := writer.NewBlob([]byte(content))
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	treeID, err := writer.NewTree([]gitcore.TreeEntry{{Mode: "100644", Type: "blob", Name: "a.txt", ID: blobID}})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return treeID
}

func TestResolver_FFAllowsFirstPush(t *testing.T) {
	src := newTestStore(t)
	seedBranch(t, src, "main", "v1", "first\n", "")

	dest := newTestStore(t)

	r := NewResolver(src, dest)
	targets, err := r.Resolve([]Spec{{Method: FF, SrcPath: "/main", DestPath: "/main"}})
	if err != nil {
		t.Fatalf("Resolve ff onto a never-before-seen branch: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
	if targets[0].Dest.Hash != "" {
		t.Fatalf("expected a fresh destination with no prior value, got %q", targets[0].Dest.Hash)
	}
}

func TestResolver_OverwriteRejectsTreeSourceOntoBranch(t *testing.T) {
	src := newTestStore(t)
	treeID := seedTree(t, src, "content")

	dest := newTestStore(t)
	seedBranch(t, dest, "main", "dest content", "dest\n", "")

	r := NewResolver(src, dest)
	_, err := r.Resolve([]Spec{{Method: Overwrite, SrcPath: string(treeID), DestPath: "/main"}})
	if !errors.Is(err, gitcore.ErrBadSpec) {
		t.Fatalf("Resolve overwrite tree->branch: err = %v, want ErrBadSpec", err)
	}
}

func TestResolver_OverwriteAllowsTreeSourceOntoTag(t *testing.T) {
	src := newTestStore(t)
	treeID := seedTree(t, src, "content")

	dest := newTestStore(t)

	r := NewResolver(src, dest)
	targets, err := r.Resolve([]Spec{{Method: Overwrite, SrcPath: string(treeID), DestPath: "/.tag/snapshot"}})
	if err != nil {
		t.Fatalf("Resolve overwrite tree->tag: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(targets))
	}
}

func TestResolver_RejectsReservedDestPath(t *testing.T) {
	store := newTestStore(t)
	seedBranch(t, store, "a", "content", "msg\n", "")

	r := NewResolver(store, store)
	_, err := r.Resolve([]Spec{{Method: Overwrite, SrcPath: "/a", DestPath: "/.reserved"}})
	if !errors.Is(err, gitcore.ErrBadSpec) {
		t.Fatalf("Resolve with reserved dest path: err = %v, want ErrBadSpec", err)
	}
}

// TestTransfer_AppendDedupsExistingBlob exercises S1: the destination
// already has the blob the source tree references, so copy_closure should
// skip writing it again while still advancing the destination branch.
func TestTransfer_AppendDedupsExistingBlob(t *testing.T) {
	src := newTestStore(t)
	srcCommit := seedBranch(t, src, "src", "hello", "src commit\n", "")

	dest := newTestStore(t)
	sharedBlob := gitcore.HashObject(gitcore.BlobObject, gitcore.EncodeBlob([]byte("hello")))

	writer, err := gitcore.NewPackWriter(dest, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	if _, err := writer.NewBlob([]byte("hello")); err != nil {
		t.Fatalf("seed dest blob: %v", err)
	}
	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dest.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !dest.Exists(sharedBlob) {
		t.Fatalf("setup: destination does not have the shared blob")
	}

	r := NewResolver(src, dest)
	targets, err := r.Resolve([]Spec{{Method: Append, SrcPath: "/src", DestPath: "/dst"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	writer, err = gitcore.NewPackWriter(dest, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	tr := NewTransfer(src, dest, writer, testIdentity(), time.Unix(1700000100, 0).UTC())
	resultID, err := tr.Execute(context.Background(), targets[0])
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	holders := 0
	for _, idx := range dest.PackIndices() {
		if _, found := idx.FindObject(sharedBlob); found {
			holders++
		}
	}
	if holders != 1 {
		t.Errorf("shared blob stored in %d packs, want 1 (copy_closure must skip it)", holders)
	}

	newTip, ok := dest.Ref("refs/heads/dst")
	if !ok {
		t.Fatalf("refs/heads/dst not created")
	}
	if newTip == srcCommit {
		t.Fatalf("append must synthesize a new commit, not reuse src's id")
	}
	if resultID != newTip {
		t.Errorf("Execute returned %s, want the new ref tip %s", resultID, newTip)
	}

	kind, payload, err := dest.Cat(newTip)
	if err != nil {
		t.Fatalf("Cat(new tip): %v", err)
	}
	if kind != gitcore.CommitObject {
		t.Fatalf("new tip kind = %v, want commit", kind)
	}
	commit, err := gitcore.ParseCommit(payload, newTip)
	if err != nil {
		t.Fatalf("ParseCommit: %v", err)
	}
	if len(commit.Parents) != 0 {
		t.Errorf("first append onto an empty branch should have no parent, got %v", commit.Parents)
	}
}

func TestTransfer_PickReparentsOntoDest(t *testing.T) {
	src := newTestStore(t)
	c1 := seedBranch(t, src, "src", "v1", "first\n", "")
	c2 := seedBranch(t, src, "src", "v2", "second\n", c1)

	dest := newTestStore(t)
	destTip := seedBranch(t, dest, "dst", "dest base", "dest base\n", "")

	r := NewResolver(src, dest)
	targets, err := r.Resolve([]Spec{{Method: Pick, SrcPath: "/src/" + string(c2), DestPath: "/dst"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	writer, err := gitcore.NewPackWriter(dest, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	tr := NewTransfer(src, dest, writer, testIdentity(), time.Unix(1700000200, 0).UTC())
	resultID, err := tr.Execute(context.Background(), targets[0])
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	newTip, ok := dest.Ref("refs/heads/dst")
	if !ok {
		t.Fatalf("refs/heads/dst missing")
	}
	if resultID != newTip {
		t.Errorf("Execute returned %s, want the new ref tip %s", resultID, newTip)
	}
	_, payload, err := dest.Cat(newTip)
	if err != nil {
		t.Fatalf("Cat: %v", err)
	}
	commit, err := gitcore.ParseCommit(payload, newTip)
	if err != nil {
		t.Fatalf("ParseCommit: %v", err)
	}
	if len(commit.Parents) != 1 || commit.Parents[0] != destTip {
		t.Errorf("picked commit parents = %v, want [%s]", commit.Parents, destTip)
	}
	if commit.Message != "second" {
		t.Errorf("picked commit message = %q, want original message preserved", commit.Message)
	}
	if commit.Author.Name != "Test User" {
		t.Errorf("picked commit author = %q, want original author preserved", commit.Author.Name)
	}
}

func TestTransfer_UnnamedReturnsNoResultID(t *testing.T) {
	src := newTestStore(t)
	seedBranch(t, src, "src", "v1", "first\n", "")

	dest := newTestStore(t)

	r := NewResolver(src, dest)
	targets, err := r.Resolve([]Spec{{Method: Unnamed, SrcPath: "/src"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	writer, err := gitcore.NewPackWriter(dest, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}
	tr := NewTransfer(src, dest, writer, testIdentity(), time.Unix(1700000300, 0).UTC())
	resultID, err := tr.Execute(context.Background(), targets[0])
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resultID != "" {
		t.Errorf("unnamed Execute returned %q, want empty (it stages no ref)", resultID)
	}
	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}
