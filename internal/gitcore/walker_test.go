package gitcore

import (
	"context"
	"testing"
)

// buildLine3 writes blob -> tree -> commit1 -> commit2 (commit2's parent is
// commit1) and returns the four object ids plus the store they live in.
func buildLine3(t *testing.T) (store *Store, blobID, treeID, commit1 Hash, commit2 Hash) {
	t.Helper()
	store = newTestStore(t)
	writer, err := NewPackWriter(store, 1, nil)
	if err != nil {
		t.Fatalf("NewPackWriter: %v", err)
	}

	blobID, err = writer.NewBlob([]byte("content"))
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	treeID, err = writer.NewTree([]TreeEntry{{Mode: "100644", Type: "blob", Name: "a.txt", ID: blobID}})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	sig := testSignature()
	commit1, err = writer.NewCommit(treeID, nil, sig, sig, "first\n")
	if err != nil {
		t.Fatalf("NewCommit (first): %v", err)
	}
	commit2, err = writer.NewCommit(treeID, []Hash{commit1}, sig, sig, "second\n")
	if err != nil {
		t.Fatalf("NewCommit (second): %v", err)
	}
	if _, err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return store, blobID, treeID, commit1, commit2
}

func TestWalk_VisitsWholeClosure(t *testing.T) {
	store, blobID, treeID, commit1, commit2 := buildLine3(t)

	seen := make(map[Hash]ObjectType)
	for item, err := range Walk(context.Background(), store, commit2, func(Hash) bool { return false }, false) {
		if err != nil {
			t.Fatalf("Walk: %v", err)
		}
		seen[item.ID] = item.Kind
	}

	for _, id := range []Hash{blobID, treeID, commit1, commit2} {
		if _, ok := seen[id]; !ok {
			t.Errorf("Walk did not visit %s", id)
		}
	}
	if len(seen) != 4 {
		t.Errorf("Walk visited %d objects, want 4", len(seen))
	}
	if seen[commit2] != CommitObject || seen[commit1] != CommitObject {
		t.Errorf("commit objects misclassified: %+v", seen)
	}
	if seen[treeID] != TreeObject {
		t.Errorf("tree object misclassified: %v", seen[treeID])
	}
	if seen[blobID] != BlobObject {
		t.Errorf("blob object misclassified: %v", seen[blobID])
	}
}

func TestWalk_StopAtPrunesSubtree(t *testing.T) {
	store, blobID, treeID, commit1, commit2 := buildLine3(t)

	stopAt := func(id Hash) bool { return id == commit1 }

	seen := make(map[Hash]struct{})
	for item, err := range Walk(context.Background(), store, commit2, stopAt, false) {
		if err != nil {
			t.Fatalf("Walk: %v", err)
		}
		seen[item.ID] = struct{}{}
	}

	if _, ok := seen[commit1]; ok {
		t.Errorf("stop_at target %s should not itself be visited", commit1)
	}
	if _, ok := seen[commit2]; !ok {
		t.Errorf("seed %s should be visited", commit2)
	}
	if _, ok := seen[treeID]; !ok {
		t.Errorf("tree %s reachable without crossing stop_at should be visited", treeID)
	}
	_ = blobID
}

func TestWalk_IncludeDataCarriesPayload(t *testing.T) {
	store, blobID, _, _, commit2 := buildLine3(t)

	var blobPayload []byte
	for item, err := range Walk(context.Background(), store, commit2, func(Hash) bool { return false }, true) {
		if err != nil {
			t.Fatalf("Walk: %v", err)
		}
		if item.ID == blobID {
			blobPayload = item.Payload
		}
	}
	if string(blobPayload) != "content" {
		t.Errorf("blob payload = %q, want %q", blobPayload, "content")
	}
}

func TestWalk_StopsOnCancelledContext(t *testing.T) {
	store, _, _, _, commit2 := buildLine3(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range Walk(ctx, store, commit2, func(Hash) bool { return false }, false) {
		if err != nil {
			gotErr = err
			break
		}
	}
	if gotErr == nil {
		t.Fatalf("expected Walk to report cancellation")
	}
}
