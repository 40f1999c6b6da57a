package gitcore

import (
	"context"
	"fmt"
	"iter"
)

// WalkItem is one node yielded by Walk: its id, kind, and (iff the caller
// asked for it) its raw payload.
type WalkItem struct {
	ID      Hash
	Kind    ObjectType
	Payload []byte
}

// Walk produces the transitive closure of objects reachable from seed, as a
// lazy iterator. stopAt(id) is checked before any fetch — a true result
// means the whole subtree under id is skipped without costing a single
// object read, letting the caller pick the dedup domain (a live-set, a
// destination writer's Exists, etc.) by accumulating visited ids into their
// own predicate. Walk itself keeps no visited-set.
//
// Traversal order: blob has no children; commit recurses into tree, then
// each parent in listed order; tree recurses into each entry's child in the
// order listed in the tree payload. The object graph is acyclic by
// construction (commit parents and tree children are always prior
// objects), so this always terminates.
//
// Range over the result with `for item, err := range Walk(...)`; a non-nil
// err ends the walk (the range's next iteration will not run).
func Walk(ctx context.Context, store *Store, seed Hash, stopAt func(Hash) bool, includeData bool) iter.Seq2[WalkItem, error] {
	return func(yield func(WalkItem, error) bool) {
		walk(ctx, store, seed, stopAt, includeData, yield)
	}
}

// walk returns false once yield has asked to stop (error or otherwise),
// so every recursive call site can propagate that upward immediately.
func walk(ctx context.Context, store *Store, id Hash, stopAt func(Hash) bool, includeData bool, yield func(WalkItem, error) bool) bool {
	if err := ctx.Err(); err != nil {
		yield(WalkItem{ID: id}, fmt.Errorf("walk %s: %w", id, ErrCancelled))
		return false
	}

	if stopAt(id) {
		return true
	}

	kind, payload, err := store.Cat(id)
	if err != nil {
		yield(WalkItem{ID: id}, fmt.Errorf("walk %s: %w", id, err))
		return false
	}

	item := WalkItem{ID: id, Kind: kind}
	if includeData {
		item.Payload = payload
	}
	if !yield(item, nil) {
		return false
	}

	switch kind {
	case BlobObject:
		return true
	case CommitObject:
		commit, perr := parseCommitBody(payload, id)
		if perr != nil {
			yield(WalkItem{ID: id}, fmt.Errorf("walk %s: %w: %v", id, ErrCorruptObject, perr))
			return false
		}
		if !walk(ctx, store, commit.Tree, stopAt, includeData, yield) {
			return false
		}
		for _, parent := range commit.Parents {
			if !walk(ctx, store, parent, stopAt, includeData, yield) {
				return false
			}
		}
		return true
	case TreeObject:
		tree, perr := parseTreeBody(payload, id)
		if perr != nil {
			yield(WalkItem{ID: id}, fmt.Errorf("walk %s: %w: %v", id, ErrCorruptObject, perr))
			return false
		}
		for _, entry := range tree.Entries {
			if !walk(ctx, store, entry.ID, stopAt, includeData, yield) {
				return false
			}
		}
		return true
	default:
		yield(WalkItem{ID: id}, fmt.Errorf("walk %s: unknown object kind %d: %w", id, kind, ErrCorruptObject))
		return false
	}
}
