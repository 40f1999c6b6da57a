package get

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/halvorsen/packvault/internal/gitcore"
	"github.com/halvorsen/packvault/internal/identity"
)

// refUpdate is one entry of the staged ref-update map: the pre-invocation
// value (the CAS witness) and the value accumulated so far across however
// many Targets in this invocation touch the same ref.
type refUpdate struct {
	orig gitcore.Hash
	new  gitcore.Hash
}

// Transfer executes resolved Targets against a destination Writer, staging
// ref updates until Finalize applies them all as a batch of CAS writes.
type Transfer struct {
	src      *gitcore.Store
	dest     *gitcore.Store
	writer   *gitcore.PackWriter
	identity identity.Identity
	now      time.Time

	updated map[string]*refUpdate
}

// NewTransfer builds a Transfer reading the object closure from src and
// writing it through writer (which must be opened against dest). now is
// captured once so every commit this invocation synthesizes carries the
// same committer timestamp.
func NewTransfer(src, dest *gitcore.Store, writer *gitcore.PackWriter, id identity.Identity, now time.Time) *Transfer {
	return &Transfer{
		src:      src,
		dest:     dest,
		writer:   writer,
		identity: id,
		now:      now,
		updated:  make(map[string]*refUpdate),
	}
}

// Execute runs one Target's method handler, copying whatever object closure
// it requires and staging (not applying) the resulting ref update. It
// returns the id the target's destination ref now points at (the value
// Finalize will later CAS-write) so a caller can report it; Unnamed stages
// no ref and always returns an empty hash.
func (t *Transfer) Execute(ctx context.Context, target Target) (gitcore.Hash, error) {
	switch target.Spec.Method {
	case FF, NewTag, Overwrite:
		// ff, new-tag, and both overwrite variants all just point the dest
		// ref straight at src.Hash; overwrite's only difference from ff is
		// that the ancestor check was skipped during resolution.
		return t.execCopyRef(ctx, target, target.Src.Hash)
	case Unnamed:
		return "", t.copyClosure(ctx, target.Src.Hash)
	case Append:
		return t.execAppend(ctx, target)
	case Pick, ForcePick:
		return t.execPick(ctx, target)
	default:
		return "", fmt.Errorf("unknown method %q: %w", target.Spec.Method, gitcore.ErrBadSpec)
	}
}

// execCopyRef handles every method whose ref simply takes on an object id
// already present in the source verbatim (ff, new-tag, overwrite, and
// unnamed's closure-only variant is handled separately since it stages no ref).
func (t *Transfer) execCopyRef(ctx context.Context, target Target, newID gitcore.Hash) (gitcore.Hash, error) {
	if err := t.copyClosure(ctx, target.Src.Hash); err != nil {
		return "", err
	}
	t.stageRef(target.Dest.RefName, target.Dest.Hash, newID)
	return newID, nil
}

func (t *Transfer) execAppend(ctx context.Context, target Target) (gitcore.Hash, error) {
	if target.Src.Kind == KindTree {
		if err := t.copyClosure(ctx, target.Src.Hash); err != nil {
			return "", err
		}
		var parents []gitcore.Hash
		if target.Dest.Hash != "" {
			parents = []gitcore.Hash{target.Dest.Hash}
		}
		sig := t.signature()
		msg := fmt.Sprintf("append %s into %s\n", target.Spec.SrcPath, target.Dest.Path)
		newID, err := t.writer.NewCommit(target.Src.Hash, parents, sig, sig, msg)
		if err != nil {
			return "", fmt.Errorf("append: %w", err)
		}
		t.stageRef(target.Dest.RefName, target.Dest.Hash, newID)
		return newID, nil
	}

	chain, err := t.revList(ctx, target.Src.Hash)
	if err != nil {
		return "", fmt.Errorf("append: %w", err)
	}

	parent := target.Dest.Hash
	for _, commit := range chain {
		parent, err = t.appendCommit(ctx, commit, parent)
		if err != nil {
			return "", fmt.Errorf("append: %w", err)
		}
	}
	t.stageRef(target.Dest.RefName, target.Dest.Hash, parent)
	return parent, nil
}

func (t *Transfer) execPick(ctx context.Context, target Target) (gitcore.Hash, error) {
	kind, payload, err := t.src.Cat(target.Src.Hash)
	if err != nil {
		return "", fmt.Errorf("pick: %w", err)
	}
	if kind != gitcore.CommitObject {
		return "", fmt.Errorf("pick: %s is not a commit: %w", target.Src.Hash, gitcore.ErrCorruptObject)
	}
	commit, err := gitcore.ParseCommit(payload, target.Src.Hash)
	if err != nil {
		return "", fmt.Errorf("pick: %w", err)
	}

	newID, err := t.appendCommit(ctx, commit, target.Dest.Hash)
	if err != nil {
		return "", fmt.Errorf("pick: %w", err)
	}
	t.stageRef(target.Dest.RefName, target.Dest.Hash, newID)
	return newID, nil
}

// appendCommit copies commit's tree into the destination and synthesizes a
// new commit atop newParent, preserving the original author identity/time
// and message but re-signing the committer as the local identity at the
// current invocation's timestamp.
func (t *Transfer) appendCommit(ctx context.Context, commit *gitcore.Commit, newParent gitcore.Hash) (gitcore.Hash, error) {
	if err := t.copyClosure(ctx, commit.Tree); err != nil {
		return "", err
	}
	var parents []gitcore.Hash
	if newParent != "" {
		parents = []gitcore.Hash{newParent}
	}
	committer := t.signature()
	return t.writer.NewCommit(commit.Tree, parents, commit.Author, committer, commit.Message)
}

func (t *Transfer) signature() gitcore.Signature {
	return gitcore.Signature{Name: t.identity.User, Email: t.identity.Mail, When: t.now}
}

// copyClosure is the shared primitive: walk seed in the source, skipping
// anything the destination already has, writing every yielded object
// through the destination Writer.
func (t *Transfer) copyClosure(ctx context.Context, seed gitcore.Hash) error {
	stopAt := func(id gitcore.Hash) bool { return t.writer.Exists(id) }
	for item, err := range gitcore.Walk(ctx, t.src, seed, stopAt, true) {
		if err != nil {
			return fmt.Errorf("copy closure: %w", err)
		}
		if err := t.writer.JustWrite(item.ID, item.Kind, item.Payload); err != nil {
			return fmt.Errorf("copy closure: %w", err)
		}
	}
	return nil
}

// revList enumerates the first-parent ancestry of id, oldest first. Merge
// commits are followed through their first parent only — the pack format
// this module targets represents each backup save as a single-parent
// chain, so a merge here would be unusual input; documented as a deliberate
// scope choice rather than left as an unhandled case.
func (t *Transfer) revList(ctx context.Context, id gitcore.Hash) ([]*gitcore.Commit, error) {
	var chain []*gitcore.Commit
	cur := id
	for cur != "" {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("rev-list: %w", gitcore.ErrCancelled)
		}
		kind, payload, err := t.src.Cat(cur)
		if err != nil {
			return nil, err
		}
		if kind != gitcore.CommitObject {
			return nil, fmt.Errorf("rev-list: %s is not a commit: %w", cur, gitcore.ErrCorruptObject)
		}
		commit, perr := gitcore.ParseCommit(payload, cur)
		if perr != nil {
			return nil, perr
		}
		chain = append(chain, commit)
		if len(commit.Parents) == 0 {
			break
		}
		cur = commit.Parents[0]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// stageRef records name's new value, preserving the first-seen orig as the
// CAS witness for Finalize even if multiple Targets touch the same ref.
func (t *Transfer) stageRef(name string, orig, newID gitcore.Hash) {
	if name == "" {
		return
	}
	if existing, ok := t.updated[name]; ok {
		existing.new = newID
		return
	}
	t.updated[name] = &refUpdate{orig: orig, new: newID}
}

// Finalize applies every staged ref update as a CAS write against dest,
// after the caller has closed the Writer (so every object these refs point
// at is already durable). It attempts every update even if earlier ones
// fail, and returns a combined error naming every ref that lost its CAS.
func (t *Transfer) Finalize() error {
	var errs []error
	for name, u := range t.updated {
		if err := t.dest.UpdateRef(name, u.new, u.orig); err != nil {
			errs = append(errs, fmt.Errorf("ref %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
