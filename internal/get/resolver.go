package get

import (
	"errors"
	"fmt"
	"strings"

	"github.com/halvorsen/packvault/internal/gitcore"
)

// Resolver resolves Specs into Targets against a fixed (source, destination)
// Store pair, applying the per-method legality table up front so every
// failure it can detect is raised before Transfer writes anything.
type Resolver struct {
	src  *gitcore.Store
	dest *gitcore.Store
}

// NewResolver returns a Resolver reading from src and resolving
// destinations against dest.
func NewResolver(src, dest *gitcore.Store) *Resolver {
	return &Resolver{src: src, dest: dest}
}

// Resolve resolves every spec into a Target, in order. It fails the whole
// batch — returning no Targets — on the first BadSpec/NotFound/
// AncestorViolation it finds, and separately rejects any two specs that
// target the same /.tag/<name> unless both are overwrite or force-pick.
func (r *Resolver) Resolve(specs []Spec) ([]Target, error) {
	targets := make([]Target, 0, len(specs))
	tagTargets := make(map[string][]Method)

	for _, spec := range specs {
		target, err := r.resolveOne(spec)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)

		if target.Dest.Kind == KindTag {
			name, terr := tagName(target.Dest.Path)
			if terr == nil {
				tagTargets[name] = append(tagTargets[name], spec.Method)
			}
		}
	}

	for name, methods := range tagTargets {
		if len(methods) < 2 {
			continue
		}
		for _, m := range methods {
			if m != Overwrite && m != ForcePick {
				return nil, fmt.Errorf("tag %q targeted by %d specs: %w", name, len(methods), gitcore.ErrBadSpec)
			}
		}
	}

	return targets, nil
}

func (r *Resolver) resolveOne(spec Spec) (Target, error) {
	src, err := locate(r.src, spec.SrcPath)
	if err != nil {
		return Target{}, err
	}
	if src.Kind == KindRoot || !src.Exists() {
		return Target{}, fmt.Errorf("source %q: %w", spec.SrcPath, gitcore.ErrNotFound)
	}
	if src.Hash == emptyTreeID {
		return Target{}, fmt.Errorf("source %q resolves to the empty tree: %w", spec.SrcPath, gitcore.ErrNotFound)
	}

	if err := checkSrcKindLegal(spec.Method, src.Kind); err != nil {
		return Target{}, err
	}

	if spec.Method == Unnamed && spec.DestPath != "" {
		return Target{}, fmt.Errorf("unnamed does not accept a destination: %w", gitcore.ErrBadSpec)
	}

	destPath := spec.DestPath
	if destPath == "" {
		destPath, err = defaultDestPath(r.dest, spec.Method, src)
		if err != nil {
			return Target{}, err
		}
	}
	if isReservedPath(destPath) {
		return Target{}, fmt.Errorf("destination %q uses a reserved path: %w", destPath, gitcore.ErrBadSpec)
	}

	dest, err := locate(r.dest, destPath)
	if err != nil {
		return Target{}, err
	}

	if err := checkDestKindLegal(spec.Method, src, dest); err != nil {
		return Target{}, err
	}

	if spec.Method == FF {
		ok, aerr := isAncestor(r.src, dest.Hash, src.Hash)
		if aerr != nil {
			return Target{}, aerr
		}
		if !ok {
			return Target{}, fmt.Errorf("ff %s -> %s: %w", spec.SrcPath, destPath, gitcore.ErrAncestorViolation)
		}
	}

	return Target{Spec: spec, Src: src, Dest: dest}, nil
}

// locate resolves a VFS path against store. Supported forms:
//
//	"/"                 -> root
//	"/.tag/<name>"       -> tag
//	"/<branch>"          -> branch
//	"/<branch>/<hexid>"  -> save (a specific commit within that branch's history)
//	a bare 40-hex-digit string -> the object that hash names, whatever
//	                              kind it actually is (commit/tree/blob)
func locate(store *gitcore.Store, path string) (Loc, error) {
	if path == "" || path == "/" {
		return Loc{Kind: KindRoot, Path: "/"}, nil
	}

	trimmed := strings.TrimPrefix(path, "/")

	if strings.HasPrefix(trimmed, ".tag/") {
		name, err := tagName(path)
		if err != nil {
			return Loc{}, err
		}
		refName := "refs/tags/" + name
		id, _ := store.Ref(refName)
		return Loc{Kind: KindTag, Hash: id, Path: path, RefName: refName}, nil
	}
	if isReservedPath(path) {
		return Loc{}, fmt.Errorf("reserved path %q: %w", path, gitcore.ErrBadSpec)
	}
	if isHexID(trimmed) {
		return locateHash(store, gitcore.Hash(trimmed), path)
	}

	segments := strings.SplitN(trimmed, "/", 2)
	branchName := segments[0]
	if branchName == "" {
		return Loc{}, fmt.Errorf("malformed path %q: %w", path, gitcore.ErrBadSpec)
	}
	refName := "refs/heads/" + branchName
	tip, _ := store.Ref(refName)

	if len(segments) == 1 {
		return Loc{Kind: KindBranch, Hash: tip, Path: path, RefName: refName}, nil
	}

	rest := segments[1]
	if !isHexID(rest) {
		return Loc{}, fmt.Errorf("malformed save path %q: %w", path, gitcore.ErrBadSpec)
	}
	return Loc{Kind: KindSave, Hash: gitcore.Hash(rest), Path: path, RefName: refName}, nil
}

// locateHash resolves a bare hash into a Loc carrying its actual object
// kind: a hash names whatever the store says it is (commit, tree, or
// blob), unlike a branch/save/tag path, which is always commit-ish by
// construction. A hash the store doesn't have resolves to an empty Loc
// (Exists() false) rather than an error, so the caller's usual
// source-not-found handling applies uniformly.
func locateHash(store *gitcore.Store, id gitcore.Hash, path string) (Loc, error) {
	kind, _, err := store.Cat(id)
	if err != nil {
		if errors.Is(err, gitcore.ErrNotFound) {
			return Loc{Kind: KindCommit, Path: path}, nil
		}
		return Loc{}, err
	}

	switch kind {
	case gitcore.TreeObject:
		return Loc{Kind: KindTree, Hash: id, Path: path}, nil
	case gitcore.BlobObject:
		return Loc{Kind: KindBlob, Hash: id, Path: path}, nil
	default:
		return Loc{Kind: KindCommit, Hash: id, Path: path}, nil
	}
}

// defaultDestPath computes the "dest defaulting" column of the legality
// table when a Spec omits its destination.
func defaultDestPath(dest *gitcore.Store, method Method, src Loc) (string, error) {
	switch method {
	case FF, Append, Overwrite:
		switch src.Kind {
		case KindBranch, KindSave:
			return "/" + src.BranchName(), nil
		case KindTag:
			return src.Path, nil
		default:
			return "", fmt.Errorf("%s requires an explicit destination for a bare-hash source: %w", method, gitcore.ErrBadSpec)
		}
	case Pick, ForcePick:
		if tagPath, ok := findTagPointingAt(dest, src.Hash); ok {
			return tagPath, nil
		}
		if src.Kind == KindSave {
			return "/" + src.BranchName(), nil
		}
		return "", fmt.Errorf("%s requires an explicit destination for a bare-hash source: %w", method, gitcore.ErrBadSpec)
	case NewTag:
		if src.Kind != KindTag {
			return "", fmt.Errorf("new-tag requires an explicit /.tag/<name> destination: %w", gitcore.ErrBadSpec)
		}
		return src.Path, nil
	case Unnamed:
		return "", nil
	default:
		return "", fmt.Errorf("unknown method %q: %w", method, gitcore.ErrBadSpec)
	}
}

func findTagPointingAt(dest *gitcore.Store, id gitcore.Hash) (string, bool) {
	if id == "" {
		return "", false
	}
	for name, tip := range dest.ListRefs() {
		if tip == id && strings.HasPrefix(name, "refs/tags/") {
			return "/.tag/" + strings.TrimPrefix(name, "refs/tags/"), true
		}
	}
	return "", false
}

func checkSrcKindLegal(method Method, kind LocKind) error {
	legal := map[Method]map[LocKind]bool{
		FF:        {KindBranch: true, KindSave: true, KindCommit: true},
		Append:    {KindBranch: true, KindSave: true, KindCommit: true, KindTree: true},
		Pick:      {KindSave: true, KindCommit: true},
		ForcePick: {KindSave: true, KindCommit: true},
	}
	if allowed, ok := legal[method]; ok {
		if !allowed[kind] {
			return fmt.Errorf("method %s does not accept a %s source: %w", method, kind, gitcore.ErrBadSpec)
		}
		return nil
	}
	// new-tag, overwrite, unnamed: any non-root source is legal.
	if kind == KindRoot {
		return fmt.Errorf("method %s does not accept a root source: %w", method, gitcore.ErrBadSpec)
	}
	return nil
}

func checkDestKindLegal(method Method, src, dest Loc) error {
	switch method {
	case FF, Append:
		if dest.Exists() && dest.Kind != KindBranch {
			return fmt.Errorf("method %s requires a branch destination, got %s: %w", method, dest.Kind, gitcore.ErrBadSpec)
		}
	case Pick:
		if dest.Kind != KindBranch && dest.Kind != KindTag {
			return fmt.Errorf("pick requires a branch or tag destination, got %s: %w", dest.Kind, gitcore.ErrBadSpec)
		}
		if dest.Kind == KindTag && dest.Exists() {
			return fmt.Errorf("pick must not overwrite existing tag %q: %w", dest.Path, gitcore.ErrBadSpec)
		}
	case ForcePick:
		if dest.Kind != KindBranch && dest.Kind != KindTag {
			return fmt.Errorf("force-pick requires a branch or tag destination, got %s: %w", dest.Kind, gitcore.ErrBadSpec)
		}
	case NewTag:
		if dest.Kind != KindTag {
			return fmt.Errorf("new-tag requires a /.tag/<name> destination: %w", gitcore.ErrBadSpec)
		}
		if dest.Exists() {
			return fmt.Errorf("new-tag destination %q already exists: %w", dest.Path, gitcore.ErrBadSpec)
		}
	case Overwrite:
		if dest.Kind != KindBranch && dest.Kind != KindTag {
			return fmt.Errorf("overwrite requires a branch or tag destination, got %s: %w", dest.Kind, gitcore.ErrBadSpec)
		}
		if dest.Kind == KindBranch && src.Kind != KindBranch && src.Kind != KindSave && src.Kind != KindCommit {
			return fmt.Errorf("overwrite of a branch destination requires a commit-ish source, got %s: %w", src.Kind, gitcore.ErrBadSpec)
		}
	case Unnamed:
		if dest.Exists() {
			return fmt.Errorf("unnamed destination %q must not already exist: %w", dest.Path, gitcore.ErrBadSpec)
		}
	}
	return nil
}

// isAncestor reports whether ancestor is reachable from tip by following
// only commit parent edges (the "linearized parent chain"), not the full
// object closure. An empty ancestor hash means the destination has no
// prior value at all — that always fast-forwards, the same as the
// original's "not item.dest.hash" branch.
func isAncestor(store *gitcore.Store, ancestor, tip gitcore.Hash) (bool, error) {
	if ancestor == "" {
		return true, nil
	}
	if ancestor == tip {
		return true, nil
	}

	visited := make(map[gitcore.Hash]struct{})
	queue := []gitcore.Hash{tip}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}

		kind, payload, err := store.Cat(id)
		if err != nil {
			return false, fmt.Errorf("ancestor check: %w", err)
		}
		if kind != gitcore.CommitObject {
			continue
		}
		commit, perr := gitcore.ParseCommit(payload, id)
		if perr != nil {
			return false, fmt.Errorf("ancestor check: %w", perr)
		}
		for _, parent := range commit.Parents {
			if parent == ancestor {
				return true, nil
			}
			queue = append(queue, parent)
		}
	}
	return false, nil
}
