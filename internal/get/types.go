// Package get implements cross-repository object transfer: resolving
// (method, source, destination) specs through a minimal VFS view of the
// object graph, then copying the required object closure and staging ref
// updates.
package get

import (
	"fmt"
	"strings"

	"github.com/halvorsen/packvault/internal/gitcore"
)

// Method is one of the seven transfer methods a Spec may name.
type Method string

const (
	FF         Method = "ff"
	Append     Method = "append"
	Pick       Method = "pick"
	ForcePick  Method = "force-pick"
	NewTag     Method = "new-tag"
	Overwrite  Method = "overwrite"
	Unnamed    Method = "unnamed"
)

// emptyTreeID is the well-known hash of the empty tree in the host object
// format. A src that resolves to it is treated as NotFound: there is
// nothing meaningful to transfer.
const emptyTreeID = gitcore.Hash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

// LocKind is a VFS-surfaced kind: the spec's derived kinds (root, branch,
// save, tag) plus the three underlying object kinds a path may also name
// directly (commit, tree, blob), per the dir/file/chunked-file → tree/blob
// mapping.
type LocKind string

const (
	KindRoot   LocKind = "root"
	KindBranch LocKind = "branch"
	KindSave   LocKind = "save"
	KindTag    LocKind = "tag"
	KindCommit LocKind = "commit"
	KindTree   LocKind = "tree"
	KindBlob   LocKind = "blob"
)

// Underlying returns the ObjectType a VFS kind is ultimately backed by.
func (k LocKind) Underlying() gitcore.ObjectType {
	switch k {
	case KindTree:
		return gitcore.TreeObject
	case KindBlob:
		return gitcore.BlobObject
	default:
		return gitcore.CommitObject
	}
}

// Loc is a resolved VFS location: the kind the path named, the object id it
// currently points at (empty if the name doesn't exist yet), the path
// itself, and — for named locations — the ref that backs it.
type Loc struct {
	Kind    LocKind
	Hash    gitcore.Hash
	Path    string
	RefName string
}

// Exists reports whether this location currently names an object.
func (l Loc) Exists() bool { return l.Hash != "" }

// BranchName returns the branch segment of a branch or save path ("" for
// anything else).
func (l Loc) BranchName() string {
	if l.Kind != KindBranch && l.Kind != KindSave {
		return ""
	}
	return strings.TrimPrefix(l.RefName, "refs/heads/")
}

// Spec is one requested transfer: a method plus source and (optionally
// specified) destination VFS path strings, exactly as named on the command
// line.
type Spec struct {
	Method   Method
	SrcPath  string
	DestPath string // "" means "use the method's default destination"
}

// Target is a Spec after resolution: both endpoints located, ready for
// Transfer.
type Target struct {
	Spec Spec
	Src  Loc
	Dest Loc
}

func isHexID(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

func isReservedPath(path string) bool {
	trimmed := strings.TrimPrefix(path, "/")
	return strings.HasPrefix(trimmed, ".") && !strings.HasPrefix(trimmed, ".tag/")
}

func tagName(path string) (string, error) {
	trimmed := strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(trimmed, ".tag/") {
		return "", fmt.Errorf("not a tag path: %q", path)
	}
	name := strings.TrimPrefix(trimmed, ".tag/")
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("malformed tag path %q: %w", path, gitcore.ErrBadSpec)
	}
	return name, nil
}
