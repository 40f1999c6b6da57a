package gitcore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is an ObjectStore: a directory of packs plus the ref set that roots
// them. It opens pack indices and refs eagerly, but never materializes the
// object graph itself — readers fetch objects on demand via Cat, and
// GraphWalker drives traversal lazily on top of it.
type Store struct {
	gitDir  string
	workDir string

	mu          sync.RWMutex
	packIndices []*PackIndex
	refs        map[string]Hash
}

// Open opens the repository rooted at path, which may be the working
// directory, the .git directory, or any directory below the working
// directory (the search for the repository walks upward from path).
func Open(path string) (*Store, error) {
	gitDir, workDir, err := findGitDirectory(path)
	if err != nil {
		return nil, err
	}
	if err := validateGitDirectory(gitDir); err != nil {
		return nil, err
	}

	s := &Store{
		gitDir:  gitDir,
		workDir: workDir,
		refs:    make(map[string]Hash),
	}

	if err := s.loadPackIndices(); err != nil {
		return nil, fmt.Errorf("failed to load pack indices: %w", err)
	}
	if err := s.loadRefs(); err != nil {
		return nil, fmt.Errorf("failed to load refs: %w", err)
	}

	return s, nil
}

// GitDir returns the path to the repository's .git directory (or, for a
// bare repository, the repository root itself).
func (s *Store) GitDir() string { return s.gitDir }

// WorkDir returns the path to the repository's working directory.
func (s *Store) WorkDir() string { return s.workDir }

// IsBare reports whether the repository is a bare repository.
func (s *Store) IsBare() bool { return s.gitDir == s.workDir }

// Reload re-scans objects/pack for indices published since Open or the last
// Reload. Writer calls this opportunistically so Exists can see packs
// finalized by other writers since this Store was opened.
func (s *Store) Reload() error {
	return s.loadPackIndices()
}

// Cat reads one object's kind and payload by id, trying loose storage first
// and falling back to every known pack index. It returns ErrNotFound if id
// is absent and ErrCorruptObject if the stored bytes don't parse.
func (s *Store) Cat(id Hash) (ObjectType, []byte, error) {
	header, content, err := s.readLooseObjectRaw(id)
	if err == nil {
		typeNum, terr := objectTypeFromHeader(header)
		if terr != nil {
			return NoneObject, nil, fmt.Errorf("%w: %v", ErrCorruptObject, terr)
		}
		return ObjectType(typeNum), content, nil
	}

	s.mu.RLock()
	indices := s.packIndices
	s.mu.RUnlock()

	for _, idx := range indices {
		if offset, found := idx.FindObject(id); found {
			data, typeNum, rerr := s.readFromPackFile(idx.PackFile(), offset)
			if rerr != nil {
				return NoneObject, nil, fmt.Errorf("%w: %v", ErrCorruptObject, rerr)
			}
			return ObjectType(typeNum), data, nil
		}
	}

	return NoneObject, nil, fmt.Errorf("object %s: %w", id, ErrNotFound)
}

// Exists reports whether id is present in loose storage or any pack index
// currently known to this Store.
func (s *Store) Exists(id Hash) bool {
	if _, err := os.Stat(s.loosePath(id)); err == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, idx := range s.packIndices {
		if _, found := idx.FindObject(id); found {
			return true
		}
	}
	return false
}

// ListRefs returns a snapshot of every currently loaded ref.
func (s *Store) ListRefs() map[string]Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Hash, len(s.refs))
	for name, id := range s.refs {
		out[name] = id
	}
	return out
}

// Ref returns the tip of a single named ref.
func (s *Store) Ref(name string) (Hash, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.refs[name]
	return id, ok
}

// HashObject computes the id for a (kind, payload) pair without storing it.
func (s *Store) HashObject(kind ObjectType, payload []byte) Hash {
	return HashObject(kind, payload)
}

// PackIndices returns the pack indices currently known to this Store.
func (s *Store) PackIndices() []*PackIndex {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PackIndex, len(s.packIndices))
	copy(out, s.packIndices)
	return out
}

func (s *Store) loosePath(id Hash) string {
	return filepath.Join(s.gitDir, "objects", string(id)[:2], string(id)[2:])
}

// findGitDirectory walks up from startPath to locate the .git directory.
func findGitDirectory(startPath string) (gitDir string, workDir string, err error) {
	absPath, err := filepath.Abs(startPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve path: %w", err)
	}

	if filepath.Base(absPath) == ".git" {
		info, err := os.Stat(absPath)
		if err == nil && info.IsDir() {
			return absPath, filepath.Dir(absPath), nil
		}
	}

	if isBareRepository(absPath) {
		return absPath, absPath, nil
	}

	currentPath := absPath
	for {
		gitPath := filepath.Join(currentPath, ".git")

		info, err := os.Stat(gitPath)
		if err == nil {
			if info.IsDir() {
				return gitPath, currentPath, nil
			}
			return handleGitFile(gitPath, currentPath)
		}

		parentPath := filepath.Dir(currentPath)
		if parentPath == currentPath {
			return "", "", fmt.Errorf("not a git repository (or any parent up to mount point): %s", startPath)
		}
		currentPath = parentPath
	}
}

// handleGitFile handles .git files (worktrees, submodules) with format "gitdir: <path>".
func handleGitFile(gitFilePath string, workDir string) (string, string, error) {
	//nolint:gosec // G304: .git file path is controlled by repository location
	content, err := os.ReadFile(gitFilePath)
	if err != nil {
		return "", "", fmt.Errorf("failed to read .git file: %w", err)
	}

	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir: ") {
		return "", "", fmt.Errorf("invalid .git file format: %s", gitFilePath)
	}

	gitDir := strings.TrimPrefix(line, "gitdir: ")
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(filepath.Dir(gitFilePath), gitDir)
	}
	gitDir = filepath.Clean(gitDir)

	if _, err := os.Stat(gitDir); err != nil {
		return "", "", fmt.Errorf("gitdir points to non-existent directory: %s", gitDir)
	}

	return gitDir, workDir, nil
}

// validateGitDirectory checks that gitDir exists, is a directory, and contains
// the expected Git internals (objects, refs, HEAD).
func validateGitDirectory(gitDir string) error {
	info, err := os.Stat(gitDir)
	if err != nil {
		return fmt.Errorf("git directory does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("git path is not a directory: %s", gitDir)
	}

	requiredPaths := []string{"objects", "refs", "HEAD"}
	for _, required := range requiredPaths {
		path := filepath.Join(gitDir, required)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("invalid git repository, missing: %s", required)
		}
	}

	return nil
}

// isBareRepository checks whether path looks like a bare Git repository.
// A bare repo is a directory containing objects/, refs/, and HEAD but no .git subdirectory.
func isBareRepository(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return false
	}
	for _, required := range []string{"objects", "refs", "HEAD"} {
		if _, err := os.Stat(filepath.Join(path, required)); err != nil {
			return false
		}
	}
	return true
}
