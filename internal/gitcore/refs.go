package gitcore

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// loadRefs loads all Git references (branches, tags) into the refs map.
func (s *Store) loadRefs() error {
	refs := make(map[string]Hash)

	if err := loadLooseRefsInto(s.gitDir, "heads", refs); err != nil {
		return fmt.Errorf("failed to load loose branches: %w", err)
	}
	if err := loadLooseRefsInto(s.gitDir, "tags", refs); err != nil {
		return fmt.Errorf("failed to load loose tags: %w", err)
	}
	if err := loadPackedRefsInto(s.gitDir, refs); err != nil {
		return fmt.Errorf("failed to load packed refs: %w", err)
	}

	s.mu.Lock()
	s.refs = refs
	s.mu.Unlock()
	return nil
}

// loadLooseRefsInto recursively loads all refs in refs/<prefix> (e.g. "heads", "tags").
func loadLooseRefsInto(gitDir, prefix string, refs map[string]Hash) error {
	refsDir := filepath.Join(gitDir, "refs", prefix)

	if _, err := os.Stat(refsDir); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}

	return filepath.Walk(refsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(gitDir, path)
		if err != nil {
			return err
		}

		refName := filepath.ToSlash(relPath)
		hash, err := resolveRef(gitDir, path)
		if err != nil {
			log.Printf("error resolving ref: %v", err)
			return nil
		}

		refs[refName] = hash
		return nil
	})
}

// loadPackedRefsInto reads the packed-refs file and loads all refs within.
func loadPackedRefsInto(gitDir string, refs map[string]Hash) error {
	packedRefsFile := filepath.Join(gitDir, "packed-refs")

	//nolint:gosec // G304: Packed-refs path is controlled by git repository structure
	file, err := os.Open(packedRefsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("failed to close packed-refs file: %v", err)
		}
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) != 2 {
			continue
		}

		hash, err := NewHash(parts[0])
		if err != nil {
			continue
		}

		refs[parts[1]] = hash
	}

	return scanner.Err()
}

// resolveRef reads a single ref file and returns its hash, following
// symbolic refs (ref: <target>) to their resolution.
func resolveRef(gitDir, path string) (Hash, error) {
	//nolint:gosec // G304: Ref paths are controlled by git repository structure
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	line := strings.TrimSpace(string(content))

	if strings.HasPrefix(line, "ref: ") {
		targetRef := strings.TrimPrefix(line, "ref: ")
		targetPath := filepath.Join(gitDir, targetRef)
		return resolveRef(gitDir, targetPath)
	}

	hash, err := NewHash(line)
	if err != nil {
		return "", fmt.Errorf("invalid hash in ref file %s: %w", path, err)
	}
	return hash, nil
}

// UpdateRef performs a compare-and-swap ref update: the write only succeeds
// if the ref's on-disk value currently equals expected (the empty Hash
// means "must not already exist"). On success the Store's in-memory view is
// updated too. The ref file is opened read-write, its prior value is read
// and compared, then it is truncated and the new value written. No file
// lock is taken, so a second writer that changes the ref between this
// read and this write is not detected.
func (s *Store) UpdateRef(name string, newID Hash, expected Hash) error {
	path := filepath.Join(s.gitDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create ref directory: %w", err)
	}

	//nolint:gosec // G304: ref paths are confined to the repository's refs/ tree
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ref %s: %w", name, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("failed to close ref file: %v", err)
		}
	}()

	current, err := readRefFile(f)
	if err != nil {
		return fmt.Errorf("failed to read ref %s: %w", name, err)
	}
	if current == "" {
		if packed, ok := s.Ref(name); ok {
			current = packed
		}
	}

	if current != expected {
		return fmt.Errorf("ref %s: expected %s, found %s: %w", name, displayHash(expected), displayHash(current), ErrRefConflict)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek ref %s: %w", name, err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate ref %s: %w", name, err)
	}
	if _, err := f.WriteString(string(newID) + "\n"); err != nil {
		return fmt.Errorf("failed to write ref %s: %w", name, err)
	}

	s.mu.Lock()
	s.refs[name] = newID
	s.mu.Unlock()
	return nil
}

func readRefFile(f *os.File) (Hash, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		return "", nil
	}
	return NewHash(line)
}

func displayHash(h Hash) string {
	if h == "" {
		return "<absent>"
	}
	return string(h)
}

// ExpireReflog removes the reflog directory so that, per the GC contract,
// only ref tips (not reflog entries) root the live set.
func (s *Store) ExpireReflog() error {
	logsDir := filepath.Join(s.gitDir, "logs")
	if err := os.RemoveAll(logsDir); err != nil {
		return fmt.Errorf("failed to expire reflog: %w", err)
	}
	return nil
}

// InvalidateAggregateIndexes deletes multi-pack aggregate indexes (midx,
// bloom) so a stale aggregate can never cause Exists to report a false
// negative during a rewrite — deleted before the live-set walk, rebuilt
// (if ever) only after.
func (s *Store) InvalidateAggregateIndexes() error {
	packDir := filepath.Join(s.gitDir, "objects", "pack")
	entries, err := os.ReadDir(packDir)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to scan pack directory: %w", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".midx") {
			if err := os.Remove(filepath.Join(packDir, e.Name())); err != nil {
				return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
			}
		}
	}
	bloomPath := filepath.Join(s.gitDir, "objects", "bup.bloom")
	if err := os.Remove(bloomPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove bup.bloom: %w", err)
	}
	return nil
}
