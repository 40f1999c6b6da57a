package gc

import (
	"fmt"
	"os"
)

// removePackFile deletes path, treating an already-missing file as success
// (a second GC run, or a crash-recovery re-run, may see it already gone).
func removePackFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
