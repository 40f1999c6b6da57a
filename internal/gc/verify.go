package gc

import (
	"context"
	"fmt"

	"github.com/halvorsen/packvault/internal/gitcore"
)

// VerifyLiveness re-walks every ref tip against store and reports an error
// naming the first id the walk names but cannot Cat. It costs one full
// connectivity walk, so it is opt-in (wired behind gc's -v -v) rather than
// run on every pass.
func VerifyLiveness(ctx context.Context, store *gitcore.Store) error {
	seen := make(map[gitcore.Hash]struct{})
	stopAt := func(id gitcore.Hash) bool {
		_, ok := seen[id]
		return ok
	}

	for name, tip := range store.ListRefs() {
		for item, err := range gitcore.Walk(ctx, store, tip, stopAt, false) {
			if err != nil {
				return fmt.Errorf("liveness check: ref %s: %w", name, err)
			}
			seen[item.ID] = struct{}{}
		}
	}
	return nil
}
