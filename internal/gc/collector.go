// Package gc implements pack compaction: computing the reachable object set
// from a repository's ref tips and rewriting or dropping packs accordingly.
package gc

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/halvorsen/packvault/internal/gitcore"
)

// Options configures a Collector run.
type Options struct {
	// Threshold is the garbage-threshold percentage T in [0,100]: a pack is
	// kept intact when its live fraction exceeds (100-T)/100, rewritten
	// otherwise (unless entirely dead, in which case it is just deleted).
	Threshold int
	// Compress is the zlib compression level (0..9) used for any pack the
	// collector rewrites.
	Compress int
}

// PackDisposition records what happened to one source pack during a run.
type PackDisposition struct {
	Pack     string
	Action   string // "keep", "delete", "rewrite"
	Live     int
	Total    int
	Fraction float64
}

// Report summarizes one Collector run.
type Report struct {
	TotalBefore int
	LiveCount   int
	Packs       []PackDisposition
}

// Collector drives the liveness walk and pack rewrite/delete decisions for
// one Store.
type Collector struct {
	store *gitcore.Store
	opts  Options
}

// New returns a Collector for store using opts.
func New(store *gitcore.Store, opts Options) *Collector {
	if opts.Threshold < 0 {
		opts.Threshold = 0
	}
	if opts.Threshold > 100 {
		opts.Threshold = 100
	}
	return &Collector{store: store, opts: opts}
}

// Run executes one full GC pass: invalidate aggregate indexes, expire the
// reflog, walk the live set from every ref tip, then delete, keep, or
// rewrite each pack according to its live fraction. A freshly rewritten
// pack is always durable (its on_pack_finish hook has fired) before the
// source pack(s) it replaces are unlinked, so a crash mid-run never loses a
// live object — at worst it leaves stale source packs behind alongside
// their already-durable replacement.
func (c *Collector) Run(ctx context.Context) (*Report, error) {
	indices := c.store.PackIndices()

	total := 0
	for _, idx := range indices {
		total += idx.Len()
	}

	if err := c.store.InvalidateAggregateIndexes(); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	if err := c.store.ExpireReflog(); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}

	live, err := c.buildLiveSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}

	type candidate struct {
		idx      *gitcore.PackIndex
		liveIDs  []gitcore.Hash
		fraction float64
	}
	candidates := make([]candidate, 0, len(indices))
	for _, idx := range indices {
		var liveIDs []gitcore.Hash
		for _, id := range idx.Ids() {
			if _, ok := live[id]; ok {
				liveIDs = append(liveIDs, id)
			}
		}
		frac := 1.0
		if idx.Len() > 0 {
			frac = float64(len(liveIDs)) / float64(idx.Len())
		}
		candidates = append(candidates, candidate{idx: idx, liveIDs: liveIDs, fraction: frac})
	}

	// Smallest live fraction first: the packs most worth rewriting (or
	// dropping outright) are handled before packs likely to be kept
	// untouched.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].fraction < candidates[j].fraction })

	keepFraction := float64(100-c.opts.Threshold) / 100.0

	report := &Report{TotalBefore: total, LiveCount: len(live)}

	var deleteNow []string

	// currentBatch names the source pack/idx files that the NEXT Breakpoint
	// call, if it produces a durable pack, should delete. It is set right
	// before each Breakpoint so on_pack_finish (which Breakpoint invokes
	// synchronously, before returning) always sees the right batch — the
	// deletion of a rewritten source pack happens the instant its
	// replacement is durable, never before.
	var currentBatch []string
	onFinish := func(string) {
		for _, f := range currentBatch {
			if rerr := removePackFile(f); rerr != nil {
				log.Printf("gc: %v", rerr)
			}
		}
		currentBatch = nil
	}

	// alreadyCopied tracks ids written into the replacement pack(s) across
	// this whole run. It must NOT consult the Store (PackWriter.Exists does,
	// as a cross-writer dedup convenience) because every source pack being
	// rewritten is still present in the Store until its replacement is
	// durable and it is explicitly deleted below — checking the Store here
	// would make every live object look "already written" and the rewrite
	// would silently copy nothing.
	alreadyCopied := make(map[gitcore.Hash]struct{})

	var writer *gitcore.PackWriter
	for _, cand := range candidates {
		packPath := cand.idx.PackFile()
		idxPath := strings.TrimSuffix(packPath, ".pack") + ".idx"

		switch {
		case len(cand.liveIDs) == 0:
			deleteNow = append(deleteNow, packPath, idxPath)
			report.Packs = append(report.Packs, PackDisposition{Pack: packPath, Action: "delete", Live: 0, Total: cand.idx.Len(), Fraction: cand.fraction})

		case cand.fraction > keepFraction:
			report.Packs = append(report.Packs, PackDisposition{Pack: packPath, Action: "keep", Live: len(cand.liveIDs), Total: cand.idx.Len(), Fraction: cand.fraction})

		default:
			if writer == nil {
				w, werr := gitcore.NewPackWriter(c.store, c.opts.Compress, onFinish)
				if werr != nil {
					return nil, fmt.Errorf("gc: %w", werr)
				}
				writer = w
			}
			for _, id := range cand.liveIDs {
				if _, ok := alreadyCopied[id]; ok {
					continue
				}
				kind, payload, cerr := c.store.Cat(id)
				if cerr != nil {
					return nil, fmt.Errorf("gc: rewrite %s: %w", packPath, cerr)
				}
				if jerr := writer.JustWrite(id, kind, payload); jerr != nil {
					return nil, fmt.Errorf("gc: rewrite %s: %w", packPath, jerr)
				}
				alreadyCopied[id] = struct{}{}
			}
			currentBatch = []string{packPath, idxPath}
			basename, berr := writer.Breakpoint()
			if berr != nil {
				return nil, fmt.Errorf("gc: %w", berr)
			}
			if basename == "" {
				// Every live id in this pack was already durable in a pack
				// produced earlier in this same run; nothing new to wait on.
				deleteNow = append(deleteNow, packPath, idxPath)
				currentBatch = nil
			}
			report.Packs = append(report.Packs, PackDisposition{Pack: packPath, Action: "rewrite", Live: len(cand.liveIDs), Total: cand.idx.Len(), Fraction: cand.fraction})
		}
	}

	if writer != nil {
		if _, cerr := writer.Close(); cerr != nil {
			return nil, fmt.Errorf("gc: %w", cerr)
		}
	}

	// Drain step 6 covers: pure deletions (dead packs with nothing to
	// rewrite) and any rewrite whose source was entirely already durable
	// elsewhere this run — both are safe to remove now since nothing further
	// in this run depends on them being present.
	for _, f := range deleteNow {
		if err := removePackFile(f); err != nil {
			log.Printf("gc: %v", err)
		}
	}

	if err := c.store.Reload(); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}

	return report, nil
}

// buildLiveSet walks from every ref tip, short-circuiting on ids already
// known live so the same subtree is never fetched twice across refs.
func (c *Collector) buildLiveSet(ctx context.Context) (map[gitcore.Hash]struct{}, error) {
	live := make(map[gitcore.Hash]struct{})
	stopAt := func(id gitcore.Hash) bool {
		_, ok := live[id]
		return ok
	}

	for name, tip := range c.store.ListRefs() {
		for item, err := range gitcore.Walk(ctx, c.store, tip, stopAt, false) {
			if err != nil {
				return nil, fmt.Errorf("walk ref %s: %w", name, err)
			}
			live[item.ID] = struct{}{}
		}
	}
	return live, nil
}
