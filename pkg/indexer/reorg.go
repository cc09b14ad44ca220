package indexer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/84hero/safe-indexer/pkg/metrics"
	"github.com/84hero/safe-indexer/pkg/rpc"
)

// divergence is a range whose first block does not build on the stored cursor block.
type divergence struct {
	number   uint64
	stored   common.Hash
	observed common.Hash
}

// checkContinuity verifies that data chains internally and extends the
// stored ref of last. A broken internal chain is ErrInconsistentRange; a
// mismatch against storage is returned as a divergence.
func (ix *Indexer) checkContinuity(ctx context.Context, last uint64, data *RangeData) (*divergence, error) {
	for n := data.From; n <= data.To; n++ {
		h := data.Headers[n]
		if h == nil || uint64(h.Number) != n {
			return nil, fmt.Errorf("%w: block %d missing", ErrInconsistentRange, n)
		}
		if n > data.From && h.ParentHash != data.Headers[n-1].Hash {
			return nil, fmt.Errorf("%w: block %d does not extend %d", ErrInconsistentRange, n, n-1)
		}
	}

	ref, ok, err := ix.store.BlockRef(ctx, ix.stream.ID, last)
	if err != nil {
		return nil, fmt.Errorf("load block ref %d: %w", last, err)
	}
	if !ok {
		return nil, nil
	}
	if first := data.Headers[data.From]; first.ParentHash != ref.Hash {
		return &divergence{number: last, stored: ref.Hash, observed: first.ParentHash}, nil
	}
	return nil, nil
}

// rewind moves the cursor back to the last common ancestor and drops
// everything stored above it. The cursor moves first so a crash in between
// never leaves the cursor above deleted data.
func (ix *Indexer) rewind(ctx context.Context, stored, last uint64, div *divergence) (uint64, error) {
	ancestor, err := ix.findAncestor(ctx, last)
	if err != nil {
		return 0, err
	}
	depth := last - ancestor
	ix.log.Warn("Reorg detected, rewinding", "cursor", last, "ancestor", ancestor, "depth", depth,
		"stored_hash", div.stored, "observed_parent", div.observed)

	ok, err := ix.cursors.CompareAndSetCursor(ctx, ix.stream.ID, stored, ancestor)
	if err != nil {
		return 0, fmt.Errorf("rewind cursor: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: expected %d", ErrCursorMoved, stored)
	}
	if err := ix.store.DeleteAfter(ctx, ix.stream.ID, ancestor); err != nil {
		return 0, fmt.Errorf("delete records after %d: %w", ancestor, err)
	}

	metrics.Reorgs.WithLabelValues(ix.stream.ID).Inc()
	metrics.RewindDepth.WithLabelValues(ix.stream.ID).Observe(float64(depth))
	metrics.Cursor.WithLabelValues(ix.stream.ID).Set(float64(ancestor))
	return ancestor, nil
}

// findAncestor walks back from last comparing stored hashes with the chain.
// A block without a stored ref predates the stream history and is taken as
// the ancestor.
func (ix *Indexer) findAncestor(ctx context.Context, last uint64) (uint64, error) {
	for n := last; ; n-- {
		if last-n > ix.cfg.MaxRewindDepth {
			return 0, ix.tooDeep(last)
		}
		ref, ok, err := ix.store.BlockRef(ctx, ix.stream.ID, n)
		if err != nil {
			return 0, fmt.Errorf("load block ref %d: %w", n, err)
		}
		if !ok {
			return n, nil
		}
		h, err := withTimeout(ctx, ix.cfg.FetchTimeout, func(c context.Context) (*rpc.Header, error) {
			return ix.chain.Header(c, n)
		})
		if err != nil {
			return 0, fmt.Errorf("fetch header %d: %w", n, err)
		}
		if h.Hash == ref.Hash {
			if n == last {
				// The node agrees with storage on last but served a range that
				// does not build on it.
				return 0, fmt.Errorf("%w: block %d unchanged but range parent differs", ErrInconsistentRange, n)
			}
			return n, nil
		}
		if n == 0 {
			return 0, ix.tooDeep(last)
		}
	}
}

func (ix *Indexer) tooDeep(last uint64) error {
	ix.log.Error("No common ancestor within max rewind depth, stream halted",
		"cursor", last, "max_rewind_depth", ix.cfg.MaxRewindDepth, "alert", true)
	return fmt.Errorf("%w: cursor %d, depth %d", ErrReorgTooDeep, last, ix.cfg.MaxRewindDepth)
}
