package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/rpc"
)

// RangeData is everything fetched for the block range [From, To].
type RangeData struct {
	From    uint64
	To      uint64
	Headers map[uint64]*rpc.Header
	// Blocks is set when the extractor needs full transactions.
	Blocks map[uint64]*rpc.Block
	// Traces is set when the extractor needs trace_block output.
	Traces map[uint64][]rpc.Trace
	// Logs holds the matches of every filter the extractor asked for.
	Logs []types.Log
	// Refs is filled after validation, one per block.
	Refs map[uint64]records.BlockRef
}

// withTimeout runs fn under a per call deadline.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

type fetchPart struct {
	headers map[uint64]*rpc.Header
	blocks  map[uint64]*rpc.Block
	traces  map[uint64][]rpc.Trace
}

// fetch loads the range with a bounded pool of workers. Workers only fill
// their own slot; merging happens after every worker has returned.
func (ix *Indexer) fetch(ctx context.Context, from, to uint64) (*RangeData, error) {
	needs := ix.stream.Extractor.Needs()
	chunks := chunkRange(from, to, ix.cfg.ChunkSize)
	parts := make([]fetchPart, len(chunks))

	// A single block with a selective filter can often skip eth_getLogs.
	bloomFirst := from == to && len(needs.Logs) > 0 && !anyHeavy(needs.Logs)
	var logs [][]types.Log
	if !bloomFirst {
		logs = make([][]types.Log, len(needs.Logs))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)
	for i, nums := range chunks {
		nums := nums
		part := &parts[i]
		g.Go(func() error {
			if needs.Blocks {
				blocks, err := withTimeout(gctx, ix.cfg.FetchTimeout, func(c context.Context) (map[uint64]*rpc.Block, error) {
					return ix.chain.BlocksBatch(c, nums)
				})
				if err != nil {
					return fmt.Errorf("fetch blocks %d-%d: %w", nums[0], nums[len(nums)-1], err)
				}
				part.blocks = blocks
			} else {
				headers, err := withTimeout(gctx, ix.cfg.FetchTimeout, func(c context.Context) (map[uint64]*rpc.Header, error) {
					return ix.chain.HeadersBatch(c, nums)
				})
				if err != nil {
					return fmt.Errorf("fetch headers %d-%d: %w", nums[0], nums[len(nums)-1], err)
				}
				part.headers = headers
			}
			if needs.Traces {
				traces, err := withTimeout(gctx, ix.cfg.FetchTimeout, func(c context.Context) (map[uint64][]rpc.Trace, error) {
					return ix.chain.TracesBatch(c, nums)
				})
				if err != nil {
					return fmt.Errorf("fetch traces %d-%d: %w", nums[0], nums[len(nums)-1], err)
				}
				part.traces = traces
			}
			return nil
		})
	}
	for i := range logs {
		i := i
		filter := needs.Logs[i]
		g.Go(func() error {
			found, err := ix.filterLogs(gctx, filter, from, to)
			logs[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data := &RangeData{
		From:    from,
		To:      to,
		Headers: make(map[uint64]*rpc.Header, to-from+1),
	}
	if needs.Blocks {
		data.Blocks = make(map[uint64]*rpc.Block, to-from+1)
	}
	if needs.Traces {
		data.Traces = make(map[uint64][]rpc.Trace, to-from+1)
	}
	for _, p := range parts {
		for n, h := range p.headers {
			data.Headers[n] = h
		}
		for n, b := range p.blocks {
			data.Blocks[n] = b
			data.Headers[n] = &b.Header
		}
		for n, t := range p.traces {
			data.Traces[n] = t
		}
	}
	for _, l := range logs {
		data.Logs = append(data.Logs, l...)
	}

	if bloomFirst {
		h := data.Headers[from]
		if h == nil {
			return nil, fmt.Errorf("%w: block %d missing", ErrInconsistentRange, from)
		}
		for _, f := range needs.Logs {
			if !f.MatchesBloom(h.LogsBloom) {
				continue
			}
			found, err := ix.filterLogs(ctx, f, from, to)
			if err != nil {
				return nil, err
			}
			data.Logs = append(data.Logs, found...)
		}
	}
	return data, nil
}

func (ix *Indexer) filterLogs(ctx context.Context, f *LogFilter, from, to uint64) ([]types.Log, error) {
	logs, err := withTimeout(ctx, ix.cfg.FetchTimeout, func(c context.Context) ([]types.Log, error) {
		return ix.chain.FilterLogs(c, f.Query(from, to))
	})
	if err != nil {
		return nil, fmt.Errorf("fetch logs %d-%d: %w", from, to, err)
	}
	return logs, nil
}

// chunkRange splits [from, to] into consecutive slices of at most size numbers.
func chunkRange(from, to uint64, size int) [][]uint64 {
	var out [][]uint64
	var cur []uint64
	for n := from; n <= to; n++ {
		cur = append(cur, n)
		if len(cur) == size {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func anyHeavy(filters []*LogFilter) bool {
	for _, f := range filters {
		if f.IsHeavy() {
			return true
		}
	}
	return false
}
