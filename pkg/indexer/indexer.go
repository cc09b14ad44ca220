// Package indexer advances indexing streams through the chain one block range
// at a time. Each cycle validates that the new range extends what was stored
// before, rewinds past reorganizations and only then moves the stream cursor.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/safe-indexer/pkg/events"
	"github.com/84hero/safe-indexer/pkg/lock"
	"github.com/84hero/safe-indexer/pkg/metrics"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/rpc"
	"github.com/84hero/safe-indexer/pkg/storage"
)

var (
	// ErrReorgTooDeep means no common ancestor was found within MaxRewindDepth.
	// The stream must not continue until an operator resets its cursor.
	ErrReorgTooDeep = errors.New("reorg deeper than max rewind depth")

	// ErrCursorMoved means another worker changed the cursor during the cycle.
	ErrCursorMoved = errors.New("cursor moved concurrently")

	// ErrInconsistentRange means the node served blocks that do not chain.
	// It is transient; the next cycle fetches again.
	ErrInconsistentRange = errors.New("inconsistent block range")
)

// maxRewindAttempts bounds how often one cycle rewinds and refetches.
const maxRewindAttempts = 3

// Config holds the limits shared by all streams.
type Config struct {
	// ReorgSafetyBlocks is the depth below head after which blocks are final.
	ReorgSafetyBlocks uint64
	// MaxBatchSize caps the number of blocks handled per cycle.
	MaxBatchSize uint64
	// MaxRewindDepth bounds the backward walk looking for a common ancestor.
	MaxRewindDepth uint64
	// AutoAdjustBatch tunes the batch size by cycle duration.
	AutoAdjustBatch bool

	FetchTimeout time.Duration
	Workers      int
	// ChunkSize is the number of blocks fetched by one worker task.
	ChunkSize int

	LockWait time.Duration
	LockTTL  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxRewindDepth == 0 {
		c.MaxRewindDepth = 128
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 10
	}
	if c.LockWait == 0 {
		c.LockWait = time.Second
	}
	if c.LockTTL == 0 {
		c.LockTTL = 5 * time.Minute
	}
}

// Stream is one independently indexed feed with its own cursor.
type Stream struct {
	ID        string
	Extractor Extractor
	// Confirmations is how far behind head the stream indexes. Nil means
	// ReorgSafetyBlocks.
	Confirmations *uint64
	// StartBlock is the first block indexed when no cursor exists. The
	// genesis block is never indexed, so 0 and 1 both start at block 1.
	StartBlock uint64
}

// Publisher receives the events produced by a cycle. Errors are logged and
// never undo indexing.
type Publisher interface {
	Send(ctx context.Context, evs []events.Event) error
}

// CycleResult describes what one RunCycle did.
type CycleResult struct {
	Stream   string
	Head     uint64
	From     uint64
	To       uint64
	Cursor   uint64
	Records  int
	Skipped  bool
	Idle     bool
	Rewound  bool
	Ancestor uint64
}

// Indexer runs the cycle of a single stream.
type Indexer struct {
	stream  Stream
	chain   rpc.ChainClient
	cursors storage.Persistence
	store   records.Store
	locker  lock.Locker
	cfg     Config

	batch     *batchLimiter
	publisher Publisher
	log       log.Logger
}

func New(stream Stream, chain rpc.ChainClient, cursors storage.Persistence, store records.Store, locker lock.Locker, cfg Config) *Indexer {
	cfg.applyDefaults()
	return &Indexer{
		stream:  stream,
		chain:   chain,
		cursors: cursors,
		store:   store,
		locker:  locker,
		cfg:     cfg,
		batch:   newBatchLimiter(cfg.MaxBatchSize, cfg.AutoAdjustBatch),
		log:     log.New("stream", stream.ID),
	}
}

// SetPublisher sets where events go after a range is committed.
func (ix *Indexer) SetPublisher(p Publisher) {
	ix.publisher = p
}

// Stream returns the stream this indexer advances.
func (ix *Indexer) Stream() Stream {
	return ix.stream
}

func (ix *Indexer) confirmations() uint64 {
	if ix.stream.Confirmations != nil {
		return *ix.stream.Confirmations
	}
	return ix.cfg.ReorgSafetyBlocks
}

// RunCycle advances the stream by at most one batch. A cycle that cannot take
// the stream lock is skipped without error. Any error leaves the cursor where
// it was, except after a rewind, which is committed before refetching.
func (ix *Indexer) RunCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Stream: ix.stream.ID}

	release, ok, err := ix.locker.TryLock(ctx, "stream:"+ix.stream.ID, ix.cfg.LockWait, ix.cfg.LockTTL)
	if err != nil {
		return res, fmt.Errorf("acquire stream lock: %w", err)
	}
	if !ok {
		metrics.SkippedCycles.WithLabelValues(ix.stream.ID).Inc()
		ix.log.Debug("Cycle skipped, stream locked by another worker")
		res.Skipped = true
		return res, nil
	}
	defer release()

	start := time.Now()
	res, err = ix.run(ctx, res)
	elapsed := time.Since(start)
	metrics.CycleDuration.WithLabelValues(ix.stream.ID, metrics.Result(err)).Observe(elapsed.Seconds())

	if err == nil && !res.Idle {
		ix.batch.Observe(res.To-res.From+1, elapsed)
		metrics.BatchSize.WithLabelValues(ix.stream.ID).Set(float64(ix.batch.Current()))
	}
	return res, err
}

func (ix *Indexer) run(ctx context.Context, res CycleResult) (CycleResult, error) {
	stored, err := ix.cursors.LoadCursor(ctx, ix.stream.ID)
	if err != nil {
		return res, fmt.Errorf("load cursor: %w", err)
	}
	last := stored
	if last == 0 && ix.stream.StartBlock > 0 {
		last = ix.stream.StartBlock - 1
	}

	head, err := ix.chain.ChainHead(ctx)
	if err != nil {
		return res, fmt.Errorf("chain head: %w", err)
	}
	res.Head = head
	metrics.ChainHead.Set(float64(head))

	var pub []events.Event
	var data *RangeData
	for attempt := 0; data == nil; attempt++ {
		from, to, ok := ix.nextRange(last, head)
		if !ok {
			res.Idle = true
			res.Cursor = last
			ix.publish(ctx, pub)
			return res, nil
		}

		fetched, err := ix.fetch(ctx, from, to)
		if err != nil {
			return res, err
		}
		div, err := ix.checkContinuity(ctx, last, fetched)
		if err != nil {
			return res, err
		}
		if div == nil {
			data = fetched
			break
		}

		if attempt >= maxRewindAttempts {
			return res, fmt.Errorf("%w: still diverging after %d rewinds", ErrInconsistentRange, attempt)
		}
		ancestor, err := ix.rewind(ctx, stored, last, div)
		if err != nil {
			return res, err
		}
		pub = append(pub, events.NewReorg(ix.stream.ID, ancestor, last-ancestor, div.stored, div.observed))
		res.Rewound = true
		res.Ancestor = ancestor
		stored, last = ancestor, ancestor
	}
	res.From, res.To = data.From, data.To

	data.Refs = ix.blockRefs(data, head)
	extractCtx, cancel := context.WithTimeout(ctx, ix.cfg.FetchTimeout)
	recs, err := ix.stream.Extractor.Extract(extractCtx, ix.stream.ID, data)
	cancel()
	if err != nil {
		return res, fmt.Errorf("extract %d-%d: %w", data.From, data.To, err)
	}
	records.SortRecords(recs)

	batch := records.Batch{From: data.From, To: data.To, Records: recs}
	for n := data.From; n <= data.To; n++ {
		batch.Blocks = append(batch.Blocks, data.Refs[n])
	}
	if err := ix.store.Persist(ctx, ix.stream.ID, batch); err != nil {
		return res, fmt.Errorf("persist %d-%d: %w", data.From, data.To, err)
	}

	ok, err := ix.cursors.CompareAndSetCursor(ctx, ix.stream.ID, stored, data.To)
	if err != nil {
		return res, fmt.Errorf("advance cursor: %w", err)
	}
	if !ok {
		return res, fmt.Errorf("%w: expected %d", ErrCursorMoved, stored)
	}
	res.Cursor = data.To
	res.Records = len(recs)
	metrics.Cursor.WithLabelValues(ix.stream.ID).Set(float64(data.To))
	metrics.RecordsPersisted.WithLabelValues(ix.stream.ID).Add(float64(len(recs)))

	if head > ix.cfg.ReorgSafetyBlocks {
		if err := ix.store.Finalize(ctx, ix.stream.ID, head-ix.cfg.ReorgSafetyBlocks); err != nil {
			// Finalization is retried by every later cycle.
			ix.log.Warn("Failed to finalize records", "up_to", head-ix.cfg.ReorgSafetyBlocks, "err", err)
		}
	}

	for _, r := range recs {
		ev, err := events.FromRecord(r)
		if err != nil {
			ix.log.Warn("Failed to build event", "key", r.Key, "err", err)
			continue
		}
		pub = append(pub, ev)
	}
	ix.publish(ctx, pub)

	ix.log.Info("Range indexed", "from", data.From, "to", data.To, "records", len(recs), "head", head)
	return res, nil
}

// nextRange returns the block range following last, bounded by the
// confirmation depth and the current batch size.
func (ix *Indexer) nextRange(last, head uint64) (from, to uint64, ok bool) {
	conf := ix.confirmations()
	if head < conf {
		return 0, 0, false
	}
	upper := head - conf
	if limit := last + ix.batch.Current(); limit < upper {
		upper = limit
	}
	if upper <= last {
		return 0, 0, false
	}
	return last + 1, upper, true
}

// blockRefs marks blocks inside the reorg safety window as provisional.
func (ix *Indexer) blockRefs(data *RangeData, head uint64) map[uint64]records.BlockRef {
	refs := make(map[uint64]records.BlockRef, len(data.Headers))
	for n, h := range data.Headers {
		refs[n] = records.BlockRef{
			Number:      n,
			Hash:        h.Hash,
			ParentHash:  h.ParentHash,
			Timestamp:   uint64(h.Timestamp),
			Provisional: n+ix.cfg.ReorgSafetyBlocks > head,
		}
	}
	return refs
}

func (ix *Indexer) publish(ctx context.Context, evs []events.Event) {
	if ix.publisher == nil || len(evs) == 0 {
		return
	}
	if err := ix.publisher.Send(ctx, evs); err != nil {
		ix.log.Error("Failed to publish events", "count", len(evs), "err", err)
	}
}
