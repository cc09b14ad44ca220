package indexer

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/84hero/safe-indexer/pkg/events"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/rpc"
)

// fakeChain is an in memory chain. Blocks are linked by hash so reorgs can
// be simulated by rewriting a suffix with another fork byte.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	blocks   map[uint64]*rpc.Block
	traces   map[uint64][]rpc.Trace
	logs     []types.Log
	receipts map[common.Hash]*rpc.Receipt

	fetchErr    error
	headerCalls atomic.Int64
	logCalls    atomic.Int64
	// onFetch runs before every batch fetch.
	onFetch     func()
}

func blockHash(n uint64, fork byte) common.Hash {
	var h common.Hash
	h[0] = fork
	binary.BigEndian.PutUint64(h[24:], n+1)
	return h
}

func newFakeChain(head uint64) *fakeChain {
	f := &fakeChain{
		head:     head,
		blocks:   make(map[uint64]*rpc.Block),
		traces:   make(map[uint64][]rpc.Trace),
		receipts: make(map[common.Hash]*rpc.Receipt),
	}
	f.fork(0, 0)
	return f
}

// fork rewrites every block from n up to head onto fork.
func (f *fakeChain) fork(n uint64, fork byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := n; i <= f.head; i++ {
		var parent common.Hash
		if i > 0 {
			if prev, ok := f.blocks[i-1]; ok {
				parent = prev.Hash
			}
		}
		f.blocks[i] = &rpc.Block{Header: rpc.Header{
			Number:     hexutil.Uint64(i),
			Hash:       blockHash(i, fork),
			ParentHash: parent,
			Timestamp:  hexutil.Uint64(1700000000 + i),
		}}
	}
}

// setParent overrides the parent hash of block n only.
func (f *fakeChain) setParent(n uint64, parent common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[n].ParentHash = parent
}

func (f *fakeChain) setBloom(n uint64, bloom types.Bloom) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[n].LogsBloom = bloom
}

func (f *fakeChain) hashOf(n uint64) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[n].Hash
}

func (f *fakeChain) grow(head uint64) {
	f.mu.Lock()
	old := f.head
	f.head = head
	f.mu.Unlock()
	if head > old {
		f.fork(old+1, f.hashOf(old)[0])
	}
}

func (f *fakeChain) ChainHead(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) block(n uint64) (*rpc.Block, error) {
	b, ok := f.blocks[n]
	if !ok || n > f.head {
		return nil, fmt.Errorf("block %d: %w", n, rpc.ErrBlockNotFound)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeChain) before(ctx context.Context) error {
	if f.onFetch != nil {
		f.onFetch()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.fetchErr
}

func (f *fakeChain) Header(ctx context.Context, n uint64) (*rpc.Header, error) {
	f.headerCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.block(n)
	if err != nil {
		return nil, err
	}
	return &b.Header, nil
}

func (f *fakeChain) HeadersBatch(ctx context.Context, numbers []uint64) (map[uint64]*rpc.Header, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]*rpc.Header, len(numbers))
	for _, n := range numbers {
		b, err := f.block(n)
		if err != nil {
			return nil, err
		}
		out[n] = &b.Header
	}
	return out, nil
}

func (f *fakeChain) Block(ctx context.Context, n uint64) (*rpc.Block, error) {
	blocks, err := f.BlocksBatch(ctx, []uint64{n})
	if err != nil {
		return nil, err
	}
	return blocks[n], nil
}

func (f *fakeChain) BlocksBatch(ctx context.Context, numbers []uint64) (map[uint64]*rpc.Block, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64]*rpc.Block, len(numbers))
	for _, n := range numbers {
		b, err := f.block(n)
		if err != nil {
			return nil, err
		}
		out[n] = b
	}
	return out, nil
}

func (f *fakeChain) Receipt(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
	rs, err := f.ReceiptsBatch(ctx, []common.Hash{hash})
	if err != nil {
		return nil, err
	}
	return rs[hash], nil
}

func (f *fakeChain) ReceiptsBatch(ctx context.Context, hashes []common.Hash) (map[common.Hash]*rpc.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[common.Hash]*rpc.Receipt, len(hashes))
	for _, h := range hashes {
		r, ok := f.receipts[h]
		if !ok {
			return nil, fmt.Errorf("receipt %s: %w", h.Hex(), rpc.ErrReceiptNotFound)
		}
		out[h] = r
	}
	return out, nil
}

func (f *fakeChain) TracesBatch(ctx context.Context, numbers []uint64) (map[uint64][]rpc.Trace, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint64][]rpc.Trace, len(numbers))
	for _, n := range numbers {
		out[n] = f.traces[n]
	}
	return out, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.logCalls.Add(1)
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Log
	for _, l := range f.logs {
		if l.BlockNumber < q.FromBlock.Uint64() || l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matchesTopics(l, q.Topics) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchesTopics(l types.Log, topics [][]common.Hash) bool {
	for pos, sub := range topics {
		if len(sub) == 0 {
			continue
		}
		if pos >= len(l.Topics) {
			return false
		}
		found := false
		for _, h := range sub {
			if l.Topics[pos] == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ rpc.ChainClient = (*fakeChain)(nil)

// blockExtractor emits one record per block carrying the block hash, which
// makes fork data easy to tell apart.
type blockExtractor struct {
	calls atomic.Int64
}

func (x *blockExtractor) Kind() string { return "blocks" }

func (x *blockExtractor) Needs() Needs { return Needs{} }

func (x *blockExtractor) Extract(_ context.Context, stream string, data *RangeData) ([]records.Record, error) {
	x.calls.Add(1)
	var out []records.Record
	for n := data.From; n <= data.To; n++ {
		ref := data.Refs[n]
		rec, err := events.NewRecord(stream, fmt.Sprintf("block:%d", n), ref, 0, common.Address{}, ref.Hash,
			events.ERC20Transfer{Value: new(big.Int).SetUint64(n).String(), TxHash: ref.Hash})
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// capturePublisher records published events.
type capturePublisher struct {
	mu  sync.Mutex
	evs []events.Event
}

func (p *capturePublisher) Send(_ context.Context, evs []events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, evs...)
	return nil
}

func (p *capturePublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.evs))
	for i, e := range p.evs {
		out[i] = e.Kind
	}
	return out
}
