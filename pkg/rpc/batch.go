package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/84hero/safe-indexer/pkg/metrics"
)

var (
	ErrBlockNotFound    = errors.New("block not found")
	ErrReceiptNotFound  = errors.New("receipt not found")
	ErrBatchUnsupported = errors.New("batch requests not supported")
)

// DefaultBatchSize is the number of requests sent in one JSON-RPC batch.
const DefaultBatchSize = 50

// BatchOptions configure a BatchClient.
type BatchOptions struct {
	BatchSize    int
	DisableBatch bool
}

// BatchClient implements ChainClient on top of a Backend. Requests are sent in
// JSON-RPC batches of at most BatchSize elements. When the transport rejects
// batching the client switches to single calls for the rest of its life.
type BatchClient struct {
	backend   Backend
	batchSize int
	noBatch   atomic.Bool
	log       log.Logger
}

// NewBatchClient wraps backend.
func NewBatchClient(backend Backend, opts BatchOptions) *BatchClient {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	c := &BatchClient{
		backend:   backend,
		batchSize: opts.BatchSize,
		log:       log.New("component", "rpc-batch"),
	}
	c.noBatch.Store(opts.DisableBatch)
	return c
}

// Batching reports whether requests are still sent as batches.
func (c *BatchClient) Batching() bool {
	return !c.noBatch.Load()
}

func (c *BatchClient) ChainHead(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *BatchClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.backend.FilterLogs(ctx, q)
}

func (c *BatchClient) Header(ctx context.Context, number uint64) (*Header, error) {
	var h *Header
	if err := c.backend.CallContext(ctx, &h, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return nil, fmt.Errorf("header %d: %w", number, err)
	}
	if h == nil {
		return nil, fmt.Errorf("header %d: %w", number, ErrBlockNotFound)
	}
	return h, nil
}

func (c *BatchClient) HeadersBatch(ctx context.Context, numbers []uint64) (map[uint64]*Header, error) {
	results := make([]*Header, len(numbers))
	elems := make([]gethrpc.BatchElem, len(numbers))
	for i, n := range numbers {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(n), false},
			Result: &results[i],
		}
	}
	if err := c.call(ctx, elems); err != nil {
		return nil, err
	}

	out := make(map[uint64]*Header, len(numbers))
	for i, n := range numbers {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("header %d: %w", n, elems[i].Error)
		}
		if results[i] == nil {
			return nil, fmt.Errorf("header %d: %w", n, ErrBlockNotFound)
		}
		out[n] = results[i]
	}
	return out, nil
}

func (c *BatchClient) Block(ctx context.Context, number uint64) (*Block, error) {
	blocks, err := c.BlocksBatch(ctx, []uint64{number})
	if err != nil {
		return nil, err
	}
	return blocks[number], nil
}

// BlocksBatch fetches full blocks. A block the node does not have yet fails the
// whole call with ErrBlockNotFound.
func (c *BatchClient) BlocksBatch(ctx context.Context, numbers []uint64) (map[uint64]*Block, error) {
	results := make([]*Block, len(numbers))
	elems := make([]gethrpc.BatchElem, len(numbers))
	for i, n := range numbers {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(n), true},
			Result: &results[i],
		}
	}
	if err := c.call(ctx, elems); err != nil {
		return nil, err
	}

	out := make(map[uint64]*Block, len(numbers))
	for i, n := range numbers {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("block %d: %w", n, elems[i].Error)
		}
		if results[i] == nil {
			return nil, fmt.Errorf("block %d: %w", n, ErrBlockNotFound)
		}
		out[n] = results[i]
	}
	return out, nil
}

func (c *BatchClient) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipts, err := c.ReceiptsBatch(ctx, []common.Hash{hash})
	if err != nil {
		return nil, err
	}
	return receipts[hash], nil
}

func (c *BatchClient) ReceiptsBatch(ctx context.Context, hashes []common.Hash) (map[common.Hash]*Receipt, error) {
	results := make([]*Receipt, len(hashes))
	elems := make([]gethrpc.BatchElem, len(hashes))
	for i, h := range hashes {
		elems[i] = gethrpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{h},
			Result: &results[i],
		}
	}
	if err := c.call(ctx, elems); err != nil {
		return nil, err
	}

	out := make(map[common.Hash]*Receipt, len(hashes))
	for i, h := range hashes {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("receipt %s: %w", h.Hex(), elems[i].Error)
		}
		if results[i] == nil {
			return nil, fmt.Errorf("receipt %s: %w", h.Hex(), ErrReceiptNotFound)
		}
		out[h] = results[i]
	}
	return out, nil
}

// TracesBatch runs trace_block for each number. The node must expose the
// trace namespace.
func (c *BatchClient) TracesBatch(ctx context.Context, numbers []uint64) (map[uint64][]Trace, error) {
	results := make([][]Trace, len(numbers))
	elems := make([]gethrpc.BatchElem, len(numbers))
	for i, n := range numbers {
		elems[i] = gethrpc.BatchElem{
			Method: "trace_block",
			Args:   []interface{}{hexutil.EncodeUint64(n)},
			Result: &results[i],
		}
	}
	if err := c.call(ctx, elems); err != nil {
		return nil, err
	}

	out := make(map[uint64][]Trace, len(numbers))
	for i, n := range numbers {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("traces %d: %w", n, elems[i].Error)
		}
		out[n] = results[i]
	}
	return out, nil
}

// call sends elems in chunks, falling back to single calls when batching is off.
func (c *BatchClient) call(ctx context.Context, elems []gethrpc.BatchElem) error {
	for start := 0; start < len(elems); start += c.batchSize {
		end := start + c.batchSize
		if end > len(elems) {
			end = len(elems)
		}
		chunk := elems[start:end]

		if c.noBatch.Load() {
			if err := c.callSingle(ctx, chunk); err != nil {
				return err
			}
			continue
		}

		err := c.backend.BatchCallContext(ctx, chunk)
		if err == nil {
			continue
		}
		if !isBatchUnsupported(err) {
			return err
		}
		if c.noBatch.CompareAndSwap(false, true) {
			metrics.RPCBatchFallbacks.Inc()
			c.log.Warn("Batch requests rejected, using single calls", "err", err)
		}
		if err := c.callSingle(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// callSingle issues each element as its own request. Element level JSON-RPC
// errors are stored on the element, transport errors abort.
func (c *BatchClient) callSingle(ctx context.Context, elems []gethrpc.BatchElem) error {
	for i := range elems {
		err := c.backend.CallContext(ctx, elems[i].Result, elems[i].Method, elems[i].Args...)
		if err == nil {
			continue
		}
		var rpcErr gethrpc.Error
		if errors.As(err, &rpcErr) {
			elems[i].Error = err
			continue
		}
		return err
	}
	return nil
}

func isBatchUnsupported(err error) bool {
	if errors.Is(err, ErrBatchUnsupported) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "batch") &&
		(strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported") || strings.Contains(msg, "disabled"))
}
