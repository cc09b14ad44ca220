package rpc

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// EthClient abstracts the underlying ethclient.Client implementation for easier mocking/testing
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// RawCaller issues raw JSON-RPC requests. *rpc.Client from go-ethereum satisfies it.
type RawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	BatchCallContext(ctx context.Context, b []gethrpc.BatchElem) error
}

// Backend is the transport BatchClient runs on. MultiClient implements it.
type Backend interface {
	RawCaller

	// BlockNumber retrieves the latest block height
	BlockNumber(ctx context.Context) (uint64, error)

	// FilterLogs retrieves logs matching q
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// ChainClient is everything the indexer reads from the chain.
type ChainClient interface {
	// ChainHead returns the latest block number.
	ChainHead(ctx context.Context) (uint64, error)

	// Header returns the block at number without transactions.
	Header(ctx context.Context, number uint64) (*Header, error)

	// HeadersBatch returns headers keyed by number.
	HeadersBatch(ctx context.Context, numbers []uint64) (map[uint64]*Header, error)

	// Block returns the block at number with full transactions.
	Block(ctx context.Context, number uint64) (*Block, error)

	// BlocksBatch returns full blocks keyed by number.
	BlocksBatch(ctx context.Context, numbers []uint64) (map[uint64]*Block, error)

	// Receipt returns the receipt of a transaction.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)

	// ReceiptsBatch returns receipts keyed by transaction hash.
	ReceiptsBatch(ctx context.Context, hashes []common.Hash) (map[common.Hash]*Receipt, error)

	// TracesBatch returns trace_block output keyed by block number.
	TracesBatch(ctx context.Context, numbers []uint64) (map[uint64][]Trace, error)

	// FilterLogs retrieves logs (used for token transfer scanning)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}
