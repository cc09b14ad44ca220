// Package records persists what the indexer extracts from the chain together
// with the block hashes it was derived from.
package records

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BlockRef identifies a processed block. The indexer compares stored refs with
// fresh headers to detect reorganizations.
type BlockRef struct {
	Number      uint64      `json:"number"`
	Hash        common.Hash `json:"hash"`
	ParentHash  common.Hash `json:"parentHash"`
	Timestamp   uint64      `json:"timestamp"`
	Provisional bool        `json:"provisional"`
}

// Record is one extracted item. (Stream, Key) is its natural key.
type Record struct {
	Stream      string          `json:"stream"`
	Kind        string          `json:"kind"`
	Key         string          `json:"key"`
	BlockNumber uint64          `json:"blockNumber"`
	BlockHash   common.Hash     `json:"blockHash"`
	TxHash      common.Hash     `json:"txHash"`
	Index       uint64          `json:"index"`
	Address     common.Address  `json:"address"`
	Payload     json.RawMessage `json:"payload"`
	Provisional bool            `json:"provisional"`
}

// Batch is the output of one block range [From, To].
type Batch struct {
	From    uint64
	To      uint64
	Blocks  []BlockRef
	Records []Record
}

// Store is the record sink.
type Store interface {
	// Persist replaces everything stored for the batch range with the batch
	// contents in one transaction. Replaying the same batch is a no-op.
	Persist(ctx context.Context, stream string, b Batch) error

	// DeleteAfter removes block refs and records above number.
	DeleteAfter(ctx context.Context, stream string, number uint64) error

	// BlockRef returns the stored ref for number. ok is false when none exists.
	BlockRef(ctx context.Context, stream string, number uint64) (ref BlockRef, ok bool, err error)

	// Finalize clears the provisional flag up to and including upTo.
	Finalize(ctx context.Context, stream string, upTo uint64) error

	// Records lists a stream's records in chain order.
	Records(ctx context.Context, stream string) ([]Record, error)

	Close() error
}

// SortRecords orders records by block, position in block and key.
func SortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.Index != b.Index {
			return a.Index < b.Index
		}
		return a.Key < b.Key
	})
}
