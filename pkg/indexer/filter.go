package indexer

import (
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// heavyFilterSize is the entry count above which a bloom check stops being useful.
const heavyFilterSize = 20

// LogFilter selects logs for eth_getLogs and tests block blooms locally.
type LogFilter struct {
	// Contracts restricts Log.Address. Empty means any contract.
	Contracts []common.Address

	// Topics follows eth_getLogs semantics: [[A, B], [C], nil, [D]] means
	// (topic0 in [A, B]) AND (topic1 in [C]) AND (topic3 in [D]).
	Topics [][]common.Hash
}

func NewLogFilter() *LogFilter {
	return &LogFilter{}
}

// AddContract adds contract addresses to listen to
func (f *LogFilter) AddContract(addrs ...common.Address) *LogFilter {
	f.Contracts = append(f.Contracts, addrs...)
	return f
}

// SetTopic appends hashes at position pos (0-3).
func (f *LogFilter) SetTopic(pos int, hashes ...common.Hash) *LogFilter {
	if len(f.Topics) <= pos {
		grown := make([][]common.Hash, pos+1)
		copy(grown, f.Topics)
		f.Topics = grown
	}
	f.Topics[pos] = append(f.Topics[pos], hashes...)
	return f
}

// Query converts the filter to an eth_getLogs request over [from, to].
func (f *LogFilter) Query(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: f.Contracts,
		Topics:    f.Topics,
	}
}

// IsHeavy reports whether the filter has so many entries that a bloom
// check would almost always pass.
func (f *LogFilter) IsHeavy() bool {
	if len(f.Contracts) > heavyFilterSize {
		return true
	}
	for _, sub := range f.Topics {
		if len(sub) > heavyFilterSize {
			return true
		}
	}
	return false
}

// MatchesBloom returns false only when the block definitely holds no matching log.
func (f *LogFilter) MatchesBloom(bloom types.Bloom) bool {
	if len(f.Contracts) > 0 {
		found := false
		for _, addr := range f.Contracts {
			if bloom.Test(addr.Bytes()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, sub := range f.Topics {
		if len(sub) == 0 {
			continue
		}
		found := false
		for _, h := range sub {
			if bloom.Test(h.Bytes()) {
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
