package indexer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/safe-indexer/pkg/decoder"
	"github.com/84hero/safe-indexer/pkg/metrics"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/registry"
)

// Extractor kinds accepted in stream configuration.
const (
	KindInternalTxs    = "internal_txs"
	KindERC20Transfers = "erc20_transfers"
	KindSafeTxs        = "safe_txs"
)

// Needs lists what an extractor reads for each range.
type Needs struct {
	Blocks bool
	Traces bool
	Logs   []*LogFilter
}

// Extractor turns fetched chain data into records. Extract runs on the
// cycle goroutine and must return records for [data.From, data.To] only.
type Extractor interface {
	Kind() string
	Needs() Needs
	Extract(ctx context.Context, stream string, data *RangeData) ([]records.Record, error)
}

// addressSet is a set of monitored addresses. An empty set matches everything.
type addressSet map[common.Address]struct{}

func newAddressSet(addrs []common.Address) addressSet {
	s := make(addressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s addressSet) matchAll() bool {
	return len(s) == 0
}

func (s addressSet) has(a common.Address) bool {
	if s.matchAll() {
		return true
	}
	_, ok := s[a]
	return ok
}

func (s addressSet) list() []common.Address {
	out := make([]common.Address, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	return out
}

// decodeCall decodes call data for display. Failures are counted and logged
// by severity and leave the call undecoded.
func decodeCall(l log.Logger, dec *decoder.Decoder, data []byte) *decoder.DecodedCall {
	if len(data) < 4 {
		return nil
	}
	call, err := dec.Decode(data)
	switch {
	case err == nil:
		return call
	case errors.Is(err, decoder.ErrUnexpectedProblemDecoding):
		sel, _ := registry.SelectorFromData(data)
		metrics.DecodeFailures.WithLabelValues("unexpected").Inc()
		l.Warn("Unexpected problem decoding call data", "selector", sel, "err", err)
	default:
		metrics.DecodeFailures.WithLabelValues("unknown_selector").Inc()
		l.Debug("Cannot decode call data", "err", err)
	}
	return nil
}
