package indexer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/safe-indexer/pkg/decoder"
	"github.com/84hero/safe-indexer/pkg/events"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/rpc"
)

// InternalTxExtractor records traces that touch monitored addresses.
type InternalTxExtractor struct {
	addrs   addressSet
	decoder *decoder.Decoder
	log     log.Logger
}

// NewInternalTxExtractor decodes call input with dec, normally the extended
// transaction decoder. No addresses means every trace is recorded.
func NewInternalTxExtractor(dec *decoder.Decoder, addrs ...common.Address) *InternalTxExtractor {
	return &InternalTxExtractor{
		addrs:   newAddressSet(addrs),
		decoder: dec,
		log:     log.New("extractor", KindInternalTxs),
	}
}

func (x *InternalTxExtractor) Kind() string { return KindInternalTxs }

func (x *InternalTxExtractor) Needs() Needs { return Needs{Traces: true} }

func (x *InternalTxExtractor) Extract(_ context.Context, stream string, data *RangeData) ([]records.Record, error) {
	var out []records.Record
	for n := data.From; n <= data.To; n++ {
		for i := range data.Traces[n] {
			t := &data.Traces[n][i]
			if t.BlockHash != data.Refs[n].Hash {
				return nil, fmt.Errorf("%w: trace %d of block %d from block %s", ErrInconsistentRange, i, n, t.BlockHash.Hex())
			}
			// Block and uncle rewards belong to no transaction.
			if t.TransactionHash == nil {
				continue
			}
			addr, ok := x.match(t)
			if !ok {
				continue
			}
			p := x.payload(t)
			key := fmt.Sprintf("%s:%s", t.TransactionHash.Hex(), traceAddress(t.TraceAddress))
			rec, err := events.NewRecord(stream, key, data.Refs[n], uint64(i), addr, *t.TransactionHash, p)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// match returns the monitored address involved in t.
func (x *InternalTxExtractor) match(t *rpc.Trace) (common.Address, bool) {
	if x.addrs.matchAll() {
		return t.Action.From, true
	}
	for _, a := range t.Involved() {
		if x.addrs.has(a) {
			return a, true
		}
	}
	return common.Address{}, false
}

func (x *InternalTxExtractor) payload(t *rpc.Trace) events.InternalTx {
	p := events.InternalTx{
		TxHash:       *t.TransactionHash,
		TraceAddress: t.TraceAddress,
		TraceType:    t.Type,
		CallType:     t.Action.CallType,
		From:         t.Action.From,
		Value:        bigString(t.Action.Value),
		Error:        t.Error,
	}
	if p.TraceAddress == nil {
		p.TraceAddress = []uint64{}
	}

	switch t.Type {
	case "create":
		p.Data = t.Action.Init
		if t.Result != nil && t.Result.Address != nil {
			to := *t.Result.Address
			p.To = &to
		}
	case "suicide", "selfdestruct":
		if t.Action.Address != nil {
			p.From = *t.Action.Address
		}
		p.To = t.Action.RefundAddress
		p.Value = bigString(t.Action.Balance)
	default:
		p.To = t.Action.To
		p.Data = t.Action.Input
		p.DataDecoded = decodeCall(x.log, x.decoder, t.Action.Input)
	}
	return p
}

func traceAddress(path []uint64) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = strconv.FormatUint(p, 10)
	}
	return strings.Join(parts, ",")
}

func bigString(v *hexutil.Big) string {
	if v == nil {
		return "0"
	}
	return v.ToInt().String()
}
