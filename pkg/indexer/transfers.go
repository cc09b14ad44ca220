package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/safe-indexer/pkg/decoder"
	"github.com/84hero/safe-indexer/pkg/events"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/registry"
)

// TransferTopic is shared by ERC20 and ERC721 Transfer events.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// TransferExtractor records token transfers from or to monitored addresses.
// ERC20 and ERC721 share the event signature and are told apart by the
// number of indexed topics.
type TransferExtractor struct {
	addrs   addressSet
	filters []*LogFilter
	erc20   *decoder.EventDecoder
	erc721  *decoder.EventDecoder
	log     log.Logger
}

// NewTransferExtractor watches addrs. With no addresses every Transfer on
// chain is recorded.
func NewTransferExtractor(addrs ...common.Address) (*TransferExtractor, error) {
	erc20, err := decoder.NewFromJSON(registry.ERC20ABI)
	if err != nil {
		return nil, fmt.Errorf("erc20 abi: %w", err)
	}
	erc721, err := decoder.NewFromJSON(registry.ERC721ABI)
	if err != nil {
		return nil, fmt.Errorf("erc721 abi: %w", err)
	}

	x := &TransferExtractor{
		addrs:  newAddressSet(addrs),
		erc20:  erc20,
		erc721: erc721,
		log:    log.New("extractor", KindERC20Transfers),
	}
	if x.addrs.matchAll() {
		x.filters = []*LogFilter{NewLogFilter().SetTopic(0, TransferTopic)}
		return x, nil
	}

	// eth_getLogs cannot OR across topic positions, so outgoing and
	// incoming transfers need one filter each.
	padded := make([]common.Hash, 0, len(addrs))
	for _, a := range addrs {
		padded = append(padded, common.BytesToHash(a.Bytes()))
	}
	x.filters = []*LogFilter{
		NewLogFilter().SetTopic(0, TransferTopic).SetTopic(1, padded...),
		NewLogFilter().SetTopic(0, TransferTopic).SetTopic(2, padded...),
	}
	return x, nil
}

func (x *TransferExtractor) Kind() string { return KindERC20Transfers }

func (x *TransferExtractor) Needs() Needs { return Needs{Logs: x.filters} }

func (x *TransferExtractor) Extract(_ context.Context, stream string, data *RangeData) ([]records.Record, error) {
	type logID struct {
		tx    common.Hash
		index uint
	}
	seen := make(map[logID]struct{}, len(data.Logs))

	var out []records.Record
	for _, l := range data.Logs {
		if l.Removed || l.BlockNumber < data.From || l.BlockNumber > data.To {
			continue
		}
		id := logID{l.TxHash, l.Index}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ref, ok := data.Refs[l.BlockNumber]
		if !ok || ref.Hash != l.BlockHash {
			return nil, fmt.Errorf("%w: log %s:%d from block %s not in range", ErrInconsistentRange, l.TxHash.Hex(), l.Index, l.BlockHash.Hex())
		}

		p, addr, ok := x.decode(l)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index)
		rec, err := events.NewRecord(stream, key, ref, uint64(l.Index), addr, l.TxHash, p)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// decode returns the transfer payload and the monitored side of it.
func (x *TransferExtractor) decode(l types.Log) (events.Payload, common.Address, bool) {
	if len(l.Topics) == 0 || l.Topics[0] != TransferTopic {
		return nil, common.Address{}, false
	}

	dec := x.erc20
	if len(l.Topics) == 4 {
		dec = x.erc721
	}
	decoded, err := dec.Decode(l)
	if err != nil {
		x.log.Debug("Skipping undecodable transfer", "tx", l.TxHash, "index", l.Index, "err", err)
		return nil, common.Address{}, false
	}
	from, _ := decoded.Inputs["from"].(common.Address)
	to, _ := decoded.Inputs["to"].(common.Address)

	addr := to
	if !x.addrs.matchAll() && !x.addrs.has(to) {
		addr = from
	}

	if len(l.Topics) == 4 {
		tokenID, _ := decoded.Inputs["tokenId"].(*big.Int)
		return events.ERC721Transfer{
			Token:    l.Address,
			From:     from,
			To:       to,
			TokenID:  bigIntString(tokenID),
			TxHash:   l.TxHash,
			LogIndex: l.Index,
		}, addr, true
	}
	value, _ := decoded.Inputs["value"].(*big.Int)
	return events.ERC20Transfer{
		Token:    l.Address,
		From:     from,
		To:       to,
		Value:    bigIntString(value),
		TxHash:   l.TxHash,
		LogIndex: l.Index,
	}, addr, true
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
