package indexer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/safe-indexer/pkg/decoder"
	"github.com/84hero/safe-indexer/pkg/events"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/registry"
	"github.com/84hero/safe-indexer/pkg/rpc"
)

// Failure events emitted by the wallet when the inner call reverts. The
// outer transaction still succeeds in that case.
var executionFailureTopics = map[common.Hash]struct{}{
	crypto.Keccak256Hash([]byte("ExecutionFailure(bytes32,uint256)")): {},
	crypto.Keccak256Hash([]byte("ExecutionFailure(bytes32)")):         {},
	crypto.Keccak256Hash([]byte("ExecutionFailed(bytes32)")):          {},
}

// SafeTxExtractor records execTransaction calls sent straight to monitored
// Safes. Calls are interpreted with the wallet only decoder so a token
// contract sharing a selector cannot be mistaken for a Safe.
type SafeTxExtractor struct {
	addrs addressSet
	chain rpc.ChainClient
	safe  *decoder.Decoder
	txs   *decoder.Decoder
	log   log.Logger
}

// NewSafeTxExtractor uses safeDec to recognise wallet calls and txDec to
// decorate their inner data. Receipts are read from chain.
func NewSafeTxExtractor(chain rpc.ChainClient, safeDec, txDec *decoder.Decoder, safes ...common.Address) *SafeTxExtractor {
	return &SafeTxExtractor{
		addrs: newAddressSet(safes),
		chain: chain,
		safe:  safeDec,
		txs:   txDec,
		log:   log.New("extractor", KindSafeTxs),
	}
}

func (x *SafeTxExtractor) Kind() string { return KindSafeTxs }

func (x *SafeTxExtractor) Needs() Needs { return Needs{Blocks: true} }

func (x *SafeTxExtractor) Extract(ctx context.Context, stream string, data *RangeData) ([]records.Record, error) {
	type match struct {
		ref     records.BlockRef
		index   uint64
		payload events.SafeTx
	}
	var matches []match
	var hashes []common.Hash

	for n := data.From; n <= data.To; n++ {
		block := data.Blocks[n]
		if block == nil {
			continue
		}
		for _, tx := range block.Transactions {
			if tx.To == nil || !x.addrs.has(*tx.To) {
				continue
			}
			if sel, ok := registry.SelectorFromData(tx.Input); !ok || sel != registry.ExecTransactionSelector {
				continue
			}
			call := decodeCall(x.log, x.safe, tx.Input)
			if call == nil || call.Method != "execTransaction" {
				continue
			}
			matches = append(matches, match{
				ref:     data.Refs[n],
				index:   uint64(tx.TransactionIndex),
				payload: x.payload(*tx.To, tx, call),
			})
			hashes = append(hashes, tx.Hash)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	receipts, err := x.chain.ReceiptsBatch(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("fetch receipts: %w", err)
	}

	out := make([]records.Record, 0, len(matches))
	for _, m := range matches {
		r := receipts[m.payload.TxHash]
		if r == nil {
			return nil, fmt.Errorf("receipt %s: %w", m.payload.TxHash.Hex(), rpc.ErrReceiptNotFound)
		}
		if r.BlockHash != m.ref.Hash || uint64(r.BlockNumber) != m.ref.Number {
			return nil, fmt.Errorf("%w: receipt %s from block %d %s", ErrInconsistentRange, m.payload.TxHash.Hex(), uint64(r.BlockNumber), r.BlockHash.Hex())
		}
		m.payload.Failed = !r.Succeeded() || executionFailed(r, m.payload.Safe)

		rec, err := events.NewRecord(stream, m.payload.TxHash.Hex(), m.ref, m.index, m.payload.Safe, m.payload.TxHash, m.payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (x *SafeTxExtractor) payload(safe common.Address, tx rpc.Transaction, call *decoder.DecodedCall) events.SafeTx {
	p := events.SafeTx{
		Safe:           safe,
		TxHash:         tx.Hash,
		Sender:         tx.From,
		To:             argAddress(call, "to"),
		Value:          argNumber(call, "value"),
		Data:           argBytes(call, "data"),
		SafeTxGas:      argNumber(call, "safeTxGas"),
		BaseGas:        argNumber(call, "baseGas"),
		GasPrice:       argNumber(call, "gasPrice"),
		GasToken:       argAddress(call, "gasToken"),
		RefundReceiver: argAddress(call, "refundReceiver"),
		Signatures:     argBytes(call, "signatures"),
	}
	// Wallets before 1.1.0 name the base gas dataGas.
	if _, ok := call.Arg("baseGas"); !ok {
		p.BaseGas = argNumber(call, "dataGas")
	}
	if op, ok := call.Arg("operation"); ok {
		p.Operation, _ = op.(uint8)
	}
	p.DataDecoded = decodeCall(x.log, x.txs, p.Data)
	return p
}

func executionFailed(r *rpc.Receipt, safe common.Address) bool {
	for _, l := range r.Logs {
		if l.Address != safe || len(l.Topics) == 0 {
			continue
		}
		if _, ok := executionFailureTopics[l.Topics[0]]; ok {
			return true
		}
	}
	return false
}

func argAddress(call *decoder.DecodedCall, name string) common.Address {
	v, _ := call.Arg(name)
	a, _ := v.(common.Address)
	return a
}

func argNumber(call *decoder.DecodedCall, name string) string {
	v, _ := call.Arg(name)
	n, _ := v.(*big.Int)
	return bigIntString(n)
}

func argBytes(call *decoder.DecodedCall, name string) []byte {
	v, _ := call.Arg(name)
	b, _ := v.([]byte)
	return b
}
