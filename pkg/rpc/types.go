package rpc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// The block and receipt types below only carry the fields the indexer reads.
// They decode the raw JSON-RPC objects directly so transaction types unknown to
// go-ethereum do not fail a whole block.

// Header is the part of eth_getBlockByNumber needed for continuity checks.
type Header struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
	LogsBloom  types.Bloom    `json:"logsBloom"`
}

// Block is a header with full transaction objects.
type Block struct {
	Header
	Transactions []Transaction `json:"transactions"`
}

// Transaction is a transaction object as returned inside a full block.
type Transaction struct {
	Hash             common.Hash     `json:"hash"`
	From             common.Address  `json:"from"`
	To               *common.Address `json:"to"`
	Input            hexutil.Bytes   `json:"input"`
	Value            *hexutil.Big    `json:"value"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
}

// Receipt is a transaction receipt.
type Receipt struct {
	TransactionHash common.Hash     `json:"transactionHash"`
	BlockHash       common.Hash     `json:"blockHash"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	Status          hexutil.Uint64  `json:"status"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
	ContractAddress *common.Address `json:"contractAddress"`
	Logs            []types.Log     `json:"logs"`
}

// Succeeded reports whether the transaction did not revert.
func (r *Receipt) Succeeded() bool {
	return r.Status == hexutil.Uint64(types.ReceiptStatusSuccessful)
}

// Trace is one entry of parity style trace_block output.
type Trace struct {
	Type                string       `json:"type"`
	Action              TraceAction  `json:"action"`
	Result              *TraceResult `json:"result"`
	Error               string       `json:"error,omitempty"`
	BlockHash           common.Hash  `json:"blockHash"`
	BlockNumber         uint64       `json:"blockNumber"`
	TransactionHash     *common.Hash `json:"transactionHash"`
	TransactionPosition *uint64      `json:"transactionPosition"`
	TraceAddress        []uint64     `json:"traceAddress"`
	Subtraces           uint64       `json:"subtraces"`
}

// TraceAction holds the call, create and selfdestruct variants in one struct.
type TraceAction struct {
	CallType      string          `json:"callType,omitempty"`
	From          common.Address  `json:"from"`
	To            *common.Address `json:"to,omitempty"`
	Value         *hexutil.Big    `json:"value,omitempty"`
	Gas           hexutil.Uint64  `json:"gas"`
	Input         hexutil.Bytes   `json:"input,omitempty"`
	Init          hexutil.Bytes   `json:"init,omitempty"`
	Address       *common.Address `json:"address,omitempty"`
	RefundAddress *common.Address `json:"refundAddress,omitempty"`
	Balance       *hexutil.Big    `json:"balance,omitempty"`
}

// TraceResult is the outcome of a successful trace.
type TraceResult struct {
	GasUsed hexutil.Uint64  `json:"gasUsed"`
	Output  hexutil.Bytes   `json:"output,omitempty"`
	Address *common.Address `json:"address,omitempty"`
	Code    hexutil.Bytes   `json:"code,omitempty"`
}

// Involved lists the addresses taking part in the trace: sender, receiver,
// created contract and selfdestruct beneficiary, in that order.
func (t *Trace) Involved() []common.Address {
	out := []common.Address{t.Action.From}
	for _, a := range []*common.Address{t.Action.To, t.Action.Address, t.Action.RefundAddress} {
		if a != nil {
			out = append(out, *a)
		}
	}
	if t.Result != nil && t.Result.Address != nil {
		out = append(out, *t.Result.Address)
	}
	return out
}

// Touches reports whether addr is one of Involved.
func (t *Trace) Touches(addr common.Address) bool {
	for _, a := range t.Involved() {
		if a == addr {
			return true
		}
	}
	return false
}
