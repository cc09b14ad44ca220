// Package events defines the domain events emitted by the indexer. Each kind
// carries its own payload type; Payload is sealed so the set of kinds is closed.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/84hero/safe-indexer/pkg/decoder"
	"github.com/84hero/safe-indexer/pkg/records"
)

// Kind names an event type.
type Kind string

const (
	KindInternalTx     Kind = "internal_tx"
	KindERC20Transfer  Kind = "erc20_transfer"
	KindERC721Transfer Kind = "erc721_transfer"
	KindSafeTx         Kind = "safe_tx"
	KindReorg          Kind = "reorg"
)

// Payload is implemented only by the types in this package.
type Payload interface {
	Kind() Kind
	sealed()
}

// InternalTx is a call, create or selfdestruct trace touching a monitored address.
type InternalTx struct {
	TxHash       common.Hash          `json:"txHash"`
	TraceAddress []uint64             `json:"traceAddress"`
	TraceType    string               `json:"traceType"`
	CallType     string               `json:"callType,omitempty"`
	From         common.Address       `json:"from"`
	To           *common.Address      `json:"to,omitempty"`
	Value        string               `json:"value"`
	Data         hexutil.Bytes        `json:"data,omitempty"`
	DataDecoded  *decoder.DecodedCall `json:"dataDecoded,omitempty"`
	Error        string               `json:"error,omitempty"`
}

// ERC20Transfer is a fungible token Transfer log.
type ERC20Transfer struct {
	Token    common.Address `json:"token"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Value    string         `json:"value"`
	TxHash   common.Hash    `json:"txHash"`
	LogIndex uint           `json:"logIndex"`
}

// ERC721Transfer is a non fungible token Transfer log.
type ERC721Transfer struct {
	Token    common.Address `json:"token"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	TokenID  string         `json:"tokenId"`
	TxHash   common.Hash    `json:"txHash"`
	LogIndex uint           `json:"logIndex"`
}

// SafeTx is an execTransaction call sent to a monitored Safe.
type SafeTx struct {
	Safe           common.Address       `json:"safe"`
	TxHash         common.Hash          `json:"txHash"`
	Sender         common.Address       `json:"sender"`
	To             common.Address       `json:"to"`
	Value          string               `json:"value"`
	Data           hexutil.Bytes        `json:"data,omitempty"`
	DataDecoded    *decoder.DecodedCall `json:"dataDecoded,omitempty"`
	Operation      uint8                `json:"operation"`
	SafeTxGas      string               `json:"safeTxGas"`
	BaseGas        string               `json:"baseGas"`
	GasPrice       string               `json:"gasPrice"`
	GasToken       common.Address       `json:"gasToken"`
	RefundReceiver common.Address       `json:"refundReceiver"`
	Signatures     hexutil.Bytes        `json:"signatures,omitempty"`
	Failed         bool                 `json:"failed"`
}

// Reorg reports a repaired chain reorganization.
type Reorg struct {
	Stream       string      `json:"stream"`
	Ancestor     uint64      `json:"ancestor"`
	Depth        uint64      `json:"depth"`
	StoredHash   common.Hash `json:"storedHash"`
	ObservedHash common.Hash `json:"observedHash"`
}

func (InternalTx) Kind() Kind     { return KindInternalTx }
func (ERC20Transfer) Kind() Kind  { return KindERC20Transfer }
func (ERC721Transfer) Kind() Kind { return KindERC721Transfer }
func (SafeTx) Kind() Kind         { return KindSafeTx }
func (Reorg) Kind() Kind          { return KindReorg }

func (InternalTx) sealed()     {}
func (ERC20Transfer) sealed()  {}
func (ERC721Transfer) sealed() {}
func (SafeTx) sealed()         {}
func (Reorg) sealed()          {}

// Event is what outputs receive.
type Event struct {
	Kind        Kind        `json:"kind"`
	Stream      string      `json:"stream"`
	Key         string      `json:"key,omitempty"`
	BlockNumber uint64      `json:"blockNumber"`
	BlockHash   common.Hash `json:"blockHash"`
	Provisional bool        `json:"provisional"`
	Payload     Payload     `json:"payload"`
}

// NewRecord stores payload p as a record of stream.
func NewRecord(stream, key string, ref records.BlockRef, index uint64, addr common.Address, txHash common.Hash, p Payload) (records.Record, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return records.Record{}, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return records.Record{
		Stream:      stream,
		Kind:        string(p.Kind()),
		Key:         key,
		BlockNumber: ref.Number,
		BlockHash:   ref.Hash,
		TxHash:      txHash,
		Index:       index,
		Address:     addr,
		Payload:     raw,
		Provisional: ref.Provisional,
	}, nil
}

// FromRecord maps a stored record back to its event.
func FromRecord(r records.Record) (Event, error) {
	p, err := decodeKind(Kind(r.Kind), r.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("decode %s record %s: %w", r.Kind, r.Key, err)
	}
	return Event{
		Kind:        Kind(r.Kind),
		Stream:      r.Stream,
		Key:         r.Key,
		BlockNumber: r.BlockNumber,
		BlockHash:   r.BlockHash,
		Provisional: r.Provisional,
		Payload:     p,
	}, nil
}

// UnmarshalJSON restores the concrete payload type from the kind field.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var aux struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p, err := decodeKind(aux.Kind, aux.Payload)
	if err != nil {
		return err
	}
	*e = Event(aux.plain)
	e.Payload = p
	return nil
}

func decodeKind(k Kind, raw json.RawMessage) (Payload, error) {
	switch k {
	case KindInternalTx:
		return decodePayload[InternalTx](raw)
	case KindERC20Transfer:
		return decodePayload[ERC20Transfer](raw)
	case KindERC721Transfer:
		return decodePayload[ERC721Transfer](raw)
	case KindSafeTx:
		return decodePayload[SafeTx](raw)
	case KindReorg:
		return decodePayload[Reorg](raw)
	default:
		return nil, fmt.Errorf("unknown record kind %q", k)
	}
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewReorg builds the event published after a rewind.
func NewReorg(stream string, ancestor, depth uint64, stored, observed common.Hash) Event {
	return Event{
		Kind:        KindReorg,
		Stream:      stream,
		BlockNumber: ancestor,
		Payload: Reorg{
			Stream:       stream,
			Ancestor:     ancestor,
			Depth:        depth,
			StoredHash:   stored,
			ObservedHash: observed,
		},
	}
}

// Describe renders a one line summary of the event.
func (e Event) Describe() string {
	switch p := e.Payload.(type) {
	case InternalTx:
		to := "contract creation"
		if p.To != nil {
			to = p.To.Hex()
		}
		return fmt.Sprintf("%s %s -> %s value=%s tx=%s", p.TraceType, p.From.Hex(), to, p.Value, p.TxHash.Hex())
	case ERC20Transfer:
		return fmt.Sprintf("erc20 %s %s -> %s value=%s", p.Token.Hex(), p.From.Hex(), p.To.Hex(), p.Value)
	case ERC721Transfer:
		return fmt.Sprintf("erc721 %s %s -> %s tokenId=%s", p.Token.Hex(), p.From.Hex(), p.To.Hex(), p.TokenID)
	case SafeTx:
		method := "raw"
		if p.DataDecoded != nil {
			method = p.DataDecoded.Method
		}
		status := "ok"
		if p.Failed {
			status = "failed"
		}
		return fmt.Sprintf("safe %s exec %s on %s %s tx=%s", p.Safe.Hex(), method, p.To.Hex(), status, p.TxHash.Hex())
	case Reorg:
		return fmt.Sprintf("reorg stream=%s ancestor=%d depth=%d", p.Stream, p.Ancestor, p.Depth)
	default:
		return string(e.Kind)
	}
}
