package decoder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Operation is the call type of a wallet transaction.
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

func (o Operation) String() string {
	switch o {
	case OperationCall:
		return "call"
	case OperationDelegateCall:
		return "delegatecall"
	default:
		return "unknown"
	}
}

// Packed multisend record layout:
// operation(1) | to(20) | value(32) | dataLength(32) | data(dataLength)
const (
	opSize       = 1
	toSize       = common.AddressLength
	wordSize     = 32
	headerSize   = opSize + toSize + wordSize + wordSize
	maxChunkSize = 1 << 24
)

// MultiSendTx is one entry of a packed multisend payload.
type MultiSendTx struct {
	Operation Operation      `json:"operation"`
	To        common.Address `json:"to"`
	Value     *big.Int       `json:"value"`
	Data      []byte         `json:"data"`
}

// ParseMultiSend reads packed records until the payload is exhausted. A record
// that does not fit in the remaining bytes stops the scan, and everything read
// before it is returned.
func ParseMultiSend(payload []byte) []MultiSendTx {
	var out []MultiSendTx
	pos := 0
	for len(payload)-pos >= headerSize {
		op := Operation(payload[pos])
		pos += opSize

		to := common.BytesToAddress(payload[pos : pos+toSize])
		pos += toSize

		value := new(big.Int).SetBytes(payload[pos : pos+wordSize])
		pos += wordSize

		length := new(big.Int).SetBytes(payload[pos : pos+wordSize])
		pos += wordSize

		remaining := len(payload) - pos
		if !length.IsUint64() || length.Uint64() > uint64(remaining) || length.Uint64() > maxChunkSize {
			break
		}
		n := int(length.Uint64())

		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, payload[pos:pos+n])
		}
		pos += n

		out = append(out, MultiSendTx{Operation: op, To: to, Value: value, Data: data})
	}
	return out
}

// EncodeMultiSend packs txs into the multisend layout.
func EncodeMultiSend(txs []MultiSendTx) []byte {
	size := 0
	for _, tx := range txs {
		size += headerSize + len(tx.Data)
	}
	out := make([]byte, 0, size)
	for _, tx := range txs {
		out = append(out, byte(tx.Operation))
		out = append(out, tx.To.Bytes()...)

		value := tx.Value
		if value == nil {
			value = new(big.Int)
		}
		out = append(out, common.LeftPadBytes(value.Bytes(), wordSize)...)
		out = append(out, common.LeftPadBytes(big.NewInt(int64(len(tx.Data))).Bytes(), wordSize)...)
		out = append(out, tx.Data...)
	}
	return out
}
