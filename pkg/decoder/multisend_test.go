package decoder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBatch() []MultiSendTx {
	return []MultiSendTx{
		{Operation: OperationCall, To: common.HexToAddress("0xaa"), Value: big.NewInt(1), Data: []byte{0x01, 0x02, 0x03}},
		{Operation: OperationDelegateCall, To: common.HexToAddress("0xbb"), Value: big.NewInt(0)},
		{Operation: OperationCall, To: common.HexToAddress("0xcc"), Value: big.NewInt(300), Data: make([]byte, 70)},
	}
}

func TestMultiSend_RoundTrip(t *testing.T) {
	txs := sampleBatch()
	payload := EncodeMultiSend(txs)
	assert.Len(t, payload, 3*headerSize+3+70)

	parsed := ParseMultiSend(payload)
	require.Len(t, parsed, len(txs))
	for i := range txs {
		assert.Equal(t, txs[i].Operation, parsed[i].Operation)
		assert.Equal(t, txs[i].To, parsed[i].To)
		assert.Equal(t, 0, txs[i].Value.Cmp(parsed[i].Value))
		assert.Equal(t, len(txs[i].Data), len(parsed[i].Data))
	}
	assert.Nil(t, parsed[1].Data)
}

func TestMultiSend_Truncated(t *testing.T) {
	payload := EncodeMultiSend(sampleBatch())
	first := headerSize + 3
	second := first + headerSize

	cases := []struct {
		name string
		cut  int
		want int
	}{
		{"empty", 0, 0},
		{"inside first header", 40, 0},
		{"inside first data", headerSize + 1, 0},
		{"after first record", first, 1},
		{"inside second header", first + 10, 1},
		{"after second record", second, 2},
		{"inside third data", second + headerSize + 69, 2},
		{"complete", len(payload), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Len(t, ParseMultiSend(payload[:tc.cut]), tc.want)
			})
		})
	}
}

func TestMultiSend_HugeLength(t *testing.T) {
	payload := EncodeMultiSend(sampleBatch()[:1])
	// Overwrite the length word with 2^255
	payload[1+20+32] = 0x80
	assert.Empty(t, ParseMultiSend(payload))
}

func TestOperation_String(t *testing.T) {
	assert.Equal(t, "call", OperationCall.String())
	assert.Equal(t, "delegatecall", OperationDelegateCall.String())
	assert.Equal(t, "unknown", Operation(7).String())
}
