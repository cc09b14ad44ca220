package events

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/safe-indexer/pkg/records"
)

var (
	safeAddr  = common.HexToAddress("0x5afe000000000000000000000000000000000001")
	otherAddr = common.HexToAddress("0x0000000000000000000000000000000000000002")
	txHash    = common.HexToHash("0x01")
)

func TestRecordRoundTrip(t *testing.T) {
	ref := records.BlockRef{Number: 42, Hash: common.HexToHash("0xbb"), Provisional: true}
	payloads := []Payload{
		InternalTx{TxHash: txHash, TraceAddress: []uint64{0, 1}, TraceType: "call", CallType: "call", From: safeAddr, To: &otherAddr, Value: "5"},
		ERC20Transfer{Token: otherAddr, From: safeAddr, To: otherAddr, Value: "1000", TxHash: txHash, LogIndex: 3},
		ERC721Transfer{Token: otherAddr, From: safeAddr, To: otherAddr, TokenID: "7", TxHash: txHash, LogIndex: 4},
		SafeTx{Safe: safeAddr, TxHash: txHash, To: otherAddr, Value: "0", Operation: 1, SafeTxGas: "0", BaseGas: "0", GasPrice: "0", Signatures: []byte{0x01}},
		Reorg{Stream: "s", Ancestor: 10, Depth: 1},
	}

	for _, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			rec, err := NewRecord("s", "k", ref, 0, safeAddr, txHash, p)
			require.NoError(t, err)
			assert.Equal(t, string(p.Kind()), rec.Kind)
			assert.Equal(t, uint64(42), rec.BlockNumber)
			assert.True(t, rec.Provisional)

			ev, err := FromRecord(rec)
			require.NoError(t, err)
			assert.Equal(t, p.Kind(), ev.Kind)
			assert.Equal(t, p, ev.Payload)
			assert.Equal(t, "k", ev.Key)
			assert.True(t, ev.Provisional)
			assert.NotEmpty(t, ev.Describe())
		})
	}
}

func TestFromRecord_Errors(t *testing.T) {
	_, err := FromRecord(records.Record{Kind: "nope", Payload: json.RawMessage(`{}`)})
	assert.ErrorContains(t, err, "unknown record kind")

	_, err = FromRecord(records.Record{Kind: string(KindSafeTx), Key: "x", Payload: json.RawMessage(`{"safe":1`)})
	assert.ErrorContains(t, err, "decode safe_tx record x")
}

func TestNewReorg(t *testing.T) {
	ev := NewReorg("internal", 10, 2, common.HexToHash("0xaa"), common.HexToHash("0xcc"))
	assert.Equal(t, KindReorg, ev.Kind)
	assert.Equal(t, uint64(10), ev.BlockNumber)
	r, ok := ev.Payload.(Reorg)
	require.True(t, ok)
	assert.Equal(t, uint64(2), r.Depth)
	assert.Equal(t, "reorg stream=internal ancestor=10 depth=2", ev.Describe())
}

func TestEvent_JSON(t *testing.T) {
	ev := Event{
		Kind:        KindERC20Transfer,
		Stream:      "transfers",
		BlockNumber: 1,
		Payload:     ERC20Transfer{Token: otherAddr, Value: "1"},
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "erc20_transfer", out["kind"])
	payload, ok := out["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1", payload["value"])
}

func TestEvent_UnmarshalRestoresPayload(t *testing.T) {
	in := NewReorg("internal", 10, 2, common.HexToHash("0xaa"), common.HexToHash("0xcc"))
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	err = json.Unmarshal([]byte(`{"kind":"bogus","payload":{}}`), &out)
	assert.ErrorContains(t, err, "unknown record kind")
}
