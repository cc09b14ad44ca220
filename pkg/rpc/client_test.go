package rpc

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNodeScore(t *testing.T) {
	n := &Node{
		config: NodeConfig{Priority: 10},
	}

	// Initial score: 10 * 100 = 1000
	assert.Equal(t, int64(1000), n.Score(0))

	// Simulate latency (no errors recorded)
	n.RecordMetric(time.Now().Add(-100*time.Millisecond), nil)
	// Latency update: (old=0) -> set to ~100.
	// Score: 1000 - (100/10) = 990
	assert.InDelta(t, 990, n.Score(0), 2)

	// Reset node to test errors independently
	n2 := &Node{config: NodeConfig{Priority: 10}}
	n2.RecordMetric(time.Now(), errors.New("fail"))
	// ErrorCount = 1. Score: 1000 - 0 - 500 = 500
	assert.Equal(t, int64(500), n2.Score(0))
}

func TestNode_ScoreLag(t *testing.T) {
	n := &Node{
		config: NodeConfig{Priority: 10},
	}
	n.UpdateHeight(100)
	// Global height is 120, lag is 20.
	// Score = 1000 - 0 - (20 * 50) = 0
	assert.Equal(t, int64(0), n.Score(120))
}

func TestMultiClient_Failover(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Node 1: always fails
	mock1 := new(MockEthClient)
	mock1.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("connection error"))
	mock1.On("ChainID", mock.Anything).Return(nil, errors.New("connection error"))

	// Node 2: succeeds
	mock2 := new(MockEthClient)
	mock2.On("BlockNumber", mock.Anything).Return(uint64(100), nil)
	mock2.On("ChainID", mock.Anything).Return(big.NewInt(1), nil)

	node1 := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mock1, nil)
	node2 := NewNodeWithClient(NodeConfig{URL: "node2", Priority: 8}, mock2, nil)

	mc, err := NewClientWithNodes(ctx, []*Node{node1, node2})
	require.NoError(t, err)

	id, err := mc.ChainID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	h, err := mc.BlockNumber(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(100), h)

	assert.GreaterOrEqual(t, node1.GetTotalErrors(), uint64(1))
}

func TestExecute_RetryLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(0), errors.New("fail")).Maybe()
	mockEth.On("ChainID", mock.Anything).Return(nil, errors.New("fail"))

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth, nil)
	mc, err := NewClientWithNodes(ctx, []*Node{node})
	require.NoError(t, err)

	_, err = mc.ChainID(ctx)
	assert.Error(t, err)
}

func TestExecute_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mockEth := new(MockEthClient)
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth, nil)
	mc, err := NewClientWithNodes(ctx, []*Node{node})
	require.NoError(t, err)

	// Cancel context immediately
	cancel()
	_, err = mc.BlockNumber(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = mc.ChainID(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProxyMethods(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mockEth := new(MockEthClient)
	raw := new(MockRawCaller)

	// Background sync calls
	mockEth.On("BlockNumber", mock.Anything).Return(uint64(300), nil).Maybe()

	node := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, mockEth, raw)
	mc, err := NewClientWithNodes(ctx, []*Node{node})
	require.NoError(t, err)

	// 1. HeaderByNumber
	header := &types.Header{Number: big.NewInt(100)}
	mockEth.On("HeaderByNumber", ctx, big.NewInt(100)).Return(header, nil).Once()
	h, err := mc.HeaderByNumber(ctx, big.NewInt(100))
	assert.NoError(t, err)
	assert.Equal(t, int64(100), h.Number.Int64())

	// 2. FilterLogs
	q := ethereum.FilterQuery{FromBlock: big.NewInt(100), ToBlock: big.NewInt(110)}
	mockEth.On("FilterLogs", ctx, q).Return([]types.Log{}, nil).Once()
	logs, err := mc.FilterLogs(ctx, q)
	assert.NoError(t, err)
	assert.Empty(t, logs)

	// 3. Raw call
	var version string
	raw.On("CallContext", ctx, &version, "web3_clientVersion", []interface{}(nil)).Return(nil).Once()
	assert.NoError(t, mc.CallContext(ctx, &version, "web3_clientVersion"))

	// 4. Batch
	raw.On("BatchCallContext", ctx, mock.Anything).Return(nil).Once()
	assert.NoError(t, mc.BatchCallContext(ctx, nil))

	// 5. Close
	mockEth.On("Close").Once()
	mc.Close()
}

func TestPickAvailableNode_Height(t *testing.T) {
	mc := &MultiClient{}
	low := NewNodeWithClient(NodeConfig{URL: "low", Priority: 10}, new(MockEthClient), nil)
	high := NewNodeWithClient(NodeConfig{URL: "high", Priority: 1}, new(MockEthClient), nil)
	low.UpdateHeight(100)
	high.UpdateHeight(103)
	mc.nodes = []*Node{low, high}
	mc.globalHeight = 103

	n, err := mc.pickAvailableNodeWithHeight(context.Background(), 102)
	require.NoError(t, err)
	assert.Equal(t, "high", n.URL())

	_, err = mc.pickAvailableNodeWithHeight(context.Background(), 200)
	assert.ErrorIs(t, err, ErrNoNodeMeetsHeight)
}

func TestRawCalls_SkipLaggingNodes(t *testing.T) {
	ctx := context.Background()
	lowRaw := new(MockRawCaller)
	highRaw := new(MockRawCaller)
	low := NewNodeWithClient(NodeConfig{URL: "low", Priority: 10}, new(MockEthClient), lowRaw)
	high := NewNodeWithClient(NodeConfig{URL: "high", Priority: 1}, new(MockEthClient), highRaw)
	low.UpdateHeight(100)
	high.UpdateHeight(103)
	mc := &MultiClient{nodes: []*Node{low, high}, globalHeight: 103}

	highRaw.On("CallContext", mock.Anything, mock.Anything, "eth_getBlockByNumber", mock.Anything).Return(nil).Once()
	var h *Header
	require.NoError(t, mc.CallContext(ctx, &h, "eth_getBlockByNumber", "0x66", false))

	batch := []gethrpc.BatchElem{
		{Method: "trace_block", Args: []interface{}{"0x64"}},
		{Method: "trace_block", Args: []interface{}{"0x67"}},
	}
	highRaw.On("BatchCallContext", mock.Anything, batch).Return(nil).Once()
	require.NoError(t, mc.BatchCallContext(ctx, batch))

	highRaw.AssertExpectations(t)
	lowRaw.AssertNotCalled(t, "CallContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	lowRaw.AssertNotCalled(t, "BatchCallContext", mock.Anything, mock.Anything)

	// Calls not tied to a height keep going to the preferred node
	lowRaw.On("CallContext", mock.Anything, mock.Anything, "eth_getBlockByNumber", mock.Anything).Return(nil).Once()
	require.NoError(t, mc.CallContext(ctx, &h, "eth_getBlockByNumber", "latest", false))
	lowRaw.AssertExpectations(t)

	var out []Trace
	err := mc.CallContext(ctx, &out, "trace_block", "0xc8")
	assert.ErrorIs(t, err, ErrNoNodeMeetsHeight)
}

func TestRequiredHeight(t *testing.T) {
	assert.Equal(t, uint64(102), requiredHeight("eth_getBlockByNumber", []interface{}{"0x66", true}))
	assert.Equal(t, uint64(7), requiredHeight("trace_block", []interface{}{"0x7"}))
	assert.Equal(t, uint64(0), requiredHeight("eth_getBlockByNumber", []interface{}{"latest", false}))
	assert.Equal(t, uint64(0), requiredHeight("trace_block", nil))
	assert.Equal(t, uint64(0), requiredHeight("eth_getTransactionReceipt", []interface{}{"0x66"}))
}

func TestNewClient_Errors(t *testing.T) {
	_, err := NewClient(context.Background(), []NodeConfig{})
	assert.Error(t, err)

	_, err = NewClientWithNodes(context.Background(), []*Node{})
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	ctx := context.Background()
	// Truly invalid URLs that fail parsing or dialing immediately
	configs := []NodeConfig{
		{URL: "invalid-scheme://", Priority: 1},
	}
	_, err := NewClient(ctx, configs)
	assert.Error(t, err)
}

func TestNodeGetters(t *testing.T) {
	n := &Node{config: NodeConfig{URL: "http://test", Priority: 5}}
	assert.Equal(t, "http://test", n.URL())
	assert.Equal(t, 5, n.Priority())
}

func TestExecute_RPCErrorIsNotFailedOver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eth1 := new(MockEthClient)
	eth1.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()
	raw1 := new(MockRawCaller)
	raw1.On("CallContext", mock.Anything, mock.Anything, "trace_block", mock.Anything).
		Return(&jsonError{code: -32601, msg: "the method trace_block does not exist"}).Once()

	eth2 := new(MockEthClient)
	eth2.On("BlockNumber", mock.Anything).Return(uint64(100), nil).Maybe()
	raw2 := new(MockRawCaller)

	node1 := NewNodeWithClient(NodeConfig{URL: "node1", Priority: 10}, eth1, raw1)
	node2 := NewNodeWithClient(NodeConfig{URL: "node2", Priority: 1}, eth2, raw2)
	mc, err := NewClientWithNodes(ctx, []*Node{node1, node2})
	require.NoError(t, err)
	assert.Len(t, mc.Nodes(), 2)

	var out []Trace
	err = mc.CallContext(ctx, &out, "trace_block", "0x1")
	var rpcErr gethrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.ErrorCode())

	raw1.AssertExpectations(t)
	raw2.AssertNotCalled(t, "CallContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	// An answered call does not count against the node
	assert.Equal(t, uint64(0), node1.GetErrorCount())
}
