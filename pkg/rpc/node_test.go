package rpc

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestNewNode(t *testing.T) {
	ctx := context.Background()
	// Fails to dial invalid URL
	_, err := NewNode(ctx, NodeConfig{URL: "invalid", Priority: 10})
	assert.Error(t, err)
}

func TestNode_ProxyMethods(t *testing.T) {
	ctx := context.Background()
	mockEth := new(MockEthClient)
	raw := new(MockRawCaller)
	node := NewNodeWithClient(NodeConfig{URL: "test", Priority: 10}, mockEth, raw)

	// 1. BlockNumber
	mockEth.On("BlockNumber", ctx).Return(uint64(100), nil).Once()
	h, err := node.BlockNumber(ctx)
	assert.NoError(t, err)
	assert.Equal(t, uint64(100), h)
	assert.Equal(t, uint64(100), node.GetLatestBlock())

	// 2. ChainID
	mockEth.On("ChainID", ctx).Return(big.NewInt(1), nil).Once()
	id, err := node.ChainID(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), id.Int64())

	// 3. HeaderByNumber
	mockEth.On("HeaderByNumber", ctx, big.NewInt(100)).Return(&types.Header{}, nil).Once()
	_, err = node.HeaderByNumber(ctx, big.NewInt(100))
	assert.NoError(t, err)

	// 4. FilterLogs
	mockEth.On("FilterLogs", ctx, ethereum.FilterQuery{}).Return([]types.Log{}, nil).Once()
	_, err = node.FilterLogs(ctx, ethereum.FilterQuery{})
	assert.NoError(t, err)

	// 5. Raw calls
	var out string
	raw.On("CallContext", ctx, &out, "web3_clientVersion", []interface{}(nil)).Return(nil).Once()
	assert.NoError(t, node.CallContext(ctx, &out, "web3_clientVersion"))

	raw.On("BatchCallContext", ctx, mock.Anything).Return(errors.New("down")).Once()
	assert.Error(t, node.BatchCallContext(ctx, nil))
	assert.Equal(t, uint64(1), node.GetErrorCount())

	// 6. Close
	mockEth.On("Close").Once()
	node.Close()

	mockEth.AssertExpectations(t)
	raw.AssertExpectations(t)
}

func TestNode_NoRawCaller(t *testing.T) {
	node := NewNodeWithClient(NodeConfig{URL: "test"}, new(MockEthClient), nil)
	assert.ErrorIs(t, node.CallContext(context.Background(), nil, "eth_chainId"), ErrNoRawCaller)
	assert.ErrorIs(t, node.BatchCallContext(context.Background(), nil), ErrNoRawCaller)
}

func TestNode_ConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	node := NewNodeWithClient(NodeConfig{URL: "test", Priority: 10, MaxConcurrent: 2}, new(MockEthClient), nil)

	assert.NoError(t, node.TryAcquire(ctx))
	assert.NoError(t, node.TryAcquire(ctx))
	assert.ErrorIs(t, node.TryAcquire(ctx), ErrNodeBusy)

	node.Release()
	assert.NoError(t, node.TryAcquire(ctx))

	// Blocking acquire waits for a release
	done := make(chan struct{})
	go func() {
		assert.NoError(t, node.Acquire(ctx))
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("acquire should block while all slots are taken")
	case <-time.After(50 * time.Millisecond):
	}
	node.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquire did not resume after release")
	}
}

func TestNode_ConcurrentTryAcquire(t *testing.T) {
	ctx := context.Background()
	node := NewNodeWithClient(NodeConfig{URL: "test", Priority: 10, MaxConcurrent: 10}, new(MockEthClient), nil)

	var wg sync.WaitGroup
	var success, busy int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := node.TryAcquire(ctx)
			switch {
			case err == nil:
				atomic.AddInt32(&success, 1)
				time.Sleep(10 * time.Millisecond)
				node.Release()
			case errors.Is(err, ErrNodeBusy):
				atomic.AddInt32(&busy, 1)
			}
		}()
	}
	wg.Wait()

	assert.Greater(t, success, int32(0))
	assert.Equal(t, int32(100), success+busy)
}

func TestNode_RateLimit(t *testing.T) {
	ctx := context.Background()
	node := NewNodeWithClient(NodeConfig{URL: "test", Priority: 10, RateLimit: 5}, new(MockEthClient), nil)

	var limited int
	for i := 0; i < 20; i++ {
		if err := node.TryAcquire(ctx); errors.Is(err, ErrRateLimitExceeded) {
			limited++
		} else {
			node.Release()
		}
	}
	// Burst equals the rate, everything above it is rejected
	assert.GreaterOrEqual(t, limited, 14)
}

func TestNode_CircuitBreaker(t *testing.T) {
	node := &Node{config: NodeConfig{Priority: 10}}

	for i := 0; i < circuitBreakThreshold; i++ {
		node.RecordMetric(time.Now(), assert.AnError)
	}
	assert.True(t, node.IsCircuitBroken())
	assert.ErrorIs(t, node.TryAcquire(context.Background()), ErrCircuitBroken)

	for i := 0; i < circuitBreakThreshold; i++ {
		node.RecordMetric(time.Now(), nil)
	}
	assert.False(t, node.IsCircuitBroken())
	assert.NoError(t, node.TryAcquire(context.Background()))
}

func TestNode_HeightRequirement(t *testing.T) {
	node := &Node{}
	node.UpdateHeight(50)
	node.UpdateHeight(40)
	assert.Equal(t, uint64(50), node.GetLatestBlock())
	assert.True(t, node.MeetsHeightRequirement(50))
	assert.False(t, node.MeetsHeightRequirement(51))
}
