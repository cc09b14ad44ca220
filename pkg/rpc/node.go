package rpc

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/84hero/safe-indexer/pkg/metrics"
)

// Node level admission errors
var (
	ErrNodeBusy          = errors.New("rpc node busy")
	ErrRateLimitExceeded = errors.New("rpc node rate limit exceeded")
	ErrCircuitBroken     = errors.New("rpc node circuit broken")
	ErrNoRawCaller       = errors.New("rpc node has no raw caller")
)

// circuitBreakThreshold is the consecutive error count that takes a node out of rotation.
const circuitBreakThreshold = 5

// NodeConfig represents configuration for a single RPC node
type NodeConfig struct {
	URL           string  `mapstructure:"url"`
	Priority      int     `mapstructure:"priority"`       // Initial weight (1-100), higher is more preferred
	RateLimit     float64 `mapstructure:"rate_limit"`     // Requests per second, 0 = unlimited
	MaxConcurrent int     `mapstructure:"max_concurrent"` // In-flight requests, 0 = unlimited
}

// Node wraps the underlying ethclient and provides health monitoring
type Node struct {
	config NodeConfig
	client EthClient // Interface for underlying ethclient
	caller RawCaller

	limiter   *rate.Limiter
	semaphore chan struct{}

	// Dynamic metrics (atomic operations)
	errorCount  uint64 // Consecutive error count
	totalErrors uint64 // Total error count
	latency     int64  // Average latency (ms)
	latestBlock uint64 // Latest block height observed by this node
}

// NewNode dials cfg.URL and wraps the connection (Production)
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	rc, err := gethrpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	return NewNodeWithClient(cfg, ethclient.NewClient(rc), rc), nil
}

// NewNodeWithClient initializes Node with pre-created clients (Testing/DI).
// caller may be nil, in which case raw and batched calls fail with ErrNoRawCaller.
func NewNodeWithClient(cfg NodeConfig, client EthClient, caller RawCaller) *Node {
	n := &Node{
		config: cfg,
		client: client,
		caller: caller,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.MaxConcurrent > 0 {
		n.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	return n
}

// URL returns the node address
func (n *Node) URL() string {
	return n.config.URL
}

// Priority returns the configured weight
func (n *Node) Priority() int {
	return n.config.Priority
}

// Score calculates the real-time score of the node. Higher is better.
// Formula: (Priority * 100) - (Latency / 10) - (ConsecutiveErrors * 500)
// Points are also deducted if the node lags too far behind the global max height.
func (n *Node) Score(globalMaxHeight uint64) int64 {
	score := int64(n.config.Priority) * 100

	// Latency penalty (e.g., 200ms latency = -20 points)
	avgLatency := atomic.LoadInt64(&n.latency)
	score -= (avgLatency / 10)

	// Error penalty (consecutive errors are critical)
	errs := atomic.LoadUint64(&n.errorCount)
	score -= int64(errs) * 500

	// Height lag penalty
	myHeight := atomic.LoadUint64(&n.latestBlock)
	if globalMaxHeight > 0 && myHeight < globalMaxHeight {
		lag := globalMaxHeight - myHeight
		if lag > 5 {
			score -= int64(lag) * 50 // -50 points per lagged block
		}
	}

	return score
}

// RecordMetric records result of a call, updating latency and error count
func (n *Node) RecordMetric(start time.Time, err error) {
	duration := time.Since(start).Milliseconds()

	// Simple moving average for latency
	oldLatency := atomic.LoadInt64(&n.latency)
	if oldLatency == 0 {
		atomic.StoreInt64(&n.latency, duration)
	} else {
		// New latency weight 20%
		newLatency := (oldLatency*8 + duration*2) / 10
		atomic.StoreInt64(&n.latency, newLatency)
	}

	if err != nil {
		atomic.AddUint64(&n.errorCount, 1)
		atomic.AddUint64(&n.totalErrors, 1)
	} else {
		// Decrease error count slowly on success to avoid "jitter"
		current := atomic.LoadUint64(&n.errorCount)
		if current > 0 {
			atomic.StoreUint64(&n.errorCount, current-1)
		}
	}
}

// TryAcquire takes a rate limit token and a concurrency slot without blocking.
// A successful call must be paired with Release.
func (n *Node) TryAcquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.IsCircuitBroken() {
		return ErrCircuitBroken
	}
	if n.limiter != nil && !n.limiter.Allow() {
		return ErrRateLimitExceeded
	}
	if n.semaphore != nil {
		select {
		case n.semaphore <- struct{}{}:
		default:
			return ErrNodeBusy
		}
	}
	return nil
}

// Acquire blocks until a rate limit token and a concurrency slot are available.
func (n *Node) Acquire(ctx context.Context) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if n.semaphore != nil {
		select {
		case n.semaphore <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Release returns the concurrency slot taken by TryAcquire or Acquire.
func (n *Node) Release() {
	if n.semaphore == nil {
		return
	}
	select {
	case <-n.semaphore:
	default:
	}
}

// IsCircuitBroken reports whether the node has failed too many times in a row.
func (n *Node) IsCircuitBroken() bool {
	return atomic.LoadUint64(&n.errorCount) >= circuitBreakThreshold
}

// MeetsHeightRequirement reports whether the node has seen block h.
func (n *Node) MeetsHeightRequirement(h uint64) bool {
	return atomic.LoadUint64(&n.latestBlock) >= h
}

// UpdateHeight updates the latest block height for the node
func (n *Node) UpdateHeight(h uint64) {
	for {
		current := atomic.LoadUint64(&n.latestBlock)
		if h <= current || atomic.CompareAndSwapUint64(&n.latestBlock, current, h) {
			return
		}
	}
}

// GetErrorCount returns the current consecutive error count
func (n *Node) GetErrorCount() uint64 {
	return atomic.LoadUint64(&n.errorCount)
}

// GetTotalErrors returns the total error count
func (n *Node) GetTotalErrors() uint64 {
	return atomic.LoadUint64(&n.totalErrors)
}

// GetLatency returns the average latency in ms
func (n *Node) GetLatency() int64 {
	return atomic.LoadInt64(&n.latency)
}

// GetLatestBlock returns the latest block height observed by this node
func (n *Node) GetLatestBlock() uint64 {
	return atomic.LoadUint64(&n.latestBlock)
}

// observe records a call. JSON-RPC error responses are counted as requests
// but do not lower the node score: the node did answer.
func (n *Node) observe(method string, start time.Time, err error) {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		n.RecordMetric(start, nil)
	} else {
		n.RecordMetric(start, err)
	}
	metrics.RPCRequests.WithLabelValues(method, metrics.Result(err)).Inc()
}

// Proxy Methods

func (n *Node) BlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	h, err := n.client.BlockNumber(ctx)
	n.observe("eth_blockNumber", start, err)
	if err == nil {
		n.UpdateHeight(h)
	}
	return h, err
}

func (n *Node) ChainID(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	id, err := n.client.ChainID(ctx)
	n.observe("eth_chainId", start, err)
	return id, err
}

func (n *Node) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	start := time.Now()
	h, err := n.client.HeaderByNumber(ctx, number)
	n.observe("eth_getBlockByNumber", start, err)
	return h, err
}

func (n *Node) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	logs, err := n.client.FilterLogs(ctx, q)
	n.observe("eth_getLogs", start, err)
	return logs, err
}

func (n *Node) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if n.caller == nil {
		return ErrNoRawCaller
	}
	start := time.Now()
	err := n.caller.CallContext(ctx, result, method, args...)
	n.observe(method, start, err)
	return err
}

// BatchCallContext sends b as one batch. Per element failures are reported in
// each element's Error field and do not count against the node.
func (n *Node) BatchCallContext(ctx context.Context, b []gethrpc.BatchElem) error {
	if n.caller == nil {
		return ErrNoRawCaller
	}
	start := time.Now()
	err := n.caller.BatchCallContext(ctx, b)
	n.observe("batch", start, err)
	return err
}

func (n *Node) Close() {
	n.client.Close()
}
