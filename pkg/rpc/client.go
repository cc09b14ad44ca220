package rpc

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/84hero/safe-indexer/pkg/metrics"
)

// Error definitions
var (
	ErrNoAvailableNodes  = errors.New("no available rpc nodes")
	ErrNoNodeMeetsHeight = errors.New("no node meets the required block height")
)

const (
	// syncInterval is how often node heights are refreshed in the background.
	syncInterval = 5 * time.Second
	// maxAttempts caps the nodes tried for one request.
	maxAttempts = 3
)

// MultiClient manages multiple RPC nodes, providing load balancing and failover
type MultiClient struct {
	nodes        []*Node
	globalHeight uint64

	mu sync.RWMutex
}

// NewClient dials every configured node and keeps those that answer
func NewClient(ctx context.Context, configs []NodeConfig) (*MultiClient, error) {
	if len(configs) == 0 {
		return nil, errors.New("no rpc configs provided")
	}

	nodes := make([]*Node, 0, len(configs))
	for _, cfg := range configs {
		n, err := NewNode(ctx, cfg)
		if err != nil {
			// An unreachable node is skipped as long as one other connects
			log.Warn("Failed to connect rpc node", "url", cfg.URL, "err", err)
			continue
		}
		nodes = append(nodes, n)
	}

	return NewClientWithNodes(ctx, nodes)
}

// NewClientWithNodes initializes MultiClient with existing nodes (for testing or advanced usage)
func NewClientWithNodes(ctx context.Context, nodes []*Node) (*MultiClient, error) {
	if len(nodes) == 0 {
		return nil, errors.New("failed to connect to any rpc node")
	}

	mc := &MultiClient{
		nodes: nodes,
	}

	// Keep node heights and scores fresh until ctx is done
	go mc.startBackgroundSync(ctx)

	return mc, nil
}

// startBackgroundSync periodically polls all nodes to update their heights and scores
func (mc *MultiClient) startBackgroundSync(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	// Initial sync
	mc.syncNodes(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.syncNodes(ctx)
		}
	}
}

func (mc *MultiClient) syncNodes(ctx context.Context) {
	var maxH uint64
	var wg sync.WaitGroup

	mc.mu.RLock()
	nodes := mc.nodes
	mc.mu.RUnlock()

	for _, n := range nodes {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			// Maintenance traffic bypasses the rate limiter
			h, err := node.BlockNumber(ctx)
			if err != nil {
				return
			}
			for {
				cur := atomic.LoadUint64(&maxH)
				if h <= cur || atomic.CompareAndSwapUint64(&maxH, cur, h) {
					return
				}
			}
		}(n)
	}
	wg.Wait()

	if maxH > 0 {
		atomic.StoreUint64(&mc.globalHeight, maxH)
	}
}

// execute runs op on the best node, switching nodes on failure.
func (mc *MultiClient) execute(ctx context.Context, op func(*Node) error) error {
	return mc.executeAt(ctx, 0, op)
}

// executeAt is execute restricted to nodes that have seen requiredHeight.
// At most three nodes are tried. A JSON-RPC error response is returned as is:
// the node answered, and another node would give the same answer.
func (mc *MultiClient) executeAt(ctx context.Context, requiredHeight uint64, op func(*Node) error) error {
	attempts := min(len(mc.nodes), maxAttempts)

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		node, err := mc.pickAvailableNodeWithHeight(ctx, requiredHeight)
		if err != nil {
			return err
		}

		err = op(node)
		node.Release()
		if err == nil {
			return nil
		}
		if !shouldFailover(err) {
			return err
		}

		lastErr = err
		if i+1 < attempts {
			metrics.RPCFailovers.WithLabelValues(node.URL()).Inc()
			log.Debug("Rpc call failed, trying another node", "url", node.URL(), "attempt", i+1, "err", err)
		}
	}

	return lastErr
}

// shouldFailover reports whether err is a node or transport failure.
func shouldFailover(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr gethrpc.Error
	return !errors.As(err, &rpcErr)
}

// ChainID retrieves the chain ID from the best available node
func (mc *MultiClient) ChainID(ctx context.Context) (*big.Int, error) {
	var res *big.Int
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.ChainID(ctx)
		return e
	})
	return res, err
}

// BlockNumber retrieves the latest block height across all nodes (cached if possible)
func (mc *MultiClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Prefer cached global highest height
	h := atomic.LoadUint64(&mc.globalHeight)
	if h > 0 {
		return h, nil
	}
	// If cache empty (at startup), force request
	var res uint64
	err := mc.execute(ctx, func(n *Node) error {
		var e error
		res, e = n.BlockNumber(ctx)
		return e
	})
	return res, err
}

// HeaderByNumber retrieves a block header from the best available node
func (mc *MultiClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var res *types.Header
	err := mc.executeAt(ctx, heightOf(number), func(n *Node) error {
		var e error
		res, e = n.HeaderByNumber(ctx, number)
		return e
	})
	return res, err
}

// FilterLogs retrieves logs from a node that has seen the end of the queried range
func (mc *MultiClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var res []types.Log
	err := mc.executeAt(ctx, heightOf(q.ToBlock), func(n *Node) error {
		var e error
		res, e = n.FilterLogs(ctx, q)
		return e
	})
	return res, err
}

// CallContext performs a raw JSON-RPC call on the best available node. Calls
// addressing a block by number only go to nodes that have seen that block.
func (mc *MultiClient) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return mc.executeAt(ctx, requiredHeight(method, args), func(n *Node) error {
		return n.CallContext(ctx, result, method, args...)
	})
}

// BatchCallContext sends a JSON-RPC batch to the best available node that has
// seen the highest block the batch addresses.
func (mc *MultiClient) BatchCallContext(ctx context.Context, b []gethrpc.BatchElem) error {
	var height uint64
	for i := range b {
		height = max(height, requiredHeight(b[i].Method, b[i].Args))
	}
	return mc.executeAt(ctx, height, func(n *Node) error {
		return n.BatchCallContext(ctx, b)
	})
}

// requiredHeight returns the block a by-number call addresses, or 0 when the
// call is not tied to a height ("latest" and friends included).
func requiredHeight(method string, args []interface{}) uint64 {
	switch method {
	case "eth_getBlockByNumber", "eth_getBlockReceipts", "trace_block":
	default:
		return 0
	}
	if len(args) == 0 {
		return 0
	}
	tag, ok := args[0].(string)
	if !ok {
		return 0
	}
	h, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0
	}
	return h
}

// Nodes returns the managed nodes, e.g. for reporting their stats.
func (mc *MultiClient) Nodes() []*Node {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return append([]*Node(nil), mc.nodes...)
}

// Close closes all underlying RPC connections
func (mc *MultiClient) Close() {
	for _, n := range mc.nodes {
		n.Close()
	}
}

func heightOf(number *big.Int) uint64 {
	if number == nil || number.Sign() <= 0 || !number.IsUint64() {
		return 0
	}
	return number.Uint64()
}

// pickAvailableNodeWithHeight selects a node that meets the height requirement
func (mc *MultiClient) pickAvailableNodeWithHeight(ctx context.Context, requiredHeight uint64) (*Node, error) {
	mc.mu.RLock()
	globalH := atomic.LoadUint64(&mc.globalHeight)

	// Create a copy of candidates for sorting
	candidates := make([]*Node, len(mc.nodes))
	copy(candidates, mc.nodes)
	mc.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoAvailableNodes
	}

	// Sort by score in descending order
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score(globalH) > candidates[j].Score(globalH)
	})

	// Heights are only known once the background sync has run
	if requiredHeight > 0 && globalH == 0 {
		requiredHeight = 0
	}

	for _, node := range candidates {
		// 1. Check height requirement
		if requiredHeight > 0 && !node.MeetsHeightRequirement(requiredHeight) {
			continue
		}

		// 2. Try to acquire the node (non-blocking)
		if err := node.TryAcquire(ctx); err == nil {
			return node, nil
		}
		// If node is busy/rate-limited/circuit-broken, try next node
	}

	// All nodes are unavailable, block and wait for the best eligible node
	var bestNode *Node
	for _, node := range candidates {
		if requiredHeight == 0 || node.MeetsHeightRequirement(requiredHeight) {
			bestNode = node
			break
		}
	}
	if bestNode == nil {
		return nil, ErrNoNodeMeetsHeight
	}

	if bestNode.IsCircuitBroken() {
		return nil, ErrNoAvailableNodes
	}

	if err := bestNode.Acquire(ctx); err != nil {
		return nil, err
	}
	return bestNode, nil
}
