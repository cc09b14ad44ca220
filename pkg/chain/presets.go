package chain

import (
	"sort"
	"sync"
	"time"
)

// Preset defines the default behavior parameters for a chain
type Preset struct {
	ChainID        string
	BlockTime      time.Duration // Average block time (affects polling interval)
	ReorgSafe      uint64        // Blocks behind head considered final
	BatchSize      uint64        // Recommended blocks per cycle
	MaxRewindDepth uint64        // Deepest reorg the indexer repairs on its own
	Traces         bool          // Public nodes commonly expose trace_block
}

var (
	registry = make(map[string]Preset)
	mu       sync.RWMutex
)

// Register adds a new chain preset to the global registry.
func Register(name string, p Preset) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = p
}

// Get retrieves a preset configuration from the registry by its name.
func Get(name string) (Preset, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// Names lists registered presets in alphabetical order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Built-in presets
func init() {
	Register("eth-mainnet", Preset{
		ChainID:        "1",
		BlockTime:      12 * time.Second,
		ReorgSafe:      12,
		BatchSize:      100,
		MaxRewindDepth: 128,
		Traces:         true,
	})

	Register("gnosis", Preset{
		ChainID:        "100",
		BlockTime:      5 * time.Second,
		ReorgSafe:      12,
		BatchSize:      200,
		MaxRewindDepth: 128,
		Traces:         true,
	})

	Register("bsc-mainnet", Preset{
		ChainID:        "56",
		BlockTime:      3 * time.Second,
		ReorgSafe:      15, // BSC reorgs are relatively frequent
		BatchSize:      200,
		MaxRewindDepth: 200,
	})

	Register("polygon-mainnet", Preset{
		ChainID:        "137",
		BlockTime:      2 * time.Second,
		ReorgSafe:      32, // Polygon recommends deeper confirmations
		BatchSize:      200,
		MaxRewindDepth: 256,
	})

	Register("arbitrum-one", Preset{
		ChainID:        "42161",
		BlockTime:      250 * time.Millisecond,
		ReorgSafe:      20,
		BatchSize:      500,
		MaxRewindDepth: 128,
	})
}
