package indexer

import (
	"sync"
	"time"
)

// batchLimiter holds the per cycle block count. With auto adjust enabled it
// reacts to how long full batches take.
type batchLimiter struct {
	mu   sync.Mutex
	size uint64
	max  uint64
	auto bool
}

func newBatchLimiter(max uint64, auto bool) *batchLimiter {
	return &batchLimiter{size: max, max: max, auto: auto}
}

func (b *batchLimiter) Current() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Observe records that blocks took elapsed. Only full batches are measured.
func (b *batchLimiter) Observe(blocks uint64, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.auto || blocks != b.size {
		return
	}

	switch {
	case elapsed > 30*time.Second:
		b.size /= 2
	case elapsed > 10*time.Second:
		if b.size > 20 {
			b.size -= 20
		} else {
			b.size = 1
		}
	case elapsed < 2*time.Second:
		b.size *= 2
	case elapsed < 5*time.Second:
		b.size += 20
	}
	if b.size < 1 {
		b.size = 1
	}
	if b.size > b.max {
		b.size = b.max
	}
}
