package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/84hero/safe-indexer/pkg/lock"
	"github.com/84hero/safe-indexer/pkg/records"
	"github.com/84hero/safe-indexer/pkg/storage"
)

func TestService_HaltsOnlyTheDeepReorgStream(t *testing.T) {
	chain := newFakeChain(20)
	cursors := storage.NewMemoryStore("")
	store := records.NewMemoryStore()
	locker := lock.NewMemoryLocker()
	cfg := Config{MaxBatchSize: 5, MaxRewindDepth: 1}
	ctx := context.Background()

	healthy := New(Stream{ID: "healthy", Extractor: &blockExtractor{}}, chain, cursors, store, locker, cfg)
	doomed := New(Stream{ID: "doomed", Extractor: &blockExtractor{}}, chain, cursors, store, locker, cfg)

	// Stored history for doomed that the chain no longer agrees with.
	require.NoError(t, store.Persist(ctx, "doomed", records.Batch{From: 9, To: 10, Blocks: []records.BlockRef{
		{Number: 9, Hash: blockHash(9, 0xee)},
		{Number: 10, Hash: blockHash(10, 0xee)},
	}}))
	require.NoError(t, cursors.SaveCursor(ctx, "doomed", 10))

	svc := NewService(5*time.Millisecond, healthy, doomed)
	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Run(runCtx), context.DeadlineExceeded)

	halted := svc.Halted()
	require.Contains(t, halted, "doomed")
	assert.ErrorIs(t, halted["doomed"], ErrReorgTooDeep)
	assert.NotContains(t, halted, "healthy")

	c, err := cursors.LoadCursor(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), c)

	c, err = cursors.LoadCursor(ctx, "doomed")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c)
}
