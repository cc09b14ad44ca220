package indexer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Service runs every stream on its own goroutine. Cycles of one stream never
// overlap; streams do not wait for each other.
type Service struct {
	indexers []*Indexer
	interval time.Duration

	mu     sync.Mutex
	halted map[string]error
}

func NewService(interval time.Duration, indexers ...*Indexer) *Service {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Service{
		indexers: indexers,
		interval: interval,
		halted:   make(map[string]error),
	}
}

// Run blocks until ctx is done. A stream that hits ErrReorgTooDeep stops
// while the others keep going.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, ix := range s.indexers {
		ix := ix
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runStream(ctx, ix)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Halted returns the streams stopped by a fatal error.
func (s *Service) Halted() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.halted))
	for id, err := range s.halted {
		out[id] = err
	}
	return out
}

func (s *Service) runStream(ctx context.Context, ix *Indexer) {
	id := ix.Stream().ID
	log.Info("Stream started", "stream", id, "kind", ix.Stream().Extractor.Kind(), "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		// Keep cycling while full batches are available.
		for ctx.Err() == nil {
			res, err := ix.RunCycle(ctx)
			if errors.Is(err, ErrReorgTooDeep) {
				s.mu.Lock()
				s.halted[id] = err
				s.mu.Unlock()
				log.Error("Stream halted, reset its cursor to resume", "stream", id, "err", err, "alert", true)
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Cycle failed, retrying next tick", "stream", id, "err", err)
				}
				break
			}
			if res.Skipped || res.Idle {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
