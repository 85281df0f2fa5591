package search

import (
	"context"
	"sync"
	"time"
)

// Sweeper periodically reconciles dirty ids against the store
type Sweeper struct {
	indexer  *Indexer
	src      Source
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSweeper creates a sweeper; call Start to run it
func NewSweeper(x *Indexer, src Source, interval time.Duration) *Sweeper {
	return &Sweeper{indexer: x, src: src, interval: interval}
}

// Start runs the sweep loop until Stop or ctx is cancelled. A non-positive
// interval disables the sweeper.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 || s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass if anything is dirty
func (s *Sweeper) Sweep(ctx context.Context) int {
	if len(s.indexer.Dirty()) == 0 {
		return 0
	}
	n, err := s.indexer.Reconcile(ctx, s.src)
	if err != nil {
		s.indexer.logger.Warn("index sweep failed", "synced", n, "error", err)
	}
	return n
}

// Stop stops the loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	s.once.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
	})
}
