// Package chainconfig caches the per-chain allocator registration and
// finalization thresholds, refreshed periodically from the indexer. The
// cache is process-wide state with an explicit lifecycle: initialized on
// startup, refreshed on a timer, stopped on shutdown. Readers always see a
// complete snapshot; a failed refresh preserves the previous one.
package chainconfig

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"

	"github.com/ruteri/compact-allocator/interfaces"
)

// DefaultFinalizationThreshold is the finality delay in seconds assumed for
// a chain the indexer has not reported.
const DefaultFinalizationThreshold = 25

type snapshot map[uint64]interfaces.ChainMetadata

// Cache holds the refreshed chain configuration.
type Cache struct {
	indexer   interfaces.Indexer
	allocator common.Address
	interval  time.Duration
	log       *slog.Logger

	current atomic.Pointer[snapshot]
	stop    chan struct{}
	done    chan struct{}
}

// New creates a cache for the given allocator address. Call Refresh once
// before serving, then Start to keep it fresh.
func New(indexer interfaces.Indexer, allocator common.Address, interval time.Duration, log *slog.Logger) *Cache {
	c := &Cache{
		indexer:   indexer,
		allocator: allocator,
		interval:  interval,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	empty := make(snapshot)
	c.current.Store(&empty)
	return c
}

// Refresh fetches the supported chains and atomically replaces the
// snapshot. On failure the previous snapshot stays in place.
func (c *Cache) Refresh(ctx context.Context) error {
	chains, err := c.indexer.SupportedChains(ctx, c.allocator)
	if err != nil {
		return fmt.Errorf("chain config refresh failed: %w", err)
	}

	next := make(snapshot, len(chains))
	for _, meta := range chains {
		next[meta.ChainID] = meta
	}
	c.current.Store(&next)
	return nil
}

// Start runs the periodic refresh loop in the background until Stop.
func (c *Cache) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), c.interval)
				if err := c.Refresh(ctx); err != nil {
					c.log.Error("Chain config refresh failed, keeping previous snapshot", "err", err)
				}
				cancel()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the refresh loop and waits for it to exit.
func (c *Cache) Stop() {
	close(c.stop)
	<-c.done
}

// Chain returns the metadata for a chain, or false if the allocator is not
// registered there.
func (c *Cache) Chain(chainID uint64) (interfaces.ChainMetadata, bool) {
	meta, ok := (*c.current.Load())[chainID]
	return meta, ok
}

// FinalizationThreshold returns the chain's finality delay in seconds,
// falling back to DefaultFinalizationThreshold for unknown chains.
func (c *Cache) FinalizationThreshold(chainID uint64) uint64 {
	if meta, ok := c.Chain(chainID); ok {
		return meta.FinalizationThresholdSeconds
	}
	return DefaultFinalizationThreshold
}
