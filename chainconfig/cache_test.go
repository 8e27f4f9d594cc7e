package chainconfig

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/compact-allocator/interfaces"
)

type stubIndexer struct {
	interfaces.Indexer
	chains []interfaces.ChainMetadata
	err    error
}

func (s *stubIndexer) SupportedChains(ctx context.Context, allocator common.Address) ([]interfaces.ChainMetadata, error) {
	return s.chains, s.err
}

func testCache(idx *stubIndexer) *Cache {
	return New(idx, common.Address{}, time.Minute, slog.Default())
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	idx := &stubIndexer{chains: []interfaces.ChainMetadata{
		{ChainID: 1, AllocatorID: big.NewInt(42), FinalizationThresholdSeconds: 25},
	}}
	c := testCache(idx)

	_, ok := c.Chain(1)
	assert.False(t, ok, "empty before first refresh")

	require.NoError(t, c.Refresh(context.Background()))
	meta, ok := c.Chain(1)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(42), meta.AllocatorID)
	assert.Equal(t, uint64(25), c.FinalizationThreshold(1))

	// A later refresh replaces the whole snapshot.
	idx.chains = []interfaces.ChainMetadata{
		{ChainID: 10, AllocatorID: big.NewInt(7), FinalizationThresholdSeconds: 4},
	}
	require.NoError(t, c.Refresh(context.Background()))
	_, ok = c.Chain(1)
	assert.False(t, ok, "chain 1 dropped from the new snapshot")
	_, ok = c.Chain(10)
	assert.True(t, ok)
}

func TestRefreshFailureKeepsPrevious(t *testing.T) {
	idx := &stubIndexer{chains: []interfaces.ChainMetadata{
		{ChainID: 1, AllocatorID: big.NewInt(42), FinalizationThresholdSeconds: 25},
	}}
	c := testCache(idx)
	require.NoError(t, c.Refresh(context.Background()))

	idx.err = errors.New("indexer unavailable")
	err := c.Refresh(context.Background())
	require.Error(t, err)

	meta, ok := c.Chain(1)
	assert.True(t, ok, "failed refresh preserves the previous snapshot")
	assert.Equal(t, big.NewInt(42), meta.AllocatorID)
}

func TestFinalizationThresholdFallback(t *testing.T) {
	c := testCache(&stubIndexer{})
	assert.Equal(t, uint64(DefaultFinalizationThreshold), c.FinalizationThreshold(999),
		"unknown chains use the default threshold")
}

func TestStartStop(t *testing.T) {
	idx := &stubIndexer{}
	c := New(idx, common.Address{}, 10*time.Millisecond, slog.Default())
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}
