package interfaces

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Indexer is the external query surface reporting on-chain state. Calls are
// read-only and never part of a submission's transaction; any failure here
// is a dependency error that fails the whole check, never a silent
// not-found.
type Indexer interface {
	// ResourceLock returns the balance, unfinalized deposit total and
	// withdrawal status for one (chain, sponsor, lock).
	ResourceLock(ctx context.Context, chainID uint64, sponsor common.Address, lockID *big.Int) (*ResourceLockState, error)

	// FinalizedClaimHashes returns the claim hashes finalized on-chain for
	// the sponsor within the indexer's trailing window.
	FinalizedClaimHashes(ctx context.Context, chainID uint64, sponsor common.Address) ([]common.Hash, error)

	// Registration returns the on-chain registration record for a claim
	// hash, or nil if none exists. A transport failure returns an error,
	// never (nil, nil).
	Registration(ctx context.Context, chainID uint64, claimHash common.Hash) (*RegistrationRecord, error)

	// SupportedChains returns the per-chain allocator registration and
	// finalization thresholds for this allocator's address.
	SupportedChains(ctx context.Context, allocator common.Address) ([]ChainMetadata, error)
}

// ChainConfigProvider exposes the cached per-chain configuration snapshot.
type ChainConfigProvider interface {
	// Chain returns the metadata for a chain, or false if the chain is not
	// registered for this allocator.
	Chain(chainID uint64) (ChainMetadata, bool)

	// FinalizationThreshold returns the chain's finality delay in seconds,
	// falling back to a default for unknown chains.
	FinalizationThreshold(chainID uint64) uint64
}
