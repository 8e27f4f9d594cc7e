package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ruteri/compact-allocator/balance"
	"github.com/ruteri/compact-allocator/codec"
	"github.com/ruteri/compact-allocator/compact"
	"github.com/ruteri/compact-allocator/interfaces"
	"github.com/ruteri/compact-allocator/nonce"
)

// MaxExpirationWindow is the farthest a compact's expiration may lie in the
// future, in seconds. The bound is inclusive: exactly two hours from now is
// accepted.
const MaxExpirationWindow = 7200

var (
	// ErrExpired is returned when a compact's expiration is not in the
	// future. A compact expiring this second is already unusable.
	ErrExpired = errors.New("Compact has expired")

	// ErrExpirationTooFar is returned when the expiration lies beyond the
	// two hour window.
	ErrExpirationTooFar = errors.New("Expiration must be within 2 hours")

	// ErrResetPeriodConflict is returned when the lock's reset period ends
	// before the compact expires, which would let the sponsor force a
	// withdrawal while the compact is still live.
	ErrResetPeriodConflict = errors.New("Reset period would allow forced withdrawal before expiration")
)

// Pipeline runs the ordered validation stages over one untrusted compact
// submission. Stages short-circuit: the first failure is returned verbatim
// and nothing later runs. The pipeline itself is stateless; every call
// reads through the store view and indexer it is handed.
type Pipeline struct {
	indexer interfaces.Indexer
	config  interfaces.ChainConfigProvider

	// Now returns the current unix time; replaceable in tests.
	Now func() uint64
}

// NewPipeline creates a validation pipeline.
func NewPipeline(idx interfaces.Indexer, config interfaces.ChainConfigProvider, now func() uint64) *Pipeline {
	return &Pipeline{indexer: idx, config: config, Now: now}
}

// ValidateStructure runs the chain-id and structural stages, producing the
// exact-integer compact all later stages require.
func (p *Pipeline) ValidateStructure(chainID string, c *compact.Compact) (uint64, *compact.ValidatedCompact, error) {
	id, err := codec.ParseChainID(chainID)
	if err != nil {
		return 0, nil, err
	}
	vc, err := compact.Validate(c)
	if err != nil {
		return 0, nil, err
	}
	return id, vc, nil
}

// Validate runs the remaining stages against a validated compact whose
// nonce is already set: nonce consumption, expiration window, lock domain
// rules, and balance sufficiency.
func (p *Pipeline) Validate(ctx context.Context, store interfaces.StoreReader, chainID uint64, vc *compact.ValidatedCompact) error {
	if err := nonce.Validate(ctx, store, chainID, vc.Sponsor, vc.Nonce); err != nil {
		return err
	}
	if err := p.validateExpiration(vc.Expires); err != nil {
		return err
	}
	if err := p.validateDomain(chainID, vc); err != nil {
		return err
	}
	return p.validateBalance(ctx, store, chainID, vc)
}

// validateExpiration enforces the asymmetric window: expires == now is
// rejected, expires == now + MaxExpirationWindow is accepted.
func (p *Pipeline) validateExpiration(expires *big.Int) error {
	now := new(big.Int).SetUint64(p.Now())
	if expires.Cmp(now) <= 0 {
		return ErrExpired
	}
	limit := new(big.Int).Add(now, big.NewInt(MaxExpirationWindow))
	if expires.Cmp(limit) > 0 {
		return ErrExpirationTooFar
	}
	return nil
}

// validateDomain checks the rules packed into the lock ID: the reset
// period selected by the three-bit field must cover the compact's whole
// lifetime.
func (p *Pipeline) validateDomain(chainID uint64, vc *compact.ValidatedCompact) error {
	resetPeriod := compact.ResetPeriod(vc.ID)
	horizon := new(big.Int).SetUint64(p.Now() + resetPeriod)
	if horizon.Cmp(vc.Expires) < 0 {
		return ErrResetPeriodConflict
	}
	return nil
}

// validateBalance reconciles the sponsor's balances and rejects the
// compact unless the unallocated remainder covers its amount.
func (p *Pipeline) validateBalance(ctx context.Context, store interfaces.StoreReader, chainID uint64, vc *compact.ValidatedCompact) error {
	meta, registered := p.config.Chain(chainID)
	if err := balance.CheckAllocatorID(vc.ID, meta, registered); err != nil {
		return err
	}

	state, err := p.indexer.ResourceLock(ctx, chainID, vc.Sponsor, vc.ID)
	if err != nil {
		return fmt.Errorf("could not fetch resource lock state: %w", err)
	}
	finalized, err := p.indexer.FinalizedClaimHashes(ctx, chainID, vc.Sponsor)
	if err != nil {
		return fmt.Errorf("could not fetch finalized claims: %w", err)
	}
	stored, err := store.CompactsByLock(ctx, chainID, vc.Sponsor, vc.ID)
	if err != nil {
		return fmt.Errorf("could not load stored compacts: %w", err)
	}

	sum := balance.Compute(balance.Params{
		State:                 state,
		Compacts:              stored,
		FinalizedClaimHashes:  finalized,
		FinalizationThreshold: p.config.FinalizationThreshold(chainID),
		Now:                   p.Now(),
	})
	return balance.CheckAllocation(sum, vc.Amount)
}
