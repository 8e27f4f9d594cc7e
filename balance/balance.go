// Package balance reconciles the allocatable and allocated balances of one
// (chain, sponsor, lock) triple across the indexer's on-chain view and this
// allocator's own ledger, and enforces the no-double-allocation rule for
// new compacts.
package balance

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/compact-allocator/compact"
	"github.com/ruteri/compact-allocator/interfaces"
)

var (
	// ErrForcedWithdrawal is returned when the sponsor has armed forced
	// withdrawals on the resource lock.
	ErrForcedWithdrawal = errors.New("Cannot allocate: forced withdrawals enabled")

	// ErrInvalidAllocatorID is returned when the allocator identifier
	// packed into a compact's lock ID does not match this allocator's
	// registration on the chain, or the chain is not registered at all.
	ErrInvalidAllocatorID = errors.New("Invalid allocator ID")
)

// Summary is the reconciled balance picture for one (chain, sponsor, lock).
type Summary struct {
	// AllocatableBalance is the on-chain balance minus unfinalized
	// pending deposits, floored at zero.
	AllocatableBalance *big.Int

	// AllocatedBalance is the sum of this allocator's own outstanding
	// compacts against the lock: not yet expired past the finalization
	// threshold and not already finalized on-chain.
	AllocatedBalance *big.Int

	// AvailableBalance is what remains to allocate, zero when forced
	// withdrawals are armed.
	AvailableBalance *big.Int

	WithdrawalStatus int
}

// Params are the reconciliation inputs.
type Params struct {
	State                 *interfaces.ResourceLockState
	Compacts              []interfaces.StoredCompact
	FinalizedClaimHashes  []common.Hash
	FinalizationThreshold uint64
	Now                   uint64
}

// Compute reconciles the balance picture. Claims the indexer reports as
// finalized are consumed allocations and must not double-count; compacts
// past expires + finalization threshold no longer reserve balance.
func Compute(p Params) *Summary {
	allocatable := new(big.Int)
	if p.State.PendingDeposits.Cmp(p.State.Balance) <= 0 {
		allocatable.Sub(p.State.Balance, p.State.PendingDeposits)
	}

	finalized := make(map[common.Hash]struct{}, len(p.FinalizedClaimHashes))
	for _, h := range p.FinalizedClaimHashes {
		finalized[h] = struct{}{}
	}

	now := new(big.Int).SetUint64(p.Now)
	threshold := new(big.Int).SetUint64(p.FinalizationThreshold)

	allocated := new(big.Int)
	for _, rec := range p.Compacts {
		if _, done := finalized[rec.ClaimHash]; done {
			continue
		}
		cutoff := new(big.Int).Add(rec.Expires, threshold)
		if now.Cmp(cutoff) >= 0 {
			continue
		}
		allocated.Add(allocated, rec.Amount)
	}

	available := new(big.Int)
	if p.State.WithdrawalStatus == 0 && allocatable.Cmp(allocated) > 0 {
		available.Sub(allocatable, allocated)
	}

	return &Summary{
		AllocatableBalance: allocatable,
		AllocatedBalance:   allocated,
		AvailableBalance:   available,
		WithdrawalStatus:   p.State.WithdrawalStatus,
	}
}

// CheckAllocatorID verifies that the allocator identifier packed into the
// lock ID matches this allocator's registered identifier on the chain.
// An unregistered chain fails the same way.
func CheckAllocatorID(lockID *big.Int, meta interfaces.ChainMetadata, registered bool) error {
	if !registered || meta.AllocatorID == nil {
		return ErrInvalidAllocatorID
	}
	if compact.AllocatorID(lockID).Cmp(meta.AllocatorID) != 0 {
		return ErrInvalidAllocatorID
	}
	return nil
}

// CheckAllocation enforces that a new compact of the given amount fits in
// the sponsor's unallocated balance.
func CheckAllocation(sum *Summary, amount *big.Int) error {
	if sum.WithdrawalStatus != 0 {
		return ErrForcedWithdrawal
	}
	need := new(big.Int).Add(sum.AllocatedBalance, amount)
	if sum.AllocatableBalance.Cmp(need) < 0 {
		return fmt.Errorf("Insufficient allocatable balance (have %s, need %s)",
			sum.AllocatableBalance.String(), need.String())
	}
	return nil
}
