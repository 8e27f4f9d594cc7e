package interfaces

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceFragment is the low 96 bits of a nonce, split for storage into a
// 64-bit high part (bits 32-95) and a 32-bit low part (bits 0-31).
type NonceFragment struct {
	High uint64
	Low  uint32
}

// Value returns the fragment as a single 96-bit ordered integer.
func (f NonceFragment) Value() *big.Int {
	v := new(big.Int).SetUint64(f.High)
	v.Lsh(v, 32)
	return v.Or(v, new(big.Int).SetUint64(uint64(f.Low)))
}

// FragmentFromValue splits a 96-bit integer into its storage parts.
func FragmentFromValue(v *big.Int) NonceFragment {
	low := new(big.Int).And(v, big.NewInt(0xffffffff))
	high := new(big.Int).Rsh(v, 32)
	return NonceFragment{
		High: high.Uint64(),
		Low:  uint32(low.Uint64()),
	}
}

// StoredCompact is one row of the append-only ledger of allocations this
// allocator has co-signed. Rows are never mutated; a compact stops counting
// toward allocated balance once now > expires + the chain's finalization
// threshold, but the row remains.
type StoredCompact struct {
	ChainID           uint64
	ClaimHash         common.Hash
	Arbiter           common.Address
	Sponsor           common.Address
	Nonce             *big.Int
	Expires           *big.Int
	LockID            *big.Int
	Amount            *big.Int
	WitnessTypeString string
	WitnessHash       *common.Hash
	Signature         []byte
	CreatedAt         time.Time
}

// ResourceLockState is the indexer's view of one (chain, sponsor, lock):
// the on-chain balance, the sum of not-yet-finalized deposit deltas, and
// the forced-withdrawal status (0 means forced withdrawals are disarmed).
type ResourceLockState struct {
	Balance          *big.Int
	PendingDeposits  *big.Int
	WithdrawalStatus int
}

// RegistrationRecord is an on-chain compact registration as reported by the
// indexer, with block timestamps for the registration and, when present,
// the claim that consumed it.
type RegistrationRecord struct {
	ClaimHash    common.Hash
	Sponsor      common.Address
	Expires      *big.Int
	RegisteredAt uint64
	ClaimedAt    *uint64
}

// ChainMetadata is the per-chain configuration this allocator consumes:
// its registered allocator identifier on that chain and the finality delay
// after which an on-chain event is treated as irreversible.
type ChainMetadata struct {
	ChainID                      uint64
	AllocatorID                  *big.Int
	FinalizationThresholdSeconds uint64
}
