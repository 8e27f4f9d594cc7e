package interfaces

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StoreReader is the read surface of the allocation ledger. All reads take
// the chain scope explicitly; nonce fragments and compacts are independent
// per chain.
type StoreReader interface {
	// ConsumedFragments returns every nonce fragment consumed for the
	// (chain, sponsor) pair, ordered ascending by fragment value.
	ConsumedFragments(ctx context.Context, chainID uint64, sponsor common.Address) ([]NonceFragment, error)

	// NonceUsed reports whether the fragment has already been consumed for
	// the (chain, sponsor) pair.
	NonceUsed(ctx context.Context, chainID uint64, sponsor common.Address, fragment NonceFragment) (bool, error)

	// CompactsByLock returns every stored compact for the
	// (chain, sponsor, lock) triple, regardless of expiry.
	CompactsByLock(ctx context.Context, chainID uint64, sponsor common.Address, lockID *big.Int) ([]StoredCompact, error)
}

// StoreWriter is the write surface of the ledger, only reachable inside a
// transaction.
type StoreWriter interface {
	// InsertCompact appends one compact to the ledger. It fails if a row
	// with the same (chainID, claimHash) already exists.
	InsertCompact(ctx context.Context, rec *StoredCompact) error

	// ConsumeNonce records the fragment as consumed for the
	// (chain, sponsor) pair. It fails if the fragment was already consumed.
	ConsumeNonce(ctx context.Context, chainID uint64, sponsor common.Address, fragment NonceFragment) error
}

// StoreTx is the view of the store inside one submission's transaction.
type StoreTx interface {
	StoreReader
	StoreWriter
}

// Store is the persistent ledger of allocations and consumed nonces.
//
// InTransaction runs fn inside a single all-or-nothing transaction that
// additionally serializes on the sponsor address, so that the
// balance-check-then-insert sequence of two concurrent submissions for the
// same sponsor cannot interleave. Any error from fn rolls the transaction
// back; no partial writes are ever observable.
type Store interface {
	StoreReader

	InTransaction(ctx context.Context, sponsor common.Address, fn func(tx StoreTx) error) error
}
