// Package nonce manages the per-(chain, sponsor) nonce space. A nonce is a
// 256-bit value whose high 160 bits are fixed to the sponsor's address;
// this service only allocates the low 96-bit fragment, and each fragment is
// consumed at most once, ever.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/compact-allocator/interfaces"
)

// FragmentBits is the width of the allocator-assigned portion of a nonce.
const FragmentBits = 96

var (
	// ErrSponsorMismatch is returned when a nonce's high 160 bits are not
	// the sponsor's address.
	ErrSponsorMismatch = errors.New("Nonce does not match sponsor address")

	// ErrNonceUsed is returned when a nonce's fragment has already been
	// consumed for the (chain, sponsor) pair.
	ErrNonceUsed = errors.New("Nonce has already been used")
)

var fragmentMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), FragmentBits), big.NewInt(1))

// Compose builds a nonce from a sponsor address and a fragment value.
func Compose(sponsor common.Address, fragment *big.Int) *big.Int {
	n := new(big.Int).SetBytes(sponsor.Bytes())
	n.Lsh(n, FragmentBits)
	return n.Or(n, new(big.Int).And(fragment, fragmentMask))
}

// Split decomposes a nonce into its sponsor prefix and fragment.
func Split(n *big.Int) (common.Address, interfaces.NonceFragment) {
	prefix := new(big.Int).Rsh(n, FragmentBits)
	fragment := new(big.Int).And(n, fragmentMask)

	var sponsor common.Address
	prefix.FillBytes(sponsor[:])
	return sponsor, interfaces.FragmentFromValue(fragment)
}

// Generate returns the nonce with the lowest unused fragment for the
// (chain, sponsor) pair: the first gap in the ascending sequence of
// consumed fragments, or one past the maximum when there is no gap.
// Without an intervening consumption the suggestion is idempotent.
func Generate(ctx context.Context, store interfaces.StoreReader, chainID uint64, sponsor common.Address) (*big.Int, error) {
	fragments, err := store.ConsumedFragments(ctx, chainID, sponsor)
	if err != nil {
		return nil, fmt.Errorf("could not load consumed nonce fragments: %w", err)
	}

	// Sorted scan for the first gap.
	next := big.NewInt(int64(len(fragments)))
	for i, f := range fragments {
		if f.Value().Cmp(big.NewInt(int64(i))) != 0 {
			next = big.NewInt(int64(i))
			break
		}
	}
	return Compose(sponsor, next), nil
}

// Validate checks that a nonce belongs to the sponsor's address space and
// that its fragment has not been consumed on this chain. Fragments are
// independent per chain: the same nonce may be valid on two chains at once.
func Validate(ctx context.Context, store interfaces.StoreReader, chainID uint64, sponsor common.Address, n *big.Int) error {
	if n == nil || n.Sign() < 0 || n.BitLen() > 256 {
		return ErrSponsorMismatch
	}

	prefix, fragment := Split(n)
	if prefix != sponsor {
		return ErrSponsorMismatch
	}

	used, err := store.NonceUsed(ctx, chainID, sponsor, fragment)
	if err != nil {
		return fmt.Errorf("could not check nonce consumption: %w", err)
	}
	if used {
		return ErrNonceUsed
	}
	return nil
}

// Consume records the nonce's fragment as used. It must run inside the same
// transaction as the compact insert so a validated-but-unconsumed nonce can
// never be reused by a concurrent submission.
func Consume(ctx context.Context, tx interfaces.StoreWriter, chainID uint64, sponsor common.Address, n *big.Int) error {
	_, fragment := Split(n)
	return tx.ConsumeNonce(ctx, chainID, sponsor, fragment)
}
