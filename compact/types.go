package compact

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/compact-allocator/codec"
)

// Lock identifier bit layout. A lock ID packs, from the top of a 256-bit
// word down: a one-bit scope flag, a three-bit reset-period selector, a
// 92-bit allocator identifier, and the 160-bit token address in the low
// bits.
const (
	TokenBits       = 160
	AllocatorIDBits = 92
	ResetPeriodBits = 3

	AllocatorIDShift = TokenBits                   // 160
	ResetPeriodShift = TokenBits + AllocatorIDBits // 252
	ScopeShift       = 255
)

// ResetPeriods maps the three-bit reset-period selector to seconds.
var ResetPeriods = [8]uint64{1, 15, 60, 600, 3900, 86400, 612000, 2592000}

var (
	allocatorIDMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), AllocatorIDBits), big.NewInt(1))
	resetPeriodMask = big.NewInt((1 << ResetPeriodBits) - 1)
)

// AllocatorID extracts the 92-bit allocator identifier from a lock ID.
func AllocatorID(id *big.Int) *big.Int {
	out := new(big.Int).Rsh(id, AllocatorIDShift)
	return out.And(out, allocatorIDMask)
}

// ResetPeriod extracts the reset period in seconds from a lock ID.
func ResetPeriod(id *big.Int) uint64 {
	sel := new(big.Int).Rsh(id, ResetPeriodShift)
	sel.And(sel, resetPeriodMask)
	return ResetPeriods[sel.Uint64()]
}

// Scope extracts the scope flag from a lock ID.
func Scope(id *big.Int) uint {
	return uint(new(big.Int).Rsh(id, ScopeShift).Uint64())
}

// Compact is the wire form of a claim submission. All numeric fields arrive
// as decimal or hex strings and are only trusted after Validate converts
// them to exact integers.
type Compact struct {
	Arbiter           string  `json:"arbiter"`
	Sponsor           string  `json:"sponsor"`
	Nonce             *string `json:"nonce"`
	Expires           string  `json:"expires"`
	ID                string  `json:"id"`
	Amount            string  `json:"amount"`
	WitnessTypeString *string `json:"witnessTypeString,omitempty"`
	WitnessHash       *string `json:"witnessHash,omitempty"`
}

// ValidatedCompact is the exact-integer form of a compact, produced only by
// Validate. Downstream stages accept nothing else.
type ValidatedCompact struct {
	Arbiter           common.Address
	Sponsor           common.Address
	Nonce             *big.Int // nil until generated for nonce-less submissions
	Expires           *big.Int
	ID                *big.Int
	Amount            *big.Int
	WitnessTypeString string
	WitnessHash       *common.Hash
}

// ErrWitnessPairing is returned when exactly one of the witness fields is
// supplied.
var ErrWitnessPairing = errors.New("Witness type and witness hash must both be provided or both be null")

// Validate converts a wire compact into its exact-integer form, rejecting
// malformed addresses, non-positive numerics and mismatched witness fields.
func Validate(c *Compact) (*ValidatedCompact, error) {
	arbiter, err := codec.ParseAddress(c.Arbiter, "arbiter")
	if err != nil {
		return nil, err
	}
	sponsor, err := codec.ParseAddress(c.Sponsor, "sponsor")
	if err != nil {
		return nil, err
	}

	nonce, err := codec.ToBigInt(c.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	expires, err := codec.ToPositiveBigInt(c.Expires, "expires")
	if err != nil {
		return nil, err
	}
	id, err := codec.ToPositiveBigInt(c.ID, "id")
	if err != nil {
		return nil, err
	}
	amount, err := codec.ToPositiveBigInt(c.Amount, "amount")
	if err != nil {
		return nil, err
	}

	hasWitnessType := c.WitnessTypeString != nil && *c.WitnessTypeString != ""
	hasWitnessHash := c.WitnessHash != nil && *c.WitnessHash != ""
	if hasWitnessType != hasWitnessHash {
		return nil, ErrWitnessPairing
	}

	vc := &ValidatedCompact{
		Arbiter: arbiter,
		Sponsor: sponsor,
		Nonce:   nonce,
		Expires: expires,
		ID:      id,
		Amount:  amount,
	}
	if hasWitnessType {
		vc.WitnessTypeString = *c.WitnessTypeString
		h, err := parseWitnessHash(*c.WitnessHash)
		if err != nil {
			return nil, err
		}
		vc.WitnessHash = &h
	}
	return vc, nil
}

func parseWitnessHash(value string) (common.Hash, error) {
	b, err := codec.ToPositiveBigInt(value, "witness hash")
	if err != nil {
		return common.Hash{}, err
	}
	if b.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("Invalid witness hash format")
	}
	return common.BigToHash(b), nil
}
