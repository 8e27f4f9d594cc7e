// Package registration classifies an externally-registered compact into a
// lifecycle state. Registration is the fallback authorization path: when a
// submission carries no valid sponsor signature, an ACTIVE on-chain
// registration by the sponsor authorizes the claim instead.
package registration

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/compact-allocator/interfaces"
)

// Status is the lifecycle state of an on-chain compact registration.
type Status int

const (
	// StatusNotFound means no registration exists for the claim hash.
	StatusNotFound Status = iota
	// StatusPending means the registration is not yet past the chain's
	// finalization threshold.
	StatusPending
	// StatusActive means the registration is finalized, unclaimed and not
	// expired.
	StatusActive
	// StatusExpired means the registration is finalized and unclaimed but
	// the compact's expiration has passed the finalization threshold.
	StatusExpired
	// StatusClaimPending means a claim against the registration exists but
	// is not yet finalized.
	StatusClaimPending
	// StatusClaimed means a claim against the registration is finalized.
	StatusClaimed
)

// String returns the status name used in rejection messages.
func (s Status) String() string {
	switch s {
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusExpired:
		return "EXPIRED"
	case StatusClaimPending:
		return "CLAIM_PENDING"
	case StatusClaimed:
		return "CLAIMED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the oracle's answer for one claim hash. It is derived fresh on
// every query and never persisted.
type Result struct {
	Status Status

	// Sponsor is the address that registered the compact, only meaningful
	// when a registration exists.
	Sponsor common.Address

	// TimeUntilFinalized is the seconds remaining until the registration
	// finalizes, set for StatusPending.
	TimeUntilFinalized uint64

	// TimeUntilClaimFinalized is the seconds remaining until the claim
	// finalizes, set for StatusClaimPending.
	TimeUntilClaimFinalized uint64
}

// Oracle evaluates registration lifecycle states using chain-specific
// finalization thresholds.
type Oracle struct {
	indexer interfaces.Indexer
	config  interfaces.ChainConfigProvider

	// Now returns the current unix time; replaceable in tests.
	Now func() uint64
}

// New creates an oracle backed by the given indexer and chain config.
func New(indexer interfaces.Indexer, config interfaces.ChainConfigProvider) *Oracle {
	return &Oracle{
		indexer: indexer,
		config:  config,
		Now:     func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// Check classifies the registration for a claim hash. The compact's own
// expiration bounds the ACTIVE window. A query failure propagates as an
// error; it is never folded into StatusNotFound.
func (o *Oracle) Check(ctx context.Context, chainID uint64, claimHash common.Hash, expires *big.Int) (*Result, error) {
	rec, err := o.indexer.Registration(ctx, chainID, claimHash)
	if err != nil {
		return nil, fmt.Errorf("onchain registration query failed: %w", err)
	}
	if rec == nil {
		return &Result{Status: StatusNotFound}, nil
	}
	return Classify(rec, expires, o.config.FinalizationThreshold(chainID), o.Now()), nil
}

// Classify derives the lifecycle state of a registration record.
// Precedence: registration finality first, then claim state, then expiry,
// else active.
func Classify(rec *interfaces.RegistrationRecord, expires *big.Int, finalizationThreshold, now uint64) *Result {
	res := &Result{Sponsor: rec.Sponsor}

	if now < rec.RegisteredAt+finalizationThreshold {
		res.Status = StatusPending
		res.TimeUntilFinalized = rec.RegisteredAt + finalizationThreshold - now
		return res
	}

	if rec.ClaimedAt != nil {
		if now < *rec.ClaimedAt+finalizationThreshold {
			res.Status = StatusClaimPending
			res.TimeUntilClaimFinalized = *rec.ClaimedAt + finalizationThreshold - now
		} else {
			res.Status = StatusClaimed
		}
		return res
	}

	cutoff := new(big.Int).Add(expires, new(big.Int).SetUint64(finalizationThreshold))
	if new(big.Int).SetUint64(now).Cmp(cutoff) > 0 {
		res.Status = StatusExpired
		return res
	}

	res.Status = StatusActive
	return res
}
