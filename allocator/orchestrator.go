package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ruteri/compact-allocator/balance"
	"github.com/ruteri/compact-allocator/codec"
	"github.com/ruteri/compact-allocator/compact"
	"github.com/ruteri/compact-allocator/interfaces"
	"github.com/ruteri/compact-allocator/metrics"
	"github.com/ruteri/compact-allocator/nonce"
	"github.com/ruteri/compact-allocator/registration"
)

// ErrNoAuthorization is the terminal rejection when neither the sponsor
// signature nor an onchain registration authorized a claim.
var ErrNoAuthorization = errors.New("Invalid sponsor signature and no valid onchain registration found")

// ErrSponsorMismatch is returned when the compact's sponsor field differs
// from the authenticated sponsor address.
var ErrSponsorMismatch = errors.New("Compact sponsor does not match authenticated sponsor")

// SubmissionResult is returned for an accepted compact.
type SubmissionResult struct {
	Hash      common.Hash `json:"hash"`
	Signature string      `json:"signature"`
	Nonce     string      `json:"nonce"`
}

// Orchestrator wraps validation, authorization, co-signing and durable
// persistence of one compact submission into a single atomic unit.
type Orchestrator struct {
	store    interfaces.Store
	indexer  interfaces.Indexer
	config   interfaces.ChainConfigProvider
	signer   *compact.Signer
	oracle   *registration.Oracle
	pipeline *Pipeline
	log      *slog.Logger

	// Now returns the current unix time; replaceable in tests.
	Now func() uint64
}

// NewOrchestrator wires the submission orchestrator.
func NewOrchestrator(store interfaces.Store, idx interfaces.Indexer, config interfaces.ChainConfigProvider, signer *compact.Signer, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		indexer: idx,
		config:  config,
		signer:  signer,
		log:     log,
		Now:     func() uint64 { return uint64(time.Now().Unix()) },
	}
	o.oracle = registration.New(idx, config)
	o.oracle.Now = func() uint64 { return o.Now() }
	o.pipeline = NewPipeline(idx, config, func() uint64 { return o.Now() })
	return o
}

// SubmitCompact turns an untrusted claim submission into an accepted,
// co-signed attestation or a precise rejection.
//
// Validation reads (nonce consumption, stored allocations) and writes
// (compact insert, nonce consumption) run inside one store transaction
// serialized per sponsor, so no partial state is ever observable and two
// concurrent submissions cannot jointly over-allocate. Indexer and oracle
// queries are read-only external calls; their failure rejects the
// submission and rolls everything back.
func (o *Orchestrator) SubmitCompact(ctx context.Context, chainID string, c *compact.Compact, sponsor string, sponsorSignature *string) (*SubmissionResult, error) {
	chain, vc, err := o.pipeline.ValidateStructure(chainID, c)
	if err != nil {
		metrics.SubmissionsRejected.Inc()
		return nil, err
	}

	sponsorAddr, err := codec.ParseAddress(sponsor, "sponsor")
	if err != nil {
		metrics.SubmissionsRejected.Inc()
		return nil, err
	}
	if sponsorAddr != vc.Sponsor {
		metrics.SubmissionsRejected.Inc()
		return nil, ErrSponsorMismatch
	}

	var result *SubmissionResult
	err = o.store.InTransaction(ctx, vc.Sponsor, func(tx interfaces.StoreTx) error {
		if vc.Nonce == nil {
			generated, err := nonce.Generate(ctx, tx, chain, vc.Sponsor)
			if err != nil {
				return err
			}
			vc.Nonce = generated
		}

		if err := o.pipeline.Validate(ctx, tx, chain, vc); err != nil {
			return err
		}

		claimHash, digest, err := compact.Digest(chain, vc)
		if err != nil {
			return fmt.Errorf("could not derive claim digest: %w", err)
		}

		outcome, err := o.authorize(ctx, chain, digest, claimHash, vc, sponsorSignature)
		if err != nil {
			return err
		}
		if !outcome.Authorized() {
			return errors.New(outcome.Reason)
		}

		signature, err := o.signer.SignDigest(digest)
		if err != nil {
			return fmt.Errorf("could not co-sign digest: %w", err)
		}

		rec := &interfaces.StoredCompact{
			ChainID:           chain,
			ClaimHash:         claimHash,
			Arbiter:           vc.Arbiter,
			Sponsor:           vc.Sponsor,
			Nonce:             vc.Nonce,
			Expires:           vc.Expires,
			LockID:            vc.ID,
			Amount:            vc.Amount,
			WitnessTypeString: vc.WitnessTypeString,
			WitnessHash:       vc.WitnessHash,
			Signature:         signature,
			CreatedAt:         time.Unix(int64(o.Now()), 0).UTC(),
		}
		if err := tx.InsertCompact(ctx, rec); err != nil {
			return err
		}
		if err := nonce.Consume(ctx, tx, chain, vc.Sponsor, vc.Nonce); err != nil {
			return err
		}

		result = &SubmissionResult{
			Hash:      claimHash,
			Signature: hexutil.Encode(signature),
			Nonce:     vc.Nonce.String(),
		}
		return nil
	})
	if err != nil {
		metrics.SubmissionsRejected.Inc()
		return nil, err
	}

	metrics.SubmissionsAccepted.Inc()
	o.log.Info("Compact accepted",
		"chainId", chain,
		"sponsor", vc.Sponsor.Hex(),
		"hash", result.Hash.Hex(),
		"nonce", result.Nonce,
	)
	return result, nil
}

// authorize runs the dual authorization path: the sponsor's signature over
// the digest first, then the onchain registration oracle. The outcome is a
// tagged variant; only dependency failures surface as errors.
func (o *Orchestrator) authorize(ctx context.Context, chainID uint64, digest, claimHash common.Hash, vc *compact.ValidatedCompact, sponsorSignature *string) (AuthorizationOutcome, error) {
	if sponsorSignature != nil && *sponsorSignature != "" {
		sig, err := hexutil.Decode(*sponsorSignature)
		if err == nil {
			recovered, err := compact.RecoverSigner(digest, sig)
			if err == nil && recovered == vc.Sponsor {
				return AuthorizationOutcome{Kind: AuthorizationSignature}, nil
			}
		}
		// Fall through to the onchain registration path.
	}

	res, err := o.oracle.Check(ctx, chainID, claimHash, vc.Expires)
	if err != nil {
		return AuthorizationOutcome{}, err
	}

	switch res.Status {
	case registration.StatusActive:
		if res.Sponsor != vc.Sponsor {
			return AuthorizationOutcome{Reason: "Onchain registration sponsor does not match"}, nil
		}
		return AuthorizationOutcome{Kind: AuthorizationOnchain}, nil
	case registration.StatusPending:
		return AuthorizationOutcome{Reason: fmt.Sprintf("Onchain registration is pending finalization (%d seconds remaining)", res.TimeUntilFinalized)}, nil
	case registration.StatusExpired:
		return AuthorizationOutcome{Reason: "Onchain registration has expired"}, nil
	case registration.StatusClaimPending:
		return AuthorizationOutcome{Reason: fmt.Sprintf("Onchain registration has a pending claim (%d seconds until finalized)", res.TimeUntilClaimFinalized)}, nil
	case registration.StatusClaimed:
		return AuthorizationOutcome{Reason: "Onchain registration has already been claimed"}, nil
	default:
		return AuthorizationOutcome{Reason: ErrNoAuthorization.Error()}, nil
	}
}

// SuggestedNonce returns the nonce the allocator would assign next for the
// sponsor on a chain. The suggestion is idempotent until a fragment is
// consumed.
func (o *Orchestrator) SuggestedNonce(ctx context.Context, chainID string, sponsor string) (*big.Int, error) {
	chain, err := codec.ParseChainID(chainID)
	if err != nil {
		return nil, err
	}
	sponsorAddr, err := codec.ParseAddress(sponsor, "sponsor")
	if err != nil {
		return nil, err
	}
	return nonce.Generate(ctx, o.store, chain, sponsorAddr)
}

// GetBalance reconciles the balance picture for one (chain, lock, sponsor).
func (o *Orchestrator) GetBalance(ctx context.Context, chainID string, lockID string, sponsor string) (*balance.Summary, error) {
	chain, err := codec.ParseChainID(chainID)
	if err != nil {
		return nil, err
	}
	sponsorAddr, err := codec.ParseAddress(sponsor, "sponsor")
	if err != nil {
		return nil, err
	}
	lock, err := codec.ToPositiveBigInt(lockID, "lock ID")
	if err != nil {
		return nil, err
	}

	state, err := o.indexer.ResourceLock(ctx, chain, sponsorAddr, lock)
	if err != nil {
		return nil, fmt.Errorf("could not fetch resource lock state: %w", err)
	}
	finalized, err := o.indexer.FinalizedClaimHashes(ctx, chain, sponsorAddr)
	if err != nil {
		return nil, fmt.Errorf("could not fetch finalized claims: %w", err)
	}
	stored, err := o.store.CompactsByLock(ctx, chain, sponsorAddr, lock)
	if err != nil {
		return nil, fmt.Errorf("could not load stored compacts: %w", err)
	}

	return balance.Compute(balance.Params{
		State:                 state,
		Compacts:              stored,
		FinalizedClaimHashes:  finalized,
		FinalizationThreshold: o.config.FinalizationThreshold(chain),
		Now:                   o.Now(),
	}), nil
}
