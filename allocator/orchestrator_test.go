package allocator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/compact-allocator/balance"
	"github.com/ruteri/compact-allocator/compact"
	"github.com/ruteri/compact-allocator/interfaces"
	"github.com/ruteri/compact-allocator/nonce"
	"github.com/ruteri/compact-allocator/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	testNow          = uint64(1700000000)
	testAllocatorKey = "289c2857d4598e37fb9647507e47a309d6133539bf21a8b9cb6df88fd5232032"
	testSponsorKey   = "8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f"
)

type fakeIndexer struct {
	state        *interfaces.ResourceLockState
	stateErr     error
	finalized    []common.Hash
	registration *interfaces.RegistrationRecord
	regErr       error
}

func (f *fakeIndexer) ResourceLock(ctx context.Context, chainID uint64, sponsor common.Address, lockID *big.Int) (*interfaces.ResourceLockState, error) {
	return f.state, f.stateErr
}

func (f *fakeIndexer) FinalizedClaimHashes(ctx context.Context, chainID uint64, sponsor common.Address) ([]common.Hash, error) {
	return f.finalized, nil
}

func (f *fakeIndexer) Registration(ctx context.Context, chainID uint64, claimHash common.Hash) (*interfaces.RegistrationRecord, error) {
	return f.registration, f.regErr
}

func (f *fakeIndexer) SupportedChains(ctx context.Context, allocator common.Address) ([]interfaces.ChainMetadata, error) {
	return nil, nil
}

type fakeConfig struct {
	chains map[uint64]interfaces.ChainMetadata
}

func (f *fakeConfig) Chain(chainID uint64) (interfaces.ChainMetadata, bool) {
	meta, ok := f.chains[chainID]
	return meta, ok
}

func (f *fakeConfig) FinalizationThreshold(chainID uint64) uint64 {
	if meta, ok := f.chains[chainID]; ok {
		return meta.FinalizationThresholdSeconds
	}
	return 25
}

type fixture struct {
	orchestrator *Orchestrator
	store        *store.MemStore
	indexer      *fakeIndexer
	signer       *compact.Signer
	sponsor      *compact.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := compact.NewSigner(testAllocatorKey)
	require.NoError(t, err)
	sponsor, err := compact.NewSigner(testSponsorKey)
	require.NoError(t, err)

	idx := &fakeIndexer{
		state: &interfaces.ResourceLockState{
			Balance:         big.NewInt(1000),
			PendingDeposits: big.NewInt(0),
		},
	}
	cfg := &fakeConfig{chains: map[uint64]interfaces.ChainMetadata{
		1: {ChainID: 1, AllocatorID: big.NewInt(42), FinalizationThresholdSeconds: 25},
	}}
	memStore := store.NewMemStore()

	o := NewOrchestrator(memStore, idx, cfg, signer, testLogger())
	o.Now = func() uint64 { return testNow }

	return &fixture{orchestrator: o, store: memStore, indexer: idx, signer: signer, sponsor: sponsor}
}

// testLockID packs allocator id 42 with the thirty-day reset period.
func testLockID(resetIdx uint) string {
	id := new(big.Int).Lsh(big.NewInt(int64(resetIdx)), compact.ResetPeriodShift)
	id.Or(id, new(big.Int).Lsh(big.NewInt(42), compact.AllocatorIDShift))
	id.Or(id, big.NewInt(0xbeef))
	return id.String()
}

func (f *fixture) wireCompact(expires uint64) *compact.Compact {
	return &compact.Compact{
		Arbiter: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		Sponsor: f.sponsor.Address().Hex(),
		Expires: fmt.Sprintf("%d", expires),
		ID:      testLockID(7),
		Amount:  "300",
	}
}

// sponsorSign computes the sponsor's signature over the compact's digest.
func (f *fixture) sponsorSign(t *testing.T, c *compact.Compact) *string {
	t.Helper()
	vc, err := compact.Validate(c)
	require.NoError(t, err)
	if vc.Nonce == nil {
		vc.Nonce = nonce.Compose(f.sponsor.Address(), big.NewInt(0))
		nonceStr := vc.Nonce.String()
		c.Nonce = &nonceStr
	}
	_, digest, err := compact.Digest(1, vc)
	require.NoError(t, err)
	sig, err := f.sponsor.SignDigest(digest)
	require.NoError(t, err)
	encoded := hexutil.Encode(sig)
	return &encoded
}

func TestSubmitCompactWithSignature(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	sig := f.sponsorSign(t, c)

	result, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	require.NoError(t, err, "valid signed submission should be accepted")
	assert.NotEqual(t, common.Hash{}, result.Hash)
	assert.Equal(t, nonce.Compose(f.sponsor.Address(), big.NewInt(0)).String(), result.Nonce)

	// The co-signature recovers the allocator's address from the digest.
	vc, err := compact.Validate(c)
	require.NoError(t, err)
	claimHash, digest, err := compact.Digest(1, vc)
	require.NoError(t, err)
	assert.Equal(t, claimHash, result.Hash, "returned hash is the independently re-derivable claim hash")

	sigBytes, err := hexutil.Decode(result.Signature)
	require.NoError(t, err)
	recovered, err := compact.RecoverSigner(digest, sigBytes)
	require.NoError(t, err)
	assert.Equal(t, f.signer.Address(), recovered)

	// The nonce fragment was consumed atomically with the insert.
	used, err := f.store.NonceUsed(context.Background(), 1, f.sponsor.Address(), interfaces.NonceFragment{})
	require.NoError(t, err)
	assert.True(t, used)
}

func TestSubmitCompactGeneratesNonce(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	sig := f.sponsorSign(t, c) // sets nonce 0 and signs it
	c.Nonce = nil

	result, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	require.NoError(t, err)
	expected := nonce.Compose(f.sponsor.Address(), big.NewInt(0))
	assert.Equal(t, expected.String(), result.Nonce, "first generated fragment is 0")
}

func TestSubmitCompactNonceReuse(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	sig := f.sponsorSign(t, c)

	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	require.NoError(t, err)

	// Same nonce again: amount differs so the claim hash differs, but the
	// fragment is spent.
	c2 := f.wireCompact(testNow + 600)
	c2.Nonce = c.Nonce
	c2.Amount = "100"
	sig2 := f.sponsorSign(t, c2)
	_, err = f.orchestrator.SubmitCompact(context.Background(), "1", c2, c2.Sponsor, sig2)
	assert.ErrorIs(t, err, nonce.ErrNonceUsed)
}

func TestSubmitCompactExpirationBoundaries(t *testing.T) {
	f := newFixture(t)

	// expires == now is invalid (exclusive lower bound).
	c := f.wireCompact(testNow)
	sig := f.sponsorSign(t, c)
	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	assert.ErrorIs(t, err, ErrExpired)

	// expires == now + 7200 is valid (inclusive upper bound).
	c = f.wireCompact(testNow + 7200)
	sig = f.sponsorSign(t, c)
	_, err = f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	assert.NoError(t, err)

	// expires == now + 7201 is out of window. Fragment 0 was consumed by
	// the accepted submission, so this one carries fragment 1.
	c = f.wireCompact(testNow + 7201)
	next := nonce.Compose(f.sponsor.Address(), big.NewInt(1)).String()
	c.Nonce = &next
	sig = f.sponsorSign(t, c)
	_, err = f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	assert.ErrorIs(t, err, ErrExpirationTooFar)
}

func TestSubmitCompactResetPeriodConflict(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	c.ID = testLockID(0) // one second reset period, compact lives 600s
	sig := f.sponsorSign(t, c)

	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	assert.ErrorIs(t, err, ErrResetPeriodConflict)
}

func TestSubmitCompactAllocatorIDMismatch(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	sig := f.sponsorSign(t, c)

	_, err := f.orchestrator.SubmitCompact(context.Background(), "999", c, c.Sponsor, sig)
	assert.ErrorIs(t, err, balance.ErrInvalidAllocatorID, "unregistered chain is an allocator id failure")
}

func TestSubmitCompactForcedWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.indexer.state.WithdrawalStatus = 1

	c := f.wireCompact(testNow + 600)
	sig := f.sponsorSign(t, c)
	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	assert.ErrorIs(t, err, balance.ErrForcedWithdrawal)
}

func TestSubmitCompactInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	c.Amount = "1001"
	sig := f.sponsorSign(t, c)

	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	require.Error(t, err)
	assert.Equal(t, "Insufficient allocatable balance (have 1000, need 1001)", err.Error())
}

func TestSubmitCompactOverAllocationAcrossSubmissions(t *testing.T) {
	f := newFixture(t)

	c := f.wireCompact(testNow + 600)
	c.Amount = "700"
	sig := f.sponsorSign(t, c)
	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	require.NoError(t, err)

	// The second compact sees the first one's reservation.
	c2 := f.wireCompact(testNow + 600)
	c2.Amount = "400"
	next := nonce.Compose(f.sponsor.Address(), big.NewInt(1)).String()
	c2.Nonce = &next
	sig2 := f.sponsorSign(t, c2)
	_, err = f.orchestrator.SubmitCompact(context.Background(), "1", c2, c2.Sponsor, sig2)
	require.Error(t, err)
	assert.Equal(t, "Insufficient allocatable balance (have 1000, need 1100)", err.Error())
}

func TestSubmitCompactNoAuthorization(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)

	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNoAuthorization.Error(), err.Error())
}

func TestSubmitCompactOnchainFallback(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	f.indexer.registration = &interfaces.RegistrationRecord{
		Sponsor:      f.sponsor.Address(),
		RegisteredAt: testNow - 100,
	}

	result, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, nil)
	require.NoError(t, err, "ACTIVE onchain registration authorizes without a signature")
	assert.NotEmpty(t, result.Signature)
}

func TestSubmitCompactOnchainPending(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	f.indexer.registration = &interfaces.RegistrationRecord{
		Sponsor:      f.sponsor.Address(),
		RegisteredAt: testNow - 5,
	}

	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, nil)
	require.Error(t, err)
	assert.Equal(t, "Onchain registration is pending finalization (20 seconds remaining)", err.Error())
}

func TestSubmitCompactOnchainSponsorMismatch(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	f.indexer.registration = &interfaces.RegistrationRecord{
		Sponsor:      common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"),
		RegisteredAt: testNow - 100,
	}

	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, nil)
	require.Error(t, err)
	assert.Equal(t, "Onchain registration sponsor does not match", err.Error())
}

func TestSubmitCompactBadSignatureFallsThrough(t *testing.T) {
	// An unparseable or wrong-signer signature falls through to the
	// registration path rather than failing outright.
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	f.indexer.registration = &interfaces.RegistrationRecord{
		Sponsor:      f.sponsor.Address(),
		RegisteredAt: testNow - 100,
	}

	bad := "0xdeadbeef"
	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, &bad)
	assert.NoError(t, err, "onchain registration rescues an invalid signature")
}

func TestSubmitCompactSponsorParamMismatch(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	sig := f.sponsorSign(t, c)

	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", sig)
	assert.ErrorIs(t, err, ErrSponsorMismatch)
}

func TestSubmitCompactRollbackOnFailure(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	_, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, nil)
	require.Error(t, err, "unauthorized submission fails")

	// The rejected submission consumed nothing: the nonce suggestion is
	// still fragment 0 and no compact was stored.
	n, err := f.orchestrator.SuggestedNonce(context.Background(), "1", c.Sponsor)
	require.NoError(t, err)
	assert.Equal(t, nonce.Compose(f.sponsor.Address(), big.NewInt(0)).String(), n.String())

	sum, err := f.orchestrator.GetBalance(context.Background(), "1", testLockID(7), c.Sponsor)
	require.NoError(t, err)
	assert.Equal(t, "0", sum.AllocatedBalance.String(), "no partial writes observable")
}

func TestGetBalanceReflectsStoredCompacts(t *testing.T) {
	f := newFixture(t)
	c := f.wireCompact(testNow + 600)
	sig := f.sponsorSign(t, c)
	result, err := f.orchestrator.SubmitCompact(context.Background(), "1", c, c.Sponsor, sig)
	require.NoError(t, err)

	sum, err := f.orchestrator.GetBalance(context.Background(), "1", testLockID(7), c.Sponsor)
	require.NoError(t, err)
	assert.Equal(t, "1000", sum.AllocatableBalance.String())
	assert.Equal(t, "300", sum.AllocatedBalance.String())
	assert.Equal(t, "700", sum.AvailableBalance.String())

	// Once the indexer reports the claim finalized it stops counting.
	f.indexer.finalized = []common.Hash{result.Hash}
	sum, err = f.orchestrator.GetBalance(context.Background(), "1", testLockID(7), c.Sponsor)
	require.NoError(t, err)
	assert.Equal(t, "0", sum.AllocatedBalance.String())
	assert.Equal(t, "1000", sum.AvailableBalance.String())
}

func TestSuggestedNonceIdempotent(t *testing.T) {
	f := newFixture(t)
	sponsor := f.sponsor.Address().Hex()

	n1, err := f.orchestrator.SuggestedNonce(context.Background(), "1", sponsor)
	require.NoError(t, err)
	n2, err := f.orchestrator.SuggestedNonce(context.Background(), "1", sponsor)
	require.NoError(t, err)
	assert.Equal(t, n1.String(), n2.String())
}
