package nonce

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/compact-allocator/interfaces"
	"github.com/ruteri/compact-allocator/store"
)

var testSponsor = common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")

func consume(t *testing.T, s *store.MemStore, chainID uint64, sponsor common.Address, fragment int64) {
	t.Helper()
	err := s.InTransaction(context.Background(), sponsor, func(tx interfaces.StoreTx) error {
		return tx.ConsumeNonce(context.Background(), chainID, sponsor, interfaces.FragmentFromValue(big.NewInt(fragment)))
	})
	require.NoError(t, err, "fragment consumption should succeed")
}

func TestComposeSplit(t *testing.T) {
	n := Compose(testSponsor, big.NewInt(7))
	sponsor, fragment := Split(n)
	assert.Equal(t, testSponsor, sponsor, "high 160 bits carry the sponsor")
	assert.Equal(t, int64(7), fragment.Value().Int64(), "low 96 bits carry the fragment")

	// A fragment that spans the high/low storage split survives the trip.
	wide := new(big.Int).Lsh(big.NewInt(5), 32)
	wide.Add(wide, big.NewInt(9))
	_, fragment = Split(Compose(testSponsor, wide))
	assert.Equal(t, uint64(5), fragment.High)
	assert.Equal(t, uint32(9), fragment.Low)
}

func TestGenerateIdempotent(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	n1, err := Generate(ctx, s, 1, testSponsor)
	require.NoError(t, err)
	n2, err := Generate(ctx, s, 1, testSponsor)
	require.NoError(t, err)
	assert.Equal(t, n1, n2, "suggestion is idempotent without an intervening consumption")

	_, fragment := Split(n1)
	assert.Equal(t, int64(0), fragment.Value().Int64(), "fresh sponsor starts at fragment 0")
}

func TestGenerateGapFilling(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	consume(t, s, 1, testSponsor, 0)
	n, err := Generate(ctx, s, 1, testSponsor)
	require.NoError(t, err)
	_, fragment := Split(n)
	assert.Equal(t, int64(1), fragment.Value().Int64(), "after {0} the next fragment is 1")

	consume(t, s, 1, testSponsor, 2)
	n, err = Generate(ctx, s, 1, testSponsor)
	require.NoError(t, err)
	_, fragment = Split(n)
	assert.Equal(t, int64(1), fragment.Value().Int64(), "given {0,2} the gap at 1 is filled, not 3")

	consume(t, s, 1, testSponsor, 1)
	n, err = Generate(ctx, s, 1, testSponsor)
	require.NoError(t, err)
	_, fragment = Split(n)
	assert.Equal(t, int64(3), fragment.Value().Int64(), "with {0,1,2} consumed the sequence appends")
}

func TestGenerateNeverReuses(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	n, err := Generate(ctx, s, 1, testSponsor)
	require.NoError(t, err)
	_, fragment := Split(n)
	consume(t, s, 1, testSponsor, fragment.Value().Int64())

	next, err := Generate(ctx, s, 1, testSponsor)
	require.NoError(t, err)
	assert.NotEqual(t, n, next, "a consumed fragment is never suggested again")
}

func TestValidateSponsorMismatch(t *testing.T) {
	s := store.NewMemStore()
	other := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	n := Compose(other, big.NewInt(0))
	err := Validate(context.Background(), s, 1, testSponsor, n)
	assert.ErrorIs(t, err, ErrSponsorMismatch, "prefix of another sponsor is rejected regardless of fragment")

	err = Validate(context.Background(), s, 1, testSponsor, nil)
	assert.ErrorIs(t, err, ErrSponsorMismatch, "nil nonce cannot match")
}

func TestValidateConsumedFragment(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	n := Compose(testSponsor, big.NewInt(0))
	require.NoError(t, Validate(ctx, s, 1, testSponsor, n), "unused fragment validates")

	consume(t, s, 1, testSponsor, 0)
	err := Validate(ctx, s, 1, testSponsor, n)
	assert.ErrorIs(t, err, ErrNonceUsed)

	// Fragments are scoped per chain: the same nonce stays valid elsewhere.
	assert.NoError(t, Validate(ctx, s, 10, testSponsor, n), "same fragment on another chain is independent")
}

func TestConsumeTwiceFails(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	n := Compose(testSponsor, big.NewInt(4))

	err := s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
		return Consume(ctx, tx, 1, testSponsor, n)
	})
	require.NoError(t, err)

	err = s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
		return Consume(ctx, tx, 1, testSponsor, n)
	})
	assert.ErrorIs(t, err, store.ErrNonceConsumed, "fragments are consumed at most once, ever")
}
