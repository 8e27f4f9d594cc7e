package store

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/compact-allocator/interfaces"
)

var testSponsor = common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

func testCompact(claimHash common.Hash, amount int64) *interfaces.StoredCompact {
	return &interfaces.StoredCompact{
		ChainID:   1,
		ClaimHash: claimHash,
		Arbiter:   common.HexToAddress("0x1"),
		Sponsor:   testSponsor,
		Nonce:     big.NewInt(7),
		Expires:   big.NewInt(1700000600),
		LockID:    big.NewInt(12345),
		Amount:    big.NewInt(amount),
		Signature: []byte{0x01},
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestTransactionCommit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	err := s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
		if err := tx.InsertCompact(ctx, testCompact(common.HexToHash("0x11"), 300)); err != nil {
			return err
		}
		return tx.ConsumeNonce(ctx, 1, testSponsor, interfaces.NonceFragment{})
	})
	require.NoError(t, err)

	used, err := s.NonceUsed(ctx, 1, testSponsor, interfaces.NonceFragment{})
	require.NoError(t, err)
	assert.True(t, used)

	stored, err := s.CompactsByLock(ctx, 1, testSponsor, big.NewInt(12345))
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestTransactionRollback(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	boom := errors.New("authorization failed")
	err := s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
		if err := tx.InsertCompact(ctx, testCompact(common.HexToHash("0x11"), 300)); err != nil {
			return err
		}
		if err := tx.ConsumeNonce(ctx, 1, testSponsor, interfaces.NonceFragment{}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	used, err := s.NonceUsed(ctx, 1, testSponsor, interfaces.NonceFragment{})
	require.NoError(t, err)
	assert.False(t, used, "failed transaction leaves no trace")

	stored, err := s.CompactsByLock(ctx, 1, testSponsor, big.NewInt(12345))
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestTransactionReadsSeeStagedWrites(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	err := s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
		require.NoError(t, tx.ConsumeNonce(ctx, 1, testSponsor, interfaces.NonceFragment{}))

		used, err := tx.NonceUsed(ctx, 1, testSponsor, interfaces.NonceFragment{})
		require.NoError(t, err)
		assert.True(t, used, "staged consumption is visible inside the transaction")

		fragments, err := tx.ConsumedFragments(ctx, 1, testSponsor)
		require.NoError(t, err)
		assert.Len(t, fragments, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestDuplicateCompact(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	insert := func() error {
		return s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
			return tx.InsertCompact(ctx, testCompact(common.HexToHash("0x11"), 300))
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), ErrCompactExists)
}

func TestDuplicateNonce(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	consume := func() error {
		return s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
			return tx.ConsumeNonce(ctx, 1, testSponsor, interfaces.NonceFragment{High: 0, Low: 3})
		})
	}
	require.NoError(t, consume())
	assert.ErrorIs(t, consume(), ErrNonceConsumed)
}

func TestConsumedFragmentsOrdering(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	for _, f := range []interfaces.NonceFragment{{Low: 5}, {Low: 0}, {High: 1}, {Low: 2}} {
		fragment := f
		err := s.InTransaction(ctx, testSponsor, func(tx interfaces.StoreTx) error {
			return tx.ConsumeNonce(ctx, 1, testSponsor, fragment)
		})
		require.NoError(t, err)
	}

	fragments, err := s.ConsumedFragments(ctx, 1, testSponsor)
	require.NoError(t, err)
	require.Len(t, fragments, 4)
	assert.Equal(t, interfaces.NonceFragment{Low: 0}, fragments[0])
	assert.Equal(t, interfaces.NonceFragment{Low: 2}, fragments[1])
	assert.Equal(t, interfaces.NonceFragment{Low: 5}, fragments[2])
	assert.Equal(t, interfaces.NonceFragment{High: 1}, fragments[3], "high word dominates ordering")
}
