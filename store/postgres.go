package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruteri/compact-allocator/interfaces"
)

// Expected schema (bootstrap is handled by deployment tooling):
//
//	CREATE TABLE compacts (
//	    chain_id            BIGINT      NOT NULL,
//	    claim_hash          BYTEA       NOT NULL CHECK (octet_length(claim_hash) = 32),
//	    arbiter             BYTEA       NOT NULL CHECK (octet_length(arbiter) = 20),
//	    sponsor             BYTEA       NOT NULL CHECK (octet_length(sponsor) = 20),
//	    nonce               BYTEA       NOT NULL CHECK (octet_length(nonce) = 32),
//	    expires             BYTEA       NOT NULL CHECK (octet_length(expires) = 32),
//	    lock_id             BYTEA       NOT NULL CHECK (octet_length(lock_id) = 32),
//	    amount              BYTEA       NOT NULL CHECK (octet_length(amount) = 32),
//	    witness_type_string TEXT,
//	    witness_hash        BYTEA       CHECK (witness_hash IS NULL OR octet_length(witness_hash) = 32),
//	    signature           BYTEA       NOT NULL,
//	    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (chain_id, claim_hash)
//	);
//	CREATE INDEX compacts_sponsor_lock ON compacts (chain_id, sponsor, lock_id);
//
//	CREATE TABLE nonces (
//	    chain_id      BIGINT NOT NULL,
//	    sponsor       BYTEA  NOT NULL CHECK (octet_length(sponsor) = 20),
//	    fragment_high BIGINT NOT NULL,
//	    fragment_low  BIGINT NOT NULL,
//	    PRIMARY KEY (chain_id, sponsor, fragment_high, fragment_low)
//	);

var (
	// ErrCompactExists is returned when inserting a compact whose
	// (chainID, claimHash) is already in the ledger.
	ErrCompactExists = errors.New("compact already stored for this chain and claim hash")

	// ErrNonceConsumed is returned when consuming a fragment that is
	// already consumed.
	ErrNonceConsumed = errors.New("nonce fragment already consumed")
)

// querier is the part of pgxpool.Pool and pgx.Tx the readers need.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the pgx-backed allocation ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
	reader
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, reader: reader{q: pool}}
}

// InTransaction runs fn inside one transaction, serialized per sponsor via
// a transaction-scoped advisory lock. Any error rolls everything back.
func (s *PostgresStore) InTransaction(ctx context.Context, sponsor common.Address, fn func(tx interfaces.StoreTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes the balance-check-then-insert sequence for one sponsor.
	// The lock is released automatically at commit or rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sponsorLockKey(sponsor)); err != nil {
		return fmt.Errorf("could not acquire sponsor lock: %w", err)
	}

	if err := fn(&pgTx{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// sponsorLockKey folds a sponsor address into the advisory-lock keyspace.
func sponsorLockKey(sponsor common.Address) int64 {
	return int64(binary.BigEndian.Uint64(sponsor[:8]))
}

type pgTx struct {
	reader
	tx pgx.Tx
}

func (t *pgTx) InsertCompact(ctx context.Context, rec *interfaces.StoredCompact) error {
	var witnessType *string
	if rec.WitnessTypeString != "" {
		witnessType = &rec.WitnessTypeString
	}
	var witnessHash []byte
	if rec.WitnessHash != nil {
		witnessHash = rec.WitnessHash.Bytes()
	}

	_, err := t.tx.Exec(ctx, `
INSERT INTO compacts (chain_id, claim_hash, arbiter, sponsor, nonce, expires, lock_id, amount, witness_type_string, witness_hash, signature, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		int64(rec.ChainID), rec.ClaimHash.Bytes(), rec.Arbiter.Bytes(), rec.Sponsor.Bytes(),
		bigToBytes32(rec.Nonce), bigToBytes32(rec.Expires), bigToBytes32(rec.LockID), bigToBytes32(rec.Amount),
		witnessType, witnessHash, rec.Signature, rec.CreatedAt)
	if isUniqueViolation(err) {
		return ErrCompactExists
	}
	if err != nil {
		return fmt.Errorf("could not insert compact: %w", err)
	}
	return nil
}

func (t *pgTx) ConsumeNonce(ctx context.Context, chainID uint64, sponsor common.Address, fragment interfaces.NonceFragment) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO nonces (chain_id, sponsor, fragment_high, fragment_low)
VALUES ($1, $2, $3, $4)`,
		int64(chainID), sponsor.Bytes(), int64(fragment.High), int64(fragment.Low))
	if isUniqueViolation(err) {
		return ErrNonceConsumed
	}
	if err != nil {
		return fmt.Errorf("could not consume nonce: %w", err)
	}
	return nil
}

type reader struct {
	q querier
}

func (r reader) ConsumedFragments(ctx context.Context, chainID uint64, sponsor common.Address) ([]interfaces.NonceFragment, error) {
	rows, err := r.q.Query(ctx, `
SELECT fragment_high, fragment_low FROM nonces
WHERE chain_id = $1 AND sponsor = $2
ORDER BY fragment_high, fragment_low`,
		int64(chainID), sponsor.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.NonceFragment
	for rows.Next() {
		var high, low int64
		if err := rows.Scan(&high, &low); err != nil {
			return nil, err
		}
		out = append(out, interfaces.NonceFragment{High: uint64(high), Low: uint32(low)})
	}
	return out, rows.Err()
}

func (r reader) NonceUsed(ctx context.Context, chainID uint64, sponsor common.Address, fragment interfaces.NonceFragment) (bool, error) {
	var used bool
	err := r.q.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM nonces
    WHERE chain_id = $1 AND sponsor = $2 AND fragment_high = $3 AND fragment_low = $4
)`,
		int64(chainID), sponsor.Bytes(), int64(fragment.High), int64(fragment.Low)).Scan(&used)
	if err != nil {
		return false, err
	}
	return used, nil
}

func (r reader) CompactsByLock(ctx context.Context, chainID uint64, sponsor common.Address, lockID *big.Int) ([]interfaces.StoredCompact, error) {
	rows, err := r.q.Query(ctx, `
SELECT claim_hash, arbiter, nonce, expires, amount, witness_type_string, witness_hash, signature, created_at
FROM compacts
WHERE chain_id = $1 AND sponsor = $2 AND lock_id = $3`,
		int64(chainID), sponsor.Bytes(), bigToBytes32(lockID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []interfaces.StoredCompact
	for rows.Next() {
		var (
			claimHash, arbiter, nonceBytes, expires, amount []byte
			witnessType                                     *string
			witnessHash, signature                          []byte
			createdAt                                       time.Time
		)
		if err := rows.Scan(&claimHash, &arbiter, &nonceBytes, &expires, &amount, &witnessType, &witnessHash, &signature, &createdAt); err != nil {
			return nil, err
		}

		rec := interfaces.StoredCompact{
			ChainID:   chainID,
			ClaimHash: common.BytesToHash(claimHash),
			Arbiter:   common.BytesToAddress(arbiter),
			Sponsor:   sponsor,
			Nonce:     new(big.Int).SetBytes(nonceBytes),
			Expires:   new(big.Int).SetBytes(expires),
			LockID:    new(big.Int).Set(lockID),
			Amount:    new(big.Int).SetBytes(amount),
			Signature: signature,
			CreatedAt: createdAt,
		}
		if witnessType != nil {
			rec.WitnessTypeString = *witnessType
		}
		if len(witnessHash) == 32 {
			h := common.BytesToHash(witnessHash)
			rec.WitnessHash = &h
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func bigToBytes32(n *big.Int) []byte {
	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
