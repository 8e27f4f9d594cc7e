package store

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ruteri/compact-allocator/interfaces"
)

// MemStore is an in-memory Store with the same semantics as the Postgres
// implementation: per-sponsor serialization, all-or-nothing transactions,
// duplicate-key failures. Used by tests and local development.
type MemStore struct {
	mu       sync.Mutex
	compacts map[compactKey]interfaces.StoredCompact
	nonces   map[nonceKey]struct{}
}

type compactKey struct {
	chainID   uint64
	claimHash common.Hash
}

type nonceKey struct {
	chainID  uint64
	sponsor  common.Address
	fragment interfaces.NonceFragment
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		compacts: make(map[compactKey]interfaces.StoredCompact),
		nonces:   make(map[nonceKey]struct{}),
	}
}

// InTransaction runs fn against a staged view. Writes only become visible
// if fn returns nil. The global mutex serializes all transactions, which
// subsumes the per-sponsor discipline.
func (s *MemStore) InTransaction(ctx context.Context, sponsor common.Address, fn func(tx interfaces.StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		base:     s,
		compacts: make(map[compactKey]interfaces.StoredCompact),
		nonces:   make(map[nonceKey]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for k, v := range tx.compacts {
		s.compacts[k] = v
	}
	for k := range tx.nonces {
		s.nonces[k] = struct{}{}
	}
	return nil
}

// ConsumedFragments implements interfaces.StoreReader.
func (s *MemStore) ConsumedFragments(ctx context.Context, chainID uint64, sponsor common.Address) ([]interfaces.NonceFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return consumedFragments(s.nonces, nil, chainID, sponsor), nil
}

// NonceUsed implements interfaces.StoreReader.
func (s *MemStore) NonceUsed(ctx context.Context, chainID uint64, sponsor common.Address, fragment interfaces.NonceFragment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, used := s.nonces[nonceKey{chainID, sponsor, fragment}]
	return used, nil
}

// CompactsByLock implements interfaces.StoreReader.
func (s *MemStore) CompactsByLock(ctx context.Context, chainID uint64, sponsor common.Address, lockID *big.Int) ([]interfaces.StoredCompact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return compactsByLock(s.compacts, nil, chainID, sponsor, lockID), nil
}

type memTx struct {
	base     *MemStore
	compacts map[compactKey]interfaces.StoredCompact
	nonces   map[nonceKey]struct{}
}

func (t *memTx) InsertCompact(ctx context.Context, rec *interfaces.StoredCompact) error {
	key := compactKey{rec.ChainID, rec.ClaimHash}
	if _, exists := t.base.compacts[key]; exists {
		return ErrCompactExists
	}
	if _, exists := t.compacts[key]; exists {
		return ErrCompactExists
	}
	t.compacts[key] = *rec
	return nil
}

func (t *memTx) ConsumeNonce(ctx context.Context, chainID uint64, sponsor common.Address, fragment interfaces.NonceFragment) error {
	key := nonceKey{chainID, sponsor, fragment}
	if _, exists := t.base.nonces[key]; exists {
		return ErrNonceConsumed
	}
	if _, exists := t.nonces[key]; exists {
		return ErrNonceConsumed
	}
	t.nonces[key] = struct{}{}
	return nil
}

func (t *memTx) ConsumedFragments(ctx context.Context, chainID uint64, sponsor common.Address) ([]interfaces.NonceFragment, error) {
	return consumedFragments(t.base.nonces, t.nonces, chainID, sponsor), nil
}

func (t *memTx) NonceUsed(ctx context.Context, chainID uint64, sponsor common.Address, fragment interfaces.NonceFragment) (bool, error) {
	key := nonceKey{chainID, sponsor, fragment}
	if _, used := t.base.nonces[key]; used {
		return true, nil
	}
	_, used := t.nonces[key]
	return used, nil
}

func (t *memTx) CompactsByLock(ctx context.Context, chainID uint64, sponsor common.Address, lockID *big.Int) ([]interfaces.StoredCompact, error) {
	return compactsByLock(t.base.compacts, t.compacts, chainID, sponsor, lockID), nil
}

func consumedFragments(base, staged map[nonceKey]struct{}, chainID uint64, sponsor common.Address) []interfaces.NonceFragment {
	var out []interfaces.NonceFragment
	for _, m := range []map[nonceKey]struct{}{base, staged} {
		for k := range m {
			if k.chainID == chainID && k.sponsor == sponsor {
				out = append(out, k.fragment)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Value().Cmp(out[j].Value()) < 0
	})
	return out
}

func compactsByLock(base, staged map[compactKey]interfaces.StoredCompact, chainID uint64, sponsor common.Address, lockID *big.Int) []interfaces.StoredCompact {
	var out []interfaces.StoredCompact
	for _, m := range []map[compactKey]interfaces.StoredCompact{base, staged} {
		for k, rec := range m {
			if k.chainID == chainID && rec.Sponsor == sponsor && rec.LockID.Cmp(lockID) == 0 {
				out = append(out, rec)
			}
		}
	}
	return out
}
