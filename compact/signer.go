package compact

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature lengths. Full signatures are r || s || v (65 bytes, v in
// {0,1,27,28}); compact signatures are r || yParityAndS (64 bytes,
// EIP-2098).
const (
	FullSignatureLength    = 65
	CompactSignatureLength = 64
)

// ErrInvalidSignatureLength is returned for signatures that are neither
// full nor compact encoded.
var ErrInvalidSignatureLength = errors.New("signature must be 64 or 65 bytes")

// Signer holds the allocator's secp256k1 key and co-signs claim digests.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded private key, with or without 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid allocator private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the allocator's signing address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignDigest signs a 32-byte digest and returns the EIP-2098 compact
// encoding. Signing is deterministic (RFC 6979): identical digests always
// produce identical signatures.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, CompactSignatureLength)
	copy(out[:32], sig[:32])
	copy(out[32:], sig[32:64])
	if sig[64] == 1 {
		out[32] |= 0x80
	}
	return out, nil
}

// CompactSignatureToFull expands an EIP-2098 compact signature into the
// 65-byte r || s || v form with v in {0,1}.
func CompactSignatureToFull(sig []byte) ([]byte, error) {
	if len(sig) != CompactSignatureLength {
		return nil, ErrInvalidSignatureLength
	}
	out := make([]byte, FullSignatureLength)
	copy(out[:64], sig)
	out[64] = out[32] >> 7
	out[32] &= 0x7f
	return out, nil
}

// RecoverSigner recovers the address that signed a digest. It accepts both
// full (65-byte, v in {0,1,27,28}) and compact (64-byte) signatures.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	var full []byte
	switch len(sig) {
	case CompactSignatureLength:
		var err error
		full, err = CompactSignatureToFull(sig)
		if err != nil {
			return common.Address{}, err
		}
	case FullSignatureLength:
		full = make([]byte, FullSignatureLength)
		copy(full, sig)
		if full[64] >= 27 {
			full[64] -= 27
		}
	default:
		return common.Address{}, ErrInvalidSignatureLength
	}

	pub, err := crypto.SigToPub(digest[:], full)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
