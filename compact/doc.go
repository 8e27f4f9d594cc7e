// Package compact defines the claim data model and the digest pipeline that
// turns a validated compact into the byte-exact EIP-712 digest both parties
// sign.
//
// A compact commits a slice of a sponsor's locked balance to an arbiter.
// The lock identifier packs a scope flag, a reset-period selector, the
// allocator's identifier and the token address into one 256-bit word;
// the shift and mask constants in this package are protocol-fixed.
//
// Hashing is deterministic end to end: the claim hash, domain separator and
// signing digest depend only on the compact fields and the chain ID, so a
// third party can re-derive and verify every digest this service signs.
package compact
