// Package store persists the allocator's append-only ledger: every compact
// this service has co-signed and every nonce fragment it has consumed.
//
// The Postgres implementation keeps hashes and addresses in exact-length
// binary columns and runs each submission as one transaction holding a
// per-sponsor advisory lock, so concurrent submissions for the same sponsor
// cannot jointly over-allocate or reuse a fragment. MemStore mirrors those
// semantics in memory for tests.
package store
