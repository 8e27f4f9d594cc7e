// Package interfaces defines the shared types and component interfaces used
// throughout the allocator service.
//
// The allocator reconciles three sources of truth: its own append-only
// ledger of co-signed compacts (Store), an external indexer reporting
// on-chain balances, claims and registrations (Indexer), and a cached
// per-chain configuration snapshot (ChainConfigProvider). Keeping the
// interfaces in one place lets each component depend on the contract rather
// than on a concrete implementation, and lets tests substitute in-memory
// doubles for all three.
package interfaces
