// Package allocator implements the allocation authorization engine: the
// pipeline that turns an untrusted claim submission into an accepted,
// uniquely-numbered, co-signed attestation, or rejects it with a precise
// reason.
//
// The validation pipeline runs ordered, short-circuiting stages (structure,
// nonce, expiration, lock domain, balance); the orchestrator wraps those
// stages plus the dual authorization path (sponsor signature, or an ACTIVE
// onchain registration as fallback), allocator co-signing and durable
// persistence into one all-or-nothing store transaction per submission.
package allocator
