package allocator

// AuthorizationKind distinguishes how a submission was authorized, or that
// it was not.
type AuthorizationKind int

const (
	// AuthorizationRejected means neither the sponsor signature nor an
	// onchain registration authorized the claim.
	AuthorizationRejected AuthorizationKind = iota

	// AuthorizationSignature means the sponsor's off-chain signature over
	// the digest verified.
	AuthorizationSignature

	// AuthorizationOnchain means an ACTIVE onchain registration by the
	// sponsor authorized the claim.
	AuthorizationOnchain
)

// AuthorizationOutcome is the result of the dual authorization path:
// signature first, onchain registration as fallback, or a rejection with
// the reason callers see.
type AuthorizationOutcome struct {
	Kind   AuthorizationKind
	Reason string
}

// Authorized reports whether either path accepted the claim.
func (o AuthorizationOutcome) Authorized() bool {
	return o.Kind != AuthorizationRejected
}
