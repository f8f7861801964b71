// Package fhe defines the privacy-provider capability the venue consumes:
// opaque ciphertext handles, homomorphic arithmetic, per-handle decrypt ACLs,
// and asynchronous batch decryption with proof-carrying callbacks.
//
// The venue never sees plaintext through this interface during normal
// operation. Decryption is requested out-of-band and resumes the engine via a
// separate callback entry point, which may arrive late or never.
package fhe

import "context"

// Handle is an opaque reference to an encrypted value. It carries no
// plaintext; only the provider can resolve it, and only for principals on the
// handle's ACL.
type Handle string

// Zero is the empty handle.
const Zero Handle = ""

// Provider is the homomorphic encryption capability contract. Implementations
// wrap a concrete scheme; the engine is independent of which one.
type Provider interface {
	// Encrypt encrypts a plaintext value and returns a fresh handle.
	Encrypt(ctx context.Context, value uint64) (Handle, error)

	// Add, Sub and Mul combine two ciphertexts homomorphically. Sub wraps on
	// underflow, matching unsigned modular arithmetic.
	Add(ctx context.Context, a, b Handle) (Handle, error)
	Sub(ctx context.Context, a, b Handle) (Handle, error)
	Mul(ctx context.Context, a, b Handle) (Handle, error)

	// Ge, Le and Eq compare two ciphertexts and return an encrypted boolean
	// (a handle whose plaintext is 0 or 1).
	Ge(ctx context.Context, a, b Handle) (Handle, error)
	Le(ctx context.Context, a, b Handle) (Handle, error)
	Eq(ctx context.Context, a, b Handle) (Handle, error)

	// Select returns a handle equal to a when cond is encrypted-true, b
	// otherwise, without revealing which branch was taken.
	Select(ctx context.Context, cond, a, b Handle) (Handle, error)

	// GrantAccess adds a principal to the handle's decrypt ACL.
	GrantAccess(ctx context.Context, h Handle, principal string) error

	// RequestDecryption submits a batch of handles for out-of-band
	// decryption. It returns immediately with a request id; cleartexts arrive
	// later (or never) via the venue's callback endpoint.
	RequestDecryption(ctx context.Context, handles []Handle) (string, error)

	// VerifyProof checks that a callback payload was produced by the
	// decryption oracle for the given request.
	VerifyProof(requestID string, values []uint64, proof []byte) bool
}
