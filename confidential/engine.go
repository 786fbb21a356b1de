package confidential

import "github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"

// Op names an operation the encryption engine evaluates over ciphertexts.
// The set is closed: state machines never ask the engine for anything
// outside it, and the engine never exposes intermediate plaintext.
type Op string

const (
	OpEquals         Op = "eq"
	OpLessOrEqual    Op = "le"
	OpGreaterThan    Op = "gt"
	OpGreaterOrEqual Op = "ge"
	OpAdd            Op = "add"
	OpSub            Op = "sub"
	// OpScale multiplies by a plaintext ratio: immediates are numerator
	// and denominator, division truncating toward zero.
	OpScale Op = "scale"
	// OpDiv divides one ciphertext by another, truncating. Division by an
	// encrypted zero yields an encrypted zero rather than an error, since
	// erroring would reveal the divisor.
	OpDiv Op = "div"
	// OpSelect takes operands (cond, ifTrue, ifFalse) and yields the
	// branch selected by the encrypted condition.
	OpSelect Op = "select"
	// OpRange checks lo <= value <= hi for plaintext immediates lo, hi.
	OpRange Op = "range"
	// OpProximity takes two packed-location operands and a plaintext
	// maximum distance immediate, and yields an encrypted boolean that is
	// true when the Manhattan distance between the locations does not
	// exceed the maximum. No plaintext distance is ever produced.
	OpProximity Op = "proximity"
)

// Engine is the external decryption collaborator at the boundary of §6 of
// the design: an opaque service holding ciphertexts, evaluating the closed
// operation set over them, and performing authorized decryption. The
// coordinator never sees plaintext or raw key material; it addresses values
// by handle ID only.
//
// Engines enforce decrypt authorization independently of the coordinator's
// own capability checks, so a coordinator bug cannot turn into silent
// disclosure.
type Engine interface {
	// VerifyKey returns the engine's attestation public key. Binding
	// proofs are signatures made with the corresponding private key.
	VerifyKey() crypto.PublicKey

	// Register imports an already-verified ciphertext under the given
	// handle ID with the given kind. Values wider than the kind are
	// reduced modulo 2^bits.
	Register(id HandleID, ciphertext []byte, kind Kind) error

	// Mint creates a ciphertext for a coordinator-known constant (an
	// encrypted zero, one, or threshold) under the given handle ID.
	Mint(id HandleID, kind Kind, value uint64) error

	// Apply evaluates op over the operand handles and stores the result
	// under result with the given kind. Immediates carry plaintext
	// parameters (scale ratio, range bounds, maximum distance).
	Apply(op Op, result HandleID, kind Kind, operands []HandleID, immediates []uint64) error

	// Decrypt returns the plaintext of the handle for the requester, or
	// ErrPermissionDenied when the requester is not authorized. The
	// coordinator additionally performs its own capability check before
	// ever calling this.
	Decrypt(id HandleID, requester crypto.PublicKey) (uint64, error)
}

// DecryptAuthorizer is consulted by an engine before releasing plaintext.
// The capability registry implements it.
type DecryptAuthorizer interface {
	Authorized(id HandleID, identity crypto.PublicKey, scope Scope) bool
}
