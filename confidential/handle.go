package confidential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// Kind describes the logical type of an encrypted value. Arithmetic and
// comparison primitives are width-aware: operands of different kinds are
// rejected rather than implicitly converted, and results wrap modulo 2^n
// where n is the kind's bit width.
type Kind uint8

const (
	// Bool is an encrypted boolean, produced by comparisons and gates.
	Bool Kind = iota
	// U8 is an encrypted 8-bit unsigned integer.
	U8
	// U32 is an encrypted 32-bit unsigned integer.
	U32
	// U64 is an encrypted 64-bit unsigned integer. Amounts, packed
	// locations, and rating accumulators are carried as U64.
	U64
)

// Bits returns the bit width of the kind. Bool values occupy one bit.
func (k Kind) Bits() int {
	switch k {
	case Bool:
		return 1
	case U8:
		return 8
	case U32:
		return 32
	case U64:
		return 64
	}
	return 0
}

// Mask returns the modulus mask for the kind's width.
func (k Kind) Mask() uint64 {
	bits := k.Bits()
	if bits == 0 {
		return 0
	}
	if bits == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

// Valid reports whether the kind is one of the recognized widths.
func (k Kind) Valid() bool {
	return k == Bool || k == U8 || k == U32 || k == U64
}

func (k Kind) String() string {
	switch k {
	case Bool:
		return "bool"
	case U8:
		return "u8"
	case U32:
		return "u32"
	case U64:
		return "u64"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// HandleID is the opaque identifier of an encrypted value. The coordinator
// addresses ciphertexts exclusively through handle IDs; the bytes they refer
// to live in the encryption engine.
type HandleID string

// NewHandleID generates a fresh random handle identifier.
func NewHandleID() (HandleID, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return HandleID(hex.EncodeToString(buf[:])), nil
}

// BindingContext is the (coordinator instance, owning identity) pair a
// ciphertext is cryptographically tied to. Values admitted under one context
// are never accepted by another coordinator instance or for another owner.
type BindingContext struct {
	CoordinatorID string           `json:"coordinator_id"`
	Owner         crypto.PublicKey `json:"owner"`
}

// Handle is an opaque reference to an encrypted value. Handles are immutable
// once created and are never compared by value outside the primitive set.
// The entity record that first stores a handle owns it; other identities
// gain access only through capability grants, never through a second copy
// with a different owner.
type Handle struct {
	ID      HandleID       `json:"id"`
	Kind    Kind           `json:"kind"`
	Binding BindingContext `json:"binding"`
}

// IsZero reports whether the handle is the empty value.
func (h Handle) IsZero() bool {
	return h.ID == ""
}
