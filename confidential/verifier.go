package confidential

import (
	"fmt"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// BindingVerifier is the admission gate for encrypted inputs. Nothing enters
// an entity record without passing Admit: the proof must verify against the
// engine's attestation key, and the context it attests must be exactly this
// coordinator instance and the identity performing the admitting
// transaction. Everything else is rejected before any state is touched.
type BindingVerifier struct {
	coordinatorID string
	engine        Engine
	registry      *Registry
}

// NewBindingVerifier creates the admission gate for a coordinator instance.
func NewBindingVerifier(coordinatorID string, engine Engine, registry *Registry) *BindingVerifier {
	return &BindingVerifier{
		coordinatorID: coordinatorID,
		engine:        engine,
		registry:      registry,
	}
}

// CoordinatorID returns the instance identifier ciphertexts must be bound to.
func (v *BindingVerifier) CoordinatorID() string {
	return v.coordinatorID
}

// Admit verifies that ciphertext was produced for (this coordinator,
// expectedOwner), imports it into the engine under a fresh handle, and
// registers the handle with Compute and Decrypt pre-granted to the owner and
// Compute granted to the coordinator. The plaintext is never observed.
//
// Fails with ErrProofInvalid when the attestation does not verify, and with
// ErrBindingMismatch when the proof is genuine but attests a different
// coordinator instance or a different owner.
func (v *BindingVerifier) Admit(ciphertext []byte, proof crypto.BindingProof, kind Kind, expectedOwner crypto.PublicKey) (Handle, error) {
	if !kind.Valid() {
		return Handle{}, fmt.Errorf("admit: invalid kind %s", kind)
	}
	if expectedOwner.IsZero() {
		return Handle{}, fmt.Errorf("admit: %w", ErrBindingMismatch)
	}

	if !proof.Verify(v.engine.VerifyKey(), ciphertext) {
		return Handle{}, ErrProofInvalid
	}
	if proof.CoordinatorID != v.coordinatorID || !proof.Owner.Equal(expectedOwner) {
		return Handle{}, ErrBindingMismatch
	}

	id, err := NewHandleID()
	if err != nil {
		return Handle{}, fmt.Errorf("admit: %w", err)
	}

	if err := v.engine.Register(id, ciphertext, kind); err != nil {
		return Handle{}, fmt.Errorf("admit: importing ciphertext: %w", err)
	}

	binding := BindingContext{
		CoordinatorID: v.coordinatorID,
		Owner:         expectedOwner,
	}
	if err := v.registry.Register(id, binding); err != nil {
		return Handle{}, fmt.Errorf("admit: registering handle: %w", err)
	}

	return Handle{ID: id, Kind: kind, Binding: binding}, nil
}

// OwnedBy reports whether the handle was admitted under this coordinator
// instance with the given identity as owner. State machines use this to
// require that stored handles belong to the acting party, without ever
// touching the underlying value.
func (v *BindingVerifier) OwnedBy(h Handle, owner crypto.PublicKey) bool {
	binding, err := v.registry.Binding(h.ID)
	if err != nil {
		return false
	}
	return binding.CoordinatorID == v.coordinatorID && binding.Owner.Equal(owner)
}
