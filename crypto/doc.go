// Package crypto provides the cryptographic identity and attestation
// primitives used by the delivery coordinator.
//
// The package implements:
//
//   - Participant identities (Ed25519 key pairs) used to attribute every
//     mutating operation and every capability grant
//   - Signed request envelopes (Signed[T]) that recover the caller identity
//     from a signature over the serialized request
//   - Binding proofs tying a ciphertext to the (coordinator instance, owning
//     identity) pair it was encrypted for
//
// The package deliberately does not implement the encryption engine itself.
// Ciphertexts are opaque blobs produced and consumed by the external engine;
// the coordinator only ever verifies proofs about them and forwards them by
// reference. Nothing in this package handles plaintext values.
package crypto
