// Package confidential implements the confidential-state core of the
// delivery coordinator: the machinery that lets lifecycle logic operate on
// sensitive values (addresses, locations, amounts, ratings) without the
// coordinator ever observing plaintext.
//
// Every sensitive value enters the system as an opaque ciphertext with a
// binding proof and leaves it as a Handle, an opaque reference whose
// underlying bytes live in the external encryption engine. The package
// provides four pieces:
//
//   - BindingVerifier: the admission gate. A ciphertext is accepted only
//     when its proof attests it was produced for this coordinator instance
//     and the identity performing the admitting transaction.
//
//   - Registry: the capability registry. Per handle, it tracks which
//     identities may compute with the value and which may request its
//     decryption, with an append-only audit history. Derived handles never
//     inherit Decrypt automatically; eligibility is tracked and re-granting
//     must be explicit.
//
//   - Primitives: the closed operation set (equality, ordered comparison,
//     range and proximity checks, add/sub/scale/div, encrypted select).
//     Operations are width-aware, wrap modulo 2^n, and never branch on the
//     values they process.
//
//   - Engine: the interface to the external decryption collaborator, with
//     StubEngine as the in-process implementation used by tests and local
//     development.
//
// Correctness here is provable from handle identity, binding metadata, and
// capability records alone; nothing in this package ever inspects a real
// value. The single deliberate disclosure point is Primitives.GatedDecrypt,
// which converts an encrypted boolean or amount into plaintext for a
// capability-holding requester, and which both the registry and the engine
// must independently authorize.
package confidential
