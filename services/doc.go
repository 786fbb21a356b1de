// Package services exposes the coordinator over HTTP and provides its
// persistence backends.
//
// Mutating entry points accept crypto.Signed envelopes; the acting identity
// is always the recovered envelope signer. Read-only endpoints are plain
// GETs. Two stores implement the coordinator's Store interface: an in-memory
// store for tests and single-process deployments and a PostgreSQL store with
// schema migration at startup. Neither store ever sees a plaintext
// confidential value; rows carry ciphertext handle references only.
//
// State transitions are fanned out to websocket subscribers through the
// EventHub as plaintext metadata events.
package services
