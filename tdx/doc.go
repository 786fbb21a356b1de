// Package tdx provides TEE attestation for the coordinator. A quote binds
// the coordinator identifier and the engine verification key into its report
// data, so a participant who verifies the quote knows exactly which binding
// context and which engine it is about to encrypt for.
package tdx
