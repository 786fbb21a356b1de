package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// BindingProof attests that a ciphertext was produced for a specific
// (coordinator instance, owning identity) pair. The encryption engine signs
// the binding digest with its attestation key when it encrypts a value; the
// coordinator verifies the signature and then compares the claimed context
// against the context it expects. The proof carries no plaintext.
type BindingProof struct {
	CoordinatorID string    `json:"coordinator_id"`
	Owner         PublicKey `json:"owner"`
	Signature     Signature `json:"signature"`
}

// Verify checks the proof signature over the binding digest of ciphertext
// using the engine's verification key. A valid proof only attests that the
// engine produced the ciphertext for the claimed context; whether that
// context is the expected one is a separate check.
func (p *BindingProof) Verify(engineKey PublicKey, ciphertext []byte) bool {
	digest := BindingDigest(ciphertext, p.CoordinatorID, p.Owner)
	return p.Signature.Verify(engineKey, digest[:])
}

// BindingDigest computes the digest a binding proof signs: a SHA3-512 hash
// over the ciphertext, the coordinator instance identifier, and the owning
// identity, with length prefixes so field boundaries are unambiguous.
func BindingDigest(ciphertext []byte, coordinatorID string, owner PublicKey) [64]byte {
	h := sha3.New512()
	writeLenPrefixed(h, ciphertext)
	writeLenPrefixed(h, []byte(coordinatorID))
	writeLenPrefixed(h, owner.Bytes())

	var digest [64]byte
	h.Sum(digest[:0])
	return digest
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, data []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(data)))
	h.Write(lenBuf[:])
	h.Write(data)
}
