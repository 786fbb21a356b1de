package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// PublicKey identifies a participant (requester, courier, payer, payee) or a
// coordinator component. Every mutating call to the coordinator is attributed
// to a public key recovered from a signature, and every capability grant is
// keyed by one. The implementation uses Ed25519 public keys.
type PublicKey []byte

// NewPublicKeyFromBytes creates a PublicKey from a byte slice.
// The input data is copied so the key is immutable.
func NewPublicKeyFromBytes(data []byte) PublicKey {
	pk := make([]byte, len(data))
	copy(pk, data)
	return PublicKey(pk)
}

// NewPublicKeyFromString creates a PublicKey from a hex-encoded string.
func NewPublicKeyFromString(data string) (PublicKey, error) {
	rawBytes, err := hex.DecodeString(data)
	if err != nil {
		return PublicKey{}, err
	}

	return NewPublicKeyFromBytes(rawBytes), nil
}

// Bytes returns the public key as a byte slice.
func (pk PublicKey) Bytes() []byte {
	return pk
}

// Equal compares two public keys for equality in constant time.
func (pk PublicKey) Equal(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk, other) == 1
}

// IsZero reports whether the key is empty (no identity).
func (pk PublicKey) IsZero() bool {
	return len(pk) == 0
}

// String returns a hex-encoded string representation of the public key.
// This is the canonical form used as a map key and in capability records.
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk)
}

// PrivateKey is the signing key of a participant or coordinator component.
// Private keys never leave their owner; the coordinator only ever sees
// signatures made with them.
type PrivateKey []byte

// NewPrivateKeyFromBytes creates a PrivateKey from a byte slice.
// The input data is copied so the key is immutable.
func NewPrivateKeyFromBytes(data []byte) PrivateKey {
	sk := make([]byte, len(data))
	copy(sk, data)
	return PrivateKey(sk)
}

// Bytes returns the private key as a byte slice.
// This exposes sensitive key material and should be used carefully.
func (sk PrivateKey) Bytes() []byte {
	return sk
}

// PublicKey derives the public key corresponding to this private key.
// For Ed25519, the public key is contained within the private key structure.
func (sk PrivateKey) PublicKey() (PublicKey, error) {
	if len(sk) < ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	return PublicKey(sk[32:]), nil
}

// GenerateKeyPair generates a new Ed25519 key pair identifying a participant.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return PublicKey(publicKey), PrivateKey(privateKey), nil
}

// Signature is a digital signature produced with a participant's private key.
// Signatures authenticate entry-point requests and binding proofs.
type Signature []byte

// NewSignature creates a Signature from a byte slice.
// The input data is copied so the signature is immutable.
func NewSignature(data []byte) Signature {
	sig := make([]byte, len(data))
	copy(sig, data)
	return Signature(sig)
}

// Bytes returns the signature as a byte slice.
func (s Signature) Bytes() []byte {
	return []byte(s)
}

// Verify checks if this signature is valid for the given data and public key.
func (s Signature) Verify(publicKey PublicKey, data []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, s)
}

// String returns a hex-encoded string representation of the signature.
func (s Signature) String() string {
	return hex.EncodeToString(s.Bytes())
}

// Sign signs data with the given private key using Ed25519.
func Sign(privateKey PrivateKey, data []byte) (Signature, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid private key size")
	}
	signature := ed25519.Sign(ed25519.PrivateKey(privateKey), data)
	return Signature(signature), nil
}
