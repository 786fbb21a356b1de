package crypto

import (
	"encoding/json"
	"errors"
	"io"
)

// Signed wraps an entry-point request with the caller's signature. The
// coordinator recovers the caller identity from the envelope and uses it as
// the acting identity for the whole transaction: binding checks, capability
// checks, and state-machine authorization all run against the signer.
// The signature covers the serialized object concatenated with the public
// key, preventing envelope substitution.
type Signed[T any] struct {
	PublicKey PublicKey `json:"public_key"`
	Signature Signature `json:"signature"`
	Object    *T        `json:"object"`
}

// NewSigned creates a signed envelope for obj using the caller's private key.
func NewSigned[T any](privkey PrivateKey, obj *T) (*Signed[T], error) {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}

	serialized, err := Serialize(obj)
	if err != nil {
		return nil, err
	}

	signature, err := Sign(privkey, append(serialized, pubkey...))
	if err != nil {
		return nil, err
	}

	return &Signed[T]{
		PublicKey: pubkey,
		Signature: signature,
		Object:    obj,
	}, nil
}

// UnsafeObject returns the object without signature verification.
func (s *Signed[T]) UnsafeObject() *T {
	return s.Object
}

// Recover verifies the signature and returns the object and signer identity.
func (s *Signed[T]) Recover() (*T, PublicKey, error) {
	serialized, err := Serialize(s.Object)
	if err != nil {
		return nil, nil, err
	}

	ok := s.Signature.Verify(s.PublicKey, append(serialized, s.PublicKey...))
	if !ok {
		return nil, nil, errors.New("signature not valid")
	}

	return s.Object, s.PublicKey, nil
}

// Serialize serializes a request object to JSON bytes for signing.
func Serialize[T any](obj *T) ([]byte, error) {
	return json.Marshal(obj)
}

// Decode deserializes a request object from a JSON reader.
func Decode[T any](reader io.Reader) (*T, error) {
	var obj T
	err := json.NewDecoder(reader).Decode(&obj)
	return &obj, err
}
