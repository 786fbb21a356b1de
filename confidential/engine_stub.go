package confidential

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// StubEngine is an in-process stand-in for the external decryption
// collaborator, used by tests, the demo binary, and local development. It
// keeps plaintexts in its own memory, on the far side of the Engine
// interface: coordinator code never touches the value map, and the engine
// refuses decryption unless its authorizer agrees. It is not a cryptosystem;
// ciphertexts are keystream-masked blobs that only this engine instance can
// open, which is enough to keep every coordinator code path honest about
// opacity.
type StubEngine struct {
	signKey   crypto.PrivateKey
	verifyKey crypto.PublicKey
	secret    []byte

	auth DecryptAuthorizer

	mu     sync.Mutex
	values map[HandleID]stubValue
}

type stubValue struct {
	value uint64
	kind  Kind
}

const stubNonceSize = 16

// NewStubEngine creates a stub engine with fresh attestation and masking
// keys. The authorizer may be nil initially and attached later with
// SetAuthorizer once the registry exists.
func NewStubEngine() (*StubEngine, error) {
	verifyKey, signKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	return &StubEngine{
		signKey:   signKey,
		verifyKey: verifyKey,
		secret:    secret,
		values:    make(map[HandleID]stubValue),
	}, nil
}

// SetAuthorizer attaches the capability registry the engine consults before
// releasing plaintext.
func (e *StubEngine) SetAuthorizer(auth DecryptAuthorizer) {
	e.auth = auth
}

// VerifyKey returns the engine's attestation public key.
func (e *StubEngine) VerifyKey() crypto.PublicKey {
	return e.verifyKey
}

// Encrypt produces a ciphertext and binding proof for a value, mimicking
// what client-side tooling does against a real engine. The proof binds the
// ciphertext to (coordinatorID, owner).
func (e *StubEngine) Encrypt(value uint64, coordinatorID string, owner crypto.PublicKey) ([]byte, crypto.BindingProof, error) {
	nonce := make([]byte, stubNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, crypto.BindingProof{}, err
	}

	pad, err := e.pad(nonce)
	if err != nil {
		return nil, crypto.BindingProof{}, err
	}

	ciphertext := make([]byte, stubNonceSize+8)
	copy(ciphertext, nonce)
	binary.BigEndian.PutUint64(ciphertext[stubNonceSize:], value)
	for i := 0; i < 8; i++ {
		ciphertext[stubNonceSize+i] ^= pad[i]
	}

	digest := crypto.BindingDigest(ciphertext, coordinatorID, owner)
	signature, err := crypto.Sign(e.signKey, digest[:])
	if err != nil {
		return nil, crypto.BindingProof{}, err
	}

	proof := crypto.BindingProof{
		CoordinatorID: coordinatorID,
		Owner:         owner,
		Signature:     signature,
	}
	return ciphertext, proof, nil
}

// Register imports a ciphertext under a handle ID. The value is reduced
// modulo 2^bits for the declared kind.
func (e *StubEngine) Register(id HandleID, ciphertext []byte, kind Kind) error {
	if len(ciphertext) != stubNonceSize+8 {
		return fmt.Errorf("malformed ciphertext: %d bytes", len(ciphertext))
	}

	pad, err := e.pad(ciphertext[:stubNonceSize])
	if err != nil {
		return err
	}

	masked := make([]byte, 8)
	copy(masked, ciphertext[stubNonceSize:])
	for i := 0; i < 8; i++ {
		masked[i] ^= pad[i]
	}
	value := binary.BigEndian.Uint64(masked) & kind.Mask()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.values[id]; exists {
		return fmt.Errorf("handle %s already registered", id)
	}
	e.values[id] = stubValue{value: value, kind: kind}
	return nil
}

// Mint stores a coordinator-known constant under a handle ID.
func (e *StubEngine) Mint(id HandleID, kind Kind, value uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.values[id]; exists {
		return fmt.Errorf("handle %s already registered", id)
	}
	e.values[id] = stubValue{value: value & kind.Mask(), kind: kind}
	return nil
}

// Apply evaluates one operation of the closed set. Arithmetic wraps modulo
// 2^bits of the result kind.
func (e *StubEngine) Apply(op Op, result HandleID, kind Kind, operands []HandleID, immediates []uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.values[result]; exists {
		return fmt.Errorf("handle %s already registered", result)
	}

	args := make([]uint64, len(operands))
	for i, id := range operands {
		v, ok := e.values[id]
		if !ok {
			return fmt.Errorf("operand %s: %w", id, ErrEntityNotFound)
		}
		args[i] = v.value
	}

	value, err := evalOp(op, args, immediates)
	if err != nil {
		return err
	}

	e.values[result] = stubValue{value: value & kind.Mask(), kind: kind}
	return nil
}

// Decrypt releases plaintext for an authorized requester.
func (e *StubEngine) Decrypt(id HandleID, requester crypto.PublicKey) (uint64, error) {
	if e.auth != nil && !e.auth.Authorized(id, requester, ScopeDecrypt) {
		return 0, ErrPermissionDenied
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[id]
	if !ok {
		return 0, fmt.Errorf("handle %s: %w", id, ErrEntityNotFound)
	}
	return v.value, nil
}

func (e *StubEngine) pad(nonce []byte) ([]byte, error) {
	reader := hkdf.New(sha3.New256, e.secret, nonce, []byte("confidential-stub-engine-v1"))
	pad := make([]byte, 8)
	if _, err := io.ReadFull(reader, pad); err != nil {
		return nil, err
	}
	return pad, nil
}

func evalOp(op Op, args, immediates []uint64) (uint64, error) {
	boolVal := func(b bool) uint64 {
		if b {
			return 1
		}
		return 0
	}

	switch op {
	case OpEquals:
		if len(args) != 2 {
			return 0, fmt.Errorf("%s: want 2 operands, got %d", op, len(args))
		}
		return boolVal(args[0] == args[1]), nil

	case OpLessOrEqual:
		if len(args) != 2 {
			return 0, fmt.Errorf("%s: want 2 operands, got %d", op, len(args))
		}
		return boolVal(args[0] <= args[1]), nil

	case OpGreaterThan:
		if len(args) != 2 {
			return 0, fmt.Errorf("%s: want 2 operands, got %d", op, len(args))
		}
		return boolVal(args[0] > args[1]), nil

	case OpGreaterOrEqual:
		if len(args) != 2 {
			return 0, fmt.Errorf("%s: want 2 operands, got %d", op, len(args))
		}
		return boolVal(args[0] >= args[1]), nil

	case OpAdd:
		if len(args) != 2 {
			return 0, fmt.Errorf("%s: want 2 operands, got %d", op, len(args))
		}
		return args[0] + args[1], nil

	case OpSub:
		if len(args) != 2 {
			return 0, fmt.Errorf("%s: want 2 operands, got %d", op, len(args))
		}
		return args[0] - args[1], nil

	case OpScale:
		if len(args) != 1 || len(immediates) != 2 {
			return 0, fmt.Errorf("%s: want 1 operand and 2 immediates", op)
		}
		if immediates[1] == 0 {
			return 0, fmt.Errorf("%s: zero denominator", op)
		}
		return args[0] * immediates[0] / immediates[1], nil

	case OpDiv:
		if len(args) != 2 {
			return 0, fmt.Errorf("%s: want 2 operands, got %d", op, len(args))
		}
		if args[1] == 0 {
			return 0, nil
		}
		return args[0] / args[1], nil

	case OpSelect:
		if len(args) != 3 {
			return 0, fmt.Errorf("%s: want 3 operands, got %d", op, len(args))
		}
		if args[0] != 0 {
			return args[1], nil
		}
		return args[2], nil

	case OpRange:
		if len(args) != 1 || len(immediates) != 2 {
			return 0, fmt.Errorf("%s: want 1 operand and 2 immediates", op)
		}
		return boolVal(immediates[0] <= args[0] && args[0] <= immediates[1]), nil

	case OpProximity:
		if len(args) != 2 || len(immediates) != 1 {
			return 0, fmt.Errorf("%s: want 2 operands and 1 immediate", op)
		}
		return boolVal(manhattan(args[0], args[1]) <= immediates[0]), nil
	}

	return 0, fmt.Errorf("unknown op %q", op)
}

// manhattan computes the Manhattan distance between two packed locations
// (latitude in the high 32 bits, longitude in the low 32 bits).
func manhattan(a, b uint64) uint64 {
	absDiff := func(x, y uint64) uint64 {
		if x > y {
			return x - y
		}
		return y - x
	}
	return absDiff(a>>32, b>>32) + absDiff(a&0xffffffff, b&0xffffffff)
}

// PackLocation packs grid coordinates into the u64 location encoding.
func PackLocation(lat, lon uint32) uint64 {
	return uint64(lat)<<32 | uint64(lon)
}
