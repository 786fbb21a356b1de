package confidential

import (
	"fmt"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// Primitives is the closed set of operations over encrypted handles. Every
// operation takes only already-admitted handles, verifies the coordinator
// holds Compute on each operand, and registers the derived result with the
// capability registry. No operation reveals intermediate plaintext; the one
// deliberate disclosure point is GatedDecrypt, which requires a Decrypt
// capability and is invoked only by the coordinator's orchestration layer.
//
// All integer operations are total over their domain with unsigned
// wraparound semantics: results are reduced modulo 2^n for the operand
// width. There is no overflow trapping.
type Primitives struct {
	coordinatorID string
	coordinator   crypto.PublicKey
	engine        Engine
	registry      *Registry
}

// NewPrimitives creates the primitive set for a coordinator instance.
func NewPrimitives(coordinatorID string, coordinator crypto.PublicKey, engine Engine, registry *Registry) *Primitives {
	return &Primitives{
		coordinatorID: coordinatorID,
		coordinator:   coordinator,
		engine:        engine,
		registry:      registry,
	}
}

// Equals returns an encrypted boolean that is true when a and b hold the
// same value. Operands must share a kind.
func (p *Primitives) Equals(a, b Handle) (Handle, error) {
	if a.Kind != b.Kind {
		return Handle{}, ErrWidthMismatch
	}
	return p.derive(OpEquals, Bool, []Handle{a, b}, nil)
}

// LessOrEqual returns an encrypted boolean for a <= b. Width-aware.
func (p *Primitives) LessOrEqual(a, b Handle) (Handle, error) {
	return p.compare(OpLessOrEqual, a, b)
}

// GreaterThan returns an encrypted boolean for a > b. Width-aware.
func (p *Primitives) GreaterThan(a, b Handle) (Handle, error) {
	return p.compare(OpGreaterThan, a, b)
}

// GreaterOrEqual returns an encrypted boolean for a >= b. Width-aware.
func (p *Primitives) GreaterOrEqual(a, b Handle) (Handle, error) {
	return p.compare(OpGreaterOrEqual, a, b)
}

func (p *Primitives) compare(op Op, a, b Handle) (Handle, error) {
	if a.Kind != b.Kind || a.Kind == Bool {
		return Handle{}, ErrWidthMismatch
	}
	return p.derive(op, Bool, []Handle{a, b}, nil)
}

// RangeCheck returns an encrypted boolean for lo <= value <= hi, where the
// bounds are plaintext configuration constants, not secrets.
func (p *Primitives) RangeCheck(value Handle, lo, hi uint64) (Handle, error) {
	if value.Kind == Bool {
		return Handle{}, ErrWidthMismatch
	}
	if lo > hi {
		return Handle{}, fmt.Errorf("range check: lo %d exceeds hi %d", lo, hi)
	}
	return p.derive(OpRange, Bool, []Handle{value}, []uint64{lo, hi})
}

// Proximity returns an encrypted boolean that is true when the Manhattan
// distance between two packed locations does not exceed maxDistance.
// Locations are U64 handles packing latitude and longitude grid coordinates
// in the high and low 32 bits. No plaintext distance is ever produced; the
// comparison happens inside the engine.
func (p *Primitives) Proximity(locA, locB Handle, maxDistance uint64) (Handle, error) {
	if locA.Kind != U64 || locB.Kind != U64 {
		return Handle{}, ErrWidthMismatch
	}
	return p.derive(OpProximity, Bool, []Handle{locA, locB}, []uint64{maxDistance})
}

// Add returns a + b modulo 2^width. Width-aware.
func (p *Primitives) Add(a, b Handle) (Handle, error) {
	return p.arith(OpAdd, a, b)
}

// Sub returns a - b modulo 2^width. Width-aware.
func (p *Primitives) Sub(a, b Handle) (Handle, error) {
	return p.arith(OpSub, a, b)
}

func (p *Primitives) arith(op Op, a, b Handle) (Handle, error) {
	if a.Kind != b.Kind || a.Kind == Bool {
		return Handle{}, ErrWidthMismatch
	}
	return p.derive(op, a.Kind, []Handle{a, b}, nil)
}

// Scale returns a * numerator / denominator with truncating unsigned
// division. The ratio is plaintext; fee percentages are configuration, not
// secrets. fee = Scale(amount, feePercent, 100).
func (p *Primitives) Scale(a Handle, numerator, denominator uint64) (Handle, error) {
	if a.Kind == Bool {
		return Handle{}, ErrWidthMismatch
	}
	if denominator == 0 {
		return Handle{}, fmt.Errorf("scale: zero denominator")
	}
	return p.derive(OpScale, a.Kind, []Handle{a}, []uint64{numerator, denominator})
}

// Div returns a / b with truncating unsigned division over two encrypted
// operands. An encrypted zero divisor yields an encrypted zero: erroring
// would reveal the divisor. Used for rating averages, where the count is
// itself encrypted and Scale's plaintext ratio cannot serve.
func (p *Primitives) Div(a, b Handle) (Handle, error) {
	if a.Kind != b.Kind || a.Kind == Bool {
		return Handle{}, ErrWidthMismatch
	}
	return p.derive(OpDiv, a.Kind, []Handle{a, b}, nil)
}

// Select returns ifTrue when cond holds, ifFalse otherwise, without ever
// exposing which branch was taken. This replaces plaintext branching on
// confidential values inside the state machines.
func (p *Primitives) Select(cond, ifTrue, ifFalse Handle) (Handle, error) {
	if cond.Kind != Bool {
		return Handle{}, ErrWidthMismatch
	}
	if ifTrue.Kind != ifFalse.Kind {
		return Handle{}, ErrWidthMismatch
	}
	return p.derive(OpSelect, ifTrue.Kind, []Handle{cond, ifTrue, ifFalse}, nil)
}

// Constant mints a handle for a coordinator-known constant: the encrypted
// zero and one seeding rating accumulators, and plaintext thresholds lifted
// into ciphertext space for comparisons. The coordinator owns the result.
func (p *Primitives) Constant(kind Kind, value uint64) (Handle, error) {
	if !kind.Valid() {
		return Handle{}, fmt.Errorf("constant: invalid kind %s", kind)
	}

	id, err := NewHandleID()
	if err != nil {
		return Handle{}, err
	}
	if err := p.engine.Mint(id, kind, value); err != nil {
		return Handle{}, fmt.Errorf("minting constant: %w", err)
	}

	binding := BindingContext{
		CoordinatorID: p.coordinatorID,
		Owner:         p.coordinator,
	}
	if err := p.registry.Register(id, binding); err != nil {
		return Handle{}, fmt.Errorf("registering constant: %w", err)
	}

	return Handle{ID: id, Kind: kind, Binding: binding}, nil
}

// GatedDecrypt converts a handle into plaintext for a requester. The
// registry is consulted first; without a Decrypt capability nothing reaches
// the engine. The engine performs its own independent authorization check,
// so both records must agree before plaintext is released. This is the only
// disclosure point in the system.
func (p *Primitives) GatedDecrypt(h Handle, requester crypto.PublicKey) (uint64, error) {
	if !p.registry.Check(h.ID, requester, ScopeDecrypt) {
		return 0, ErrPermissionDenied
	}
	return p.engine.Decrypt(h.ID, requester)
}

// derive runs one engine operation and registers the result. The engine is
// asked first: if evaluation fails, no registry record exists. A registered
// engine value without a registry record is unreachable (the authorizer
// reports false for unknown handles), so the failure order is safe.
func (p *Primitives) derive(op Op, resultKind Kind, operands []Handle, immediates []uint64) (Handle, error) {
	operandIDs := make([]HandleID, len(operands))
	for i, operand := range operands {
		if operand.IsZero() {
			return Handle{}, fmt.Errorf("%s: operand %d: %w", op, i, ErrEntityNotFound)
		}
		if !p.registry.Check(operand.ID, p.coordinator, ScopeCompute) {
			return Handle{}, ErrPermissionDenied
		}
		operandIDs[i] = operand.ID
	}

	id, err := NewHandleID()
	if err != nil {
		return Handle{}, err
	}

	if err := p.engine.Apply(op, id, resultKind, operandIDs, immediates); err != nil {
		return Handle{}, fmt.Errorf("evaluating %s: %w", op, err)
	}

	binding, err := p.registry.Derive(id, operands)
	if err != nil {
		return Handle{}, fmt.Errorf("deriving capabilities for %s: %w", op, err)
	}

	return Handle{ID: id, Kind: resultKind, Binding: binding}, nil
}
