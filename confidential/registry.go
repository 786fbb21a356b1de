package confidential

import (
	"fmt"
	"sync"
	"time"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// Scope is the kind of access a capability grant confers on a handle.
type Scope string

const (
	// ScopeCompute authorizes using the handle as an operand of the
	// primitive set.
	ScopeCompute Scope = "compute"
	// ScopeDecrypt authorizes requesting the handle's plaintext from the
	// engine.
	ScopeDecrypt Scope = "decrypt"
)

// Valid reports whether the scope is recognized.
func (s Scope) Valid() bool {
	return s == ScopeCompute || s == ScopeDecrypt
}

// CapabilityGrant is one (handle, grantee, scope) permission record.
type CapabilityGrant struct {
	HandleID HandleID         `json:"handle_id"`
	Grantee  crypto.PublicKey `json:"grantee"`
	Scope    Scope            `json:"scope"`
}

// GrantEvent is one entry of a handle's audit history. Grants and revokes
// are recorded in order; the history is append-only.
type GrantEvent struct {
	At      time.Time        `json:"at"`
	Grantee crypto.PublicKey `json:"grantee"`
	Scope   Scope            `json:"scope"`
	Action  string           `json:"action"` // "grant" or "revoke"
}

// HandleRecord is a persistable snapshot of a handle's binding and
// capability state.
type HandleRecord struct {
	ID       HandleID
	Binding  BindingContext
	Grants   []CapabilityGrant
	Retained []crypto.PublicKey
}

// Persister receives handle snapshots after every capability mutation.
// Stores implement it; a nil persister keeps the registry memory-only.
type Persister interface {
	SaveHandle(rec HandleRecord) error
}

type handleRecord struct {
	mu       sync.Mutex
	binding  BindingContext
	grants   map[string]map[Scope]struct{}
	eligible map[string]struct{} // may receive Decrypt re-grant on a derived handle
	retained map[string]struct{} // Decrypt revoke blocked (completed workflow party)
	history  []GrantEvent
}

func (rec *handleRecord) has(identity string, scope Scope) bool {
	scopes, ok := rec.grants[identity]
	if !ok {
		return false
	}
	_, ok = scopes[scope]
	return ok
}

func (rec *handleRecord) add(grantee crypto.PublicKey, scope Scope) bool {
	key := grantee.String()
	scopes, ok := rec.grants[key]
	if !ok {
		scopes = make(map[Scope]struct{})
		rec.grants[key] = scopes
	}
	if _, ok := scopes[scope]; ok {
		return false
	}
	scopes[scope] = struct{}{}
	rec.history = append(rec.history, GrantEvent{
		At:      time.Now().UTC(),
		Grantee: grantee,
		Scope:   scope,
		Action:  "grant",
	})
	return true
}

// Registry tracks, per handle, which identities may compute with the value
// and which may request its decryption. It is the only structure mutated by
// multiple components concurrently; each handle's grant set is serialized
// under its own lock so concurrent derivations cannot lose updates.
//
// Grants are monotonic: nothing removes one except an explicit Revoke, and
// Revoke refuses to strip a completed workflow's party (see Retain).
type Registry struct {
	coordinator crypto.PublicKey
	persist     Persister

	mu      sync.RWMutex
	handles map[HandleID]*handleRecord
}

// NewRegistry creates a capability registry. The coordinator identity
// receives a Compute grant on every handle so it can evaluate derived
// operations; persist may be nil.
func NewRegistry(coordinator crypto.PublicKey, persist Persister) *Registry {
	return &Registry{
		coordinator: coordinator,
		persist:     persist,
		handles:     make(map[HandleID]*handleRecord),
	}
}

// Register records a freshly admitted handle. The owner receives Compute and
// Decrypt, the coordinator receives Compute. Registering an existing handle
// ID fails: handles are never re-bound.
func (r *Registry) Register(id HandleID, binding BindingContext) error {
	rec := &handleRecord{
		binding:  binding,
		grants:   make(map[string]map[Scope]struct{}),
		eligible: make(map[string]struct{}),
		retained: make(map[string]struct{}),
	}
	rec.add(binding.Owner, ScopeCompute)
	rec.add(binding.Owner, ScopeDecrypt)
	rec.add(r.coordinator, ScopeCompute)

	r.mu.Lock()
	if _, exists := r.handles[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("handle %s already registered", id)
	}
	r.handles[id] = rec
	r.mu.Unlock()

	return r.save(id, rec)
}

// Derive records a handle produced by a primitive from parent handles. The
// result is owned by the coordinator under the parents' coordinator
// instance. Compute capability is inherited as the union of the parents'
// Compute holders. Decrypt is never inherited: identities that held Decrypt
// on every parent become eligible for an explicit RegrantDecrypt, and
// nothing more. This is what keeps capability creep out of derived values.
func (r *Registry) Derive(id HandleID, parents []Handle) (BindingContext, error) {
	if len(parents) == 0 {
		return BindingContext{}, fmt.Errorf("derive: no parent handles")
	}

	binding := BindingContext{
		CoordinatorID: parents[0].Binding.CoordinatorID,
		Owner:         r.coordinator,
	}

	rec := &handleRecord{
		binding:  binding,
		grants:   make(map[string]map[Scope]struct{}),
		eligible: make(map[string]struct{}),
		retained: make(map[string]struct{}),
	}
	rec.add(r.coordinator, ScopeCompute)

	computeUnion := make(map[string]crypto.PublicKey)
	decryptCounts := make(map[string]int)
	for _, parent := range parents {
		parentRec, err := r.record(parent.ID)
		if err != nil {
			return BindingContext{}, err
		}
		parentRec.mu.Lock()
		for identity, scopes := range parentRec.grants {
			if _, ok := scopes[ScopeCompute]; ok {
				if _, seen := computeUnion[identity]; !seen {
					pk, err := crypto.NewPublicKeyFromString(identity)
					if err == nil {
						computeUnion[identity] = pk
					}
				}
			}
			if _, ok := scopes[ScopeDecrypt]; ok {
				decryptCounts[identity]++
			}
		}
		parentRec.mu.Unlock()
	}

	for _, pk := range computeUnion {
		rec.add(pk, ScopeCompute)
	}
	for identity, n := range decryptCounts {
		if n == len(parents) {
			rec.eligible[identity] = struct{}{}
		}
	}

	r.mu.Lock()
	if _, exists := r.handles[id]; exists {
		r.mu.Unlock()
		return BindingContext{}, fmt.Errorf("handle %s already registered", id)
	}
	r.handles[id] = rec
	r.mu.Unlock()

	return binding, r.save(id, rec)
}

// Grant adds a capability. Granting an already-held capability is a no-op.
func (r *Registry) Grant(id HandleID, grantee crypto.PublicKey, scope Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("invalid scope %q", scope)
	}
	rec, err := r.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	changed := rec.add(grantee, scope)
	rec.mu.Unlock()

	if !changed {
		return nil
	}
	return r.save(id, rec)
}

// Revoke removes a capability. Revoking an absent capability is a no-op.
// Revoking Decrypt from a retained party fails with ErrGrantRetained: a
// completed workflow must stay decryptable to its legitimate parties.
func (r *Registry) Revoke(id HandleID, grantee crypto.PublicKey, scope Scope) error {
	if !scope.Valid() {
		return fmt.Errorf("invalid scope %q", scope)
	}
	rec, err := r.record(id)
	if err != nil {
		return err
	}

	key := grantee.String()

	rec.mu.Lock()
	if scope == ScopeDecrypt {
		if _, held := rec.retained[key]; held {
			rec.mu.Unlock()
			return ErrGrantRetained
		}
	}
	if !rec.has(key, scope) {
		rec.mu.Unlock()
		return nil
	}
	delete(rec.grants[key], scope)
	rec.history = append(rec.history, GrantEvent{
		At:      time.Now().UTC(),
		Grantee: grantee,
		Scope:   scope,
		Action:  "revoke",
	})
	rec.mu.Unlock()

	return r.save(id, rec)
}

// Check reports whether identity holds the capability. It never fails:
// unknown handles simply report false, and callers branch on the boolean.
func (r *Registry) Check(id HandleID, identity crypto.PublicKey, scope Scope) bool {
	rec, err := r.record(id)
	if err != nil {
		return false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.has(identity.String(), scope)
}

// Authorized implements DecryptAuthorizer for the engine.
func (r *Registry) Authorized(id HandleID, identity crypto.PublicKey, scope Scope) bool {
	return r.Check(id, identity, scope)
}

// RegrantDecrypt re-issues Decrypt on a derived handle to an identity that
// held Decrypt on all of its parents. This is the only path by which Decrypt
// reaches a derived handle without an explicit policy Grant; it must be
// called deliberately, it is never automatic.
func (r *Registry) RegrantDecrypt(id HandleID, grantee crypto.PublicKey) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}

	key := grantee.String()

	rec.mu.Lock()
	if _, ok := rec.eligible[key]; !ok {
		rec.mu.Unlock()
		return ErrPermissionDenied
	}
	changed := rec.add(grantee, ScopeDecrypt)
	rec.mu.Unlock()

	if !changed {
		return nil
	}
	return r.save(id, rec)
}

// Retain marks parties whose Decrypt capability on the handle must survive:
// subsequent revokes for them fail. Called when a workflow completes.
func (r *Registry) Retain(id HandleID, parties ...crypto.PublicKey) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	for _, party := range parties {
		rec.retained[party.String()] = struct{}{}
	}
	rec.mu.Unlock()

	return r.save(id, rec)
}

// Binding returns the binding context the handle was admitted under.
func (r *Registry) Binding(id HandleID) (BindingContext, error) {
	rec, err := r.record(id)
	if err != nil {
		return BindingContext{}, err
	}
	return rec.binding, nil
}

// History returns a copy of the handle's grant/revoke audit trail.
func (r *Registry) History(id HandleID) ([]GrantEvent, error) {
	rec, err := r.record(id)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	history := make([]GrantEvent, len(rec.history))
	copy(history, rec.history)
	return history, nil
}

func (r *Registry) record(id HandleID) (*handleRecord, error) {
	r.mu.RLock()
	rec, ok := r.handles[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handle %s: %w", id, ErrEntityNotFound)
	}
	return rec, nil
}

func (r *Registry) save(id HandleID, rec *handleRecord) error {
	if r.persist == nil {
		return nil
	}

	rec.mu.Lock()
	snapshot := HandleRecord{
		ID:      id,
		Binding: rec.binding,
	}
	for identity, scopes := range rec.grants {
		pk, err := crypto.NewPublicKeyFromString(identity)
		if err != nil {
			continue
		}
		for scope := range scopes {
			snapshot.Grants = append(snapshot.Grants, CapabilityGrant{
				HandleID: id,
				Grantee:  pk,
				Scope:    scope,
			})
		}
	}
	for identity := range rec.retained {
		pk, err := crypto.NewPublicKeyFromString(identity)
		if err != nil {
			continue
		}
		snapshot.Retained = append(snapshot.Retained, pk)
	}
	rec.mu.Unlock()

	return r.persist.SaveHandle(snapshot)
}
