package confidential

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

func testKey(t *testing.T) crypto.PublicKey {
	t.Helper()
	pub, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func setupRegistry(t *testing.T) (*Registry, crypto.PublicKey) {
	t.Helper()
	coordinator := testKey(t)
	return NewRegistry(coordinator, nil), coordinator
}

func registerHandle(t *testing.T, r *Registry, owner crypto.PublicKey) Handle {
	t.Helper()
	id, err := NewHandleID()
	require.NoError(t, err)
	binding := BindingContext{CoordinatorID: "coord-1", Owner: owner}
	require.NoError(t, r.Register(id, binding))
	return Handle{ID: id, Kind: U64, Binding: binding}
}

func TestRegistry_RegisterGrantsOwnerAndCoordinator(t *testing.T) {
	r, coordinator := setupRegistry(t)
	owner := testKey(t)
	other := testKey(t)

	h := registerHandle(t, r, owner)

	require.True(t, r.Check(h.ID, owner, ScopeCompute))
	require.True(t, r.Check(h.ID, owner, ScopeDecrypt))
	require.True(t, r.Check(h.ID, coordinator, ScopeCompute))
	require.False(t, r.Check(h.ID, coordinator, ScopeDecrypt))
	require.False(t, r.Check(h.ID, other, ScopeCompute))
	require.False(t, r.Check(h.ID, other, ScopeDecrypt))
}

func TestRegistry_RegisterDuplicateFails(t *testing.T) {
	r, _ := setupRegistry(t)
	owner := testKey(t)

	h := registerHandle(t, r, owner)
	err := r.Register(h.ID, h.Binding)
	require.Error(t, err)
}

func TestRegistry_CheckUnknownHandle(t *testing.T) {
	r, _ := setupRegistry(t)
	require.False(t, r.Check(HandleID("missing"), testKey(t), ScopeCompute))
}

func TestRegistry_DeriveInheritsComputeUnion(t *testing.T) {
	r, coordinator := setupRegistry(t)
	alice := testKey(t)
	bob := testKey(t)

	a := registerHandle(t, r, alice)
	b := registerHandle(t, r, bob)

	id, err := NewHandleID()
	require.NoError(t, err)
	binding, err := r.Derive(id, []Handle{a, b})
	require.NoError(t, err)
	require.True(t, binding.Owner.Equal(coordinator))
	require.Equal(t, "coord-1", binding.CoordinatorID)

	// Compute is the union of the parents' Compute holders.
	require.True(t, r.Check(id, alice, ScopeCompute))
	require.True(t, r.Check(id, bob, ScopeCompute))
	require.True(t, r.Check(id, coordinator, ScopeCompute))

	// Decrypt never carries over automatically.
	require.False(t, r.Check(id, alice, ScopeDecrypt))
	require.False(t, r.Check(id, bob, ScopeDecrypt))
	require.False(t, r.Check(id, coordinator, ScopeDecrypt))
}

func TestRegistry_RegrantDecryptRequiresEligibility(t *testing.T) {
	r, _ := setupRegistry(t)
	alice := testKey(t)
	bob := testKey(t)

	a := registerHandle(t, r, alice)
	b := registerHandle(t, r, bob)

	id, err := NewHandleID()
	require.NoError(t, err)
	_, err = r.Derive(id, []Handle{a, b})
	require.NoError(t, err)

	// Alice held Decrypt on only one of the two parents.
	require.ErrorIs(t, r.RegrantDecrypt(id, alice), ErrPermissionDenied)

	// Once she holds Decrypt on both parents, a derivation of both makes
	// her eligible.
	require.NoError(t, r.Grant(b.ID, alice, ScopeDecrypt))
	id2, err := NewHandleID()
	require.NoError(t, err)
	_, err = r.Derive(id2, []Handle{a, b})
	require.NoError(t, err)

	require.NoError(t, r.RegrantDecrypt(id2, alice))
	require.True(t, r.Check(id2, alice, ScopeDecrypt))
	require.False(t, r.Check(id2, bob, ScopeDecrypt))
}

func TestRegistry_GrantRevokeIdempotent(t *testing.T) {
	r, _ := setupRegistry(t)
	owner := testKey(t)
	other := testKey(t)

	h := registerHandle(t, r, owner)

	require.NoError(t, r.Grant(h.ID, other, ScopeDecrypt))
	require.NoError(t, r.Grant(h.ID, other, ScopeDecrypt))
	require.True(t, r.Check(h.ID, other, ScopeDecrypt))

	require.NoError(t, r.Revoke(h.ID, other, ScopeDecrypt))
	require.NoError(t, r.Revoke(h.ID, other, ScopeDecrypt))
	require.False(t, r.Check(h.ID, other, ScopeDecrypt))

	// The audit history records one grant and one revoke, not the no-ops.
	history, err := r.History(h.ID)
	require.NoError(t, err)
	var grants, revokes int
	for _, ev := range history {
		if ev.Grantee.Equal(other) {
			switch ev.Action {
			case "grant":
				grants++
			case "revoke":
				revokes++
			}
		}
	}
	require.Equal(t, 1, grants)
	require.Equal(t, 1, revokes)
}

func TestRegistry_RevokeRetainedFails(t *testing.T) {
	r, _ := setupRegistry(t)
	owner := testKey(t)

	h := registerHandle(t, r, owner)
	require.NoError(t, r.Retain(h.ID, owner))

	require.ErrorIs(t, r.Revoke(h.ID, owner, ScopeDecrypt), ErrGrantRetained)
	require.True(t, r.Check(h.ID, owner, ScopeDecrypt))

	// Compute is not covered by retention.
	require.NoError(t, r.Revoke(h.ID, owner, ScopeCompute))
	require.False(t, r.Check(h.ID, owner, ScopeCompute))
}

func TestRegistry_InvalidScopeRejected(t *testing.T) {
	r, _ := setupRegistry(t)
	owner := testKey(t)
	h := registerHandle(t, r, owner)

	require.Error(t, r.Grant(h.ID, owner, Scope("admin")))
	require.Error(t, r.Revoke(h.ID, owner, Scope("admin")))
}
