package delivery_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/delivery"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/testutil"
)

const maxPickupDistance = 100

type lifecycleFixture struct {
	engine   *confidential.StubEngine
	registry *confidential.Registry
	verifier *confidential.BindingVerifier
	lc       *delivery.Lifecycle

	requester testutil.Identity
	courier   testutil.Identity
}

func setupLifecycle(t *testing.T) *lifecycleFixture {
	t.Helper()

	engine := testutil.NewEngine(t)
	coordinator := testutil.NewIdentity(t)
	registry := confidential.NewRegistry(coordinator.Public, nil)
	engine.SetAuthorizer(registry)

	verifier := confidential.NewBindingVerifier(testutil.CoordinatorID, engine, registry)
	prims := confidential.NewPrimitives(testutil.CoordinatorID, coordinator.Public, engine, registry)

	return &lifecycleFixture{
		engine:    engine,
		registry:  registry,
		verifier:  verifier,
		lc:        delivery.NewLifecycle(testutil.NewMemStore(), verifier, prims, registry, maxPickupDistance),
		requester: testutil.NewIdentity(t),
		courier:   testutil.NewIdentity(t),
	}
}

func (f *lifecycleFixture) handle(t *testing.T, value uint64, kind confidential.Kind, owner crypto.PublicKey) confidential.Handle {
	t.Helper()
	ciphertext, proof, err := f.engine.Encrypt(value, testutil.CoordinatorID, owner)
	require.NoError(t, err)
	h, err := f.verifier.Admit(ciphertext, proof, kind, owner)
	require.NoError(t, err)
	return h
}

// create stores a pending request with pickup at (1000, 2000).
func (f *lifecycleFixture) create(t *testing.T) *delivery.Request {
	t.Helper()
	req, err := f.lc.Create(
		f.requester.Public,
		f.handle(t, 7001, confidential.U64, f.requester.Public),
		f.handle(t, confidential.PackLocation(1000, 2000), confidential.U64, f.requester.Public),
		f.handle(t, confidential.PackLocation(1400, 2600), confidential.U64, f.requester.Public),
		f.handle(t, 50, confidential.U64, f.requester.Public),
	)
	require.NoError(t, err)
	return req
}

// accept moves a request to Accepted with the courier 70 blocks from pickup.
func (f *lifecycleFixture) accept(t *testing.T, id string) *delivery.Request {
	t.Helper()
	loc := f.handle(t, confidential.PackLocation(1020, 2050), confidential.U64, f.courier.Public)
	req, err := f.lc.Accept(id, f.courier.Public, loc)
	require.NoError(t, err)
	return req
}

func TestLifecycle_Create(t *testing.T) {
	f := setupLifecycle(t)

	req := f.create(t)
	require.True(t, strings.HasPrefix(req.ID, "dlv-"))
	require.Equal(t, delivery.StatusPending, req.Status)
	require.True(t, req.Courier.IsZero())

	status, err := f.lc.Status(req.ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusPending, status)
}

func TestLifecycle_CreateRejectsForeignHandles(t *testing.T) {
	f := setupLifecycle(t)
	stranger := testutil.NewIdentity(t)

	// The fee handle belongs to someone else; nothing is stored.
	_, err := f.lc.Create(
		f.requester.Public,
		f.handle(t, 7001, confidential.U64, f.requester.Public),
		f.handle(t, confidential.PackLocation(1000, 2000), confidential.U64, f.requester.Public),
		f.handle(t, confidential.PackLocation(1400, 2600), confidential.U64, f.requester.Public),
		f.handle(t, 50, confidential.U64, stranger.Public),
	)
	require.ErrorIs(t, err, confidential.ErrBindingMismatch)
}

func TestLifecycle_AcceptWithinRange(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)

	accepted := f.accept(t, req.ID)
	require.Equal(t, delivery.StatusAccepted, accepted.Status)
	require.True(t, accepted.Courier.Equal(f.courier.Public))
}

func TestLifecycle_AcceptOutOfRange(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)

	far := f.handle(t, confidential.PackLocation(2000, 2000), confidential.U64, f.courier.Public)
	_, err := f.lc.Accept(req.ID, f.courier.Public, far)
	require.ErrorIs(t, err, confidential.ErrLocationMismatch)

	// A failed gate leaves the request available for other couriers.
	status, err := f.lc.Status(req.ID)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusPending, status)
}

func TestLifecycle_AcceptOwnRequest(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)

	loc := f.handle(t, confidential.PackLocation(1000, 2000), confidential.U64, f.requester.Public)
	_, err := f.lc.Accept(req.ID, f.requester.Public, loc)
	require.ErrorIs(t, err, confidential.ErrSelfDealingNotAllowed)
}

func TestLifecycle_AcceptForeignLocation(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)

	// Location handle admitted for the requester, presented by the courier.
	loc := f.handle(t, confidential.PackLocation(1000, 2000), confidential.U64, f.requester.Public)
	_, err := f.lc.Accept(req.ID, f.courier.Public, loc)
	require.ErrorIs(t, err, confidential.ErrBindingMismatch)
}

func TestLifecycle_AcceptTwice(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)
	f.accept(t, req.ID)

	second := testutil.NewIdentity(t)
	loc := f.handle(t, confidential.PackLocation(1000, 2000), confidential.U64, second.Public)
	_, err := f.lc.Accept(req.ID, second.Public, loc)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)
}

func TestLifecycle_PickupAndComplete(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)
	f.accept(t, req.ID)

	moved, err := f.lc.Pickup(req.ID, f.courier.Public)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusInTransit, moved.Status)

	done, err := f.lc.Complete(req.ID, f.courier.Public)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusCompleted, done.Status)
	require.True(t, done.Status.Terminal())
}

func TestLifecycle_CompleteWithoutPickup(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)
	f.accept(t, req.ID)

	done, err := f.lc.Complete(req.ID, f.courier.Public)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusCompleted, done.Status)
}

func TestLifecycle_CourierOnlyTransitions(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)
	f.accept(t, req.ID)

	_, err := f.lc.Pickup(req.ID, f.requester.Public)
	require.ErrorIs(t, err, confidential.ErrPermissionDenied)

	_, err = f.lc.Complete(req.ID, f.requester.Public)
	require.ErrorIs(t, err, confidential.ErrPermissionDenied)
}

func TestLifecycle_PickupPending(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)

	_, err := f.lc.Pickup(req.ID, f.courier.Public)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)
}

func TestLifecycle_Cancel(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)

	cancelled, err := f.lc.Cancel(req.ID, f.requester.Public)
	require.NoError(t, err)
	require.Equal(t, delivery.StatusCancelled, cancelled.Status)

	// Terminal: no edge leaves Cancelled.
	_, err = f.lc.Cancel(req.ID, f.requester.Public)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)
}

func TestLifecycle_CancelByStranger(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)

	_, err := f.lc.Cancel(req.ID, f.courier.Public)
	require.ErrorIs(t, err, confidential.ErrPermissionDenied)
}

func TestLifecycle_CancelAfterAccept(t *testing.T) {
	f := setupLifecycle(t)
	req := f.create(t)
	f.accept(t, req.ID)

	_, err := f.lc.Cancel(req.ID, f.requester.Public)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)
}

func TestLifecycle_UnknownRequest(t *testing.T) {
	f := setupLifecycle(t)

	_, err := f.lc.Status("dlv-missing")
	require.ErrorIs(t, err, confidential.ErrEntityNotFound)

	_, err = f.lc.Pickup("dlv-missing", f.courier.Public)
	require.ErrorIs(t, err, confidential.ErrEntityNotFound)
}
