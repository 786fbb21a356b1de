package escrow_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/escrow"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/testutil"
)

type escrowFixture struct {
	engine   *confidential.StubEngine
	verifier *confidential.BindingVerifier
	svc      *escrow.Service

	payer testutil.Identity
	payee testutil.Identity
}

func setupEscrow(t *testing.T) *escrowFixture {
	t.Helper()

	engine := testutil.NewEngine(t)
	coordinator := testutil.NewIdentity(t)
	registry := confidential.NewRegistry(coordinator.Public, nil)
	engine.SetAuthorizer(registry)

	verifier := confidential.NewBindingVerifier(testutil.CoordinatorID, engine, registry)
	prims := confidential.NewPrimitives(testutil.CoordinatorID, coordinator.Public, engine, registry)

	cfg := escrow.Config{FeePercent: 2, MinPayment: 1, MaxPayment: 10000}
	return &escrowFixture{
		engine:   engine,
		verifier: verifier,
		svc:      escrow.NewService(testutil.NewMemStore(), verifier, prims, registry, cfg),
		payer:    testutil.NewIdentity(t),
		payee:    testutil.NewIdentity(t),
	}
}

func (f *escrowFixture) amountHandle(t *testing.T, value uint64, owner crypto.PublicKey) confidential.Handle {
	t.Helper()
	ciphertext, proof, err := f.engine.Encrypt(value, testutil.CoordinatorID, owner)
	require.NoError(t, err)
	h, err := f.verifier.Admit(ciphertext, proof, confidential.U64, owner)
	require.NoError(t, err)
	return h
}

// create stores a payment with a logical amount of 100 matching a native
// deposit of 100.
func (f *escrowFixture) create(t *testing.T) *escrow.Payment {
	t.Helper()
	p, err := f.svc.Create("dlv-1", f.payer.Public, f.payee.Public, f.amountHandle(t, 100, f.payer.Public), 100)
	require.NoError(t, err)
	return p
}

func (f *escrowFixture) escrowed(t *testing.T) *escrow.Payment {
	t.Helper()
	p := f.create(t)
	p, err := f.svc.Escrow(p.ID, f.payer.Public)
	require.NoError(t, err)
	return p
}

func TestService_Create(t *testing.T) {
	f := setupEscrow(t)

	p := f.create(t)
	require.True(t, strings.HasPrefix(p.ID, "pay-"))
	require.Equal(t, escrow.StatusPending, p.Status)
	require.Equal(t, uint64(100), p.NativeDeposit)
	require.Equal(t, uint64(100), p.Held)
	require.True(t, p.Conserved())

	byDelivery, err := f.svc.GetByDelivery("dlv-1")
	require.NoError(t, err)
	require.Equal(t, p.ID, byDelivery.ID)
}

func TestService_CreateDepositOutOfRange(t *testing.T) {
	f := setupEscrow(t)

	_, err := f.svc.Create("dlv-1", f.payer.Public, f.payee.Public, f.amountHandle(t, 0, f.payer.Public), 0)
	require.ErrorIs(t, err, confidential.ErrAmountOutOfRange)

	_, err = f.svc.Create("dlv-1", f.payer.Public, f.payee.Public, f.amountHandle(t, 20000, f.payer.Public), 20000)
	require.ErrorIs(t, err, confidential.ErrAmountOutOfRange)
}

func TestService_CreateSelfPayment(t *testing.T) {
	f := setupEscrow(t)

	_, err := f.svc.Create("dlv-1", f.payer.Public, f.payer.Public, f.amountHandle(t, 100, f.payer.Public), 100)
	require.ErrorIs(t, err, confidential.ErrSelfDealingNotAllowed)

	_, err = f.svc.Create("dlv-1", f.payer.Public, crypto.PublicKey{}, f.amountHandle(t, 100, f.payer.Public), 100)
	require.ErrorIs(t, err, confidential.ErrSelfDealingNotAllowed)
}

func TestService_CreateForeignAmount(t *testing.T) {
	f := setupEscrow(t)

	_, err := f.svc.Create("dlv-1", f.payer.Public, f.payee.Public, f.amountHandle(t, 100, f.payee.Public), 100)
	require.ErrorIs(t, err, confidential.ErrBindingMismatch)
}

func TestService_Escrow(t *testing.T) {
	f := setupEscrow(t)
	p := f.create(t)

	_, err := f.svc.Escrow(p.ID, f.payee.Public)
	require.ErrorIs(t, err, confidential.ErrPermissionDenied)

	locked, err := f.svc.Escrow(p.ID, f.payer.Public)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusEscrowed, locked.Status)

	_, err = f.svc.Escrow(p.ID, f.payer.Public)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)
}

func TestService_Release(t *testing.T) {
	f := setupEscrow(t)
	p := f.escrowed(t)

	// 2% platform fee on a logical amount of 100.
	settled, err := f.svc.Release(p.ID, f.payee.Public)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, settled.Status)
	require.Equal(t, uint64(98), settled.Released)
	require.Equal(t, uint64(2), settled.PlatformCut)
	require.Equal(t, uint64(0), settled.Held)
	require.True(t, settled.Conserved())
}

func TestService_ReleaseClampsToDeposit(t *testing.T) {
	f := setupEscrow(t)

	// Logical amount larger than the deposit: the payee cannot be owed more
	// native funds than were ever locked.
	p, err := f.svc.Create("dlv-1", f.payer.Public, f.payee.Public, f.amountHandle(t, 500, f.payer.Public), 100)
	require.NoError(t, err)
	_, err = f.svc.Escrow(p.ID, f.payer.Public)
	require.NoError(t, err)

	settled, err := f.svc.Release(p.ID, f.payer.Public)
	require.NoError(t, err)
	require.Equal(t, uint64(100), settled.Released)
	require.Equal(t, uint64(0), settled.PlatformCut)
	require.True(t, settled.Conserved())
}

func TestService_ReleaseGuards(t *testing.T) {
	f := setupEscrow(t)
	stranger := testutil.NewIdentity(t)

	p := f.create(t)
	_, err := f.svc.Release(p.ID, f.payer.Public)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)

	p = f.escrowed(t)
	_, err = f.svc.Release(p.ID, stranger.Public)
	require.ErrorIs(t, err, confidential.ErrPermissionDenied)

	_, err = f.svc.Release(p.ID, f.payer.Public)
	require.NoError(t, err)
	_, err = f.svc.Release(p.ID, f.payer.Public)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)
}

func TestService_Refund(t *testing.T) {
	f := setupEscrow(t)
	p := f.escrowed(t)

	ciphertext, proof, err := f.engine.Encrypt(40, testutil.CoordinatorID, f.payer.Public)
	require.NoError(t, err)

	refunded, err := f.svc.Refund(p.ID, f.payer.Public, ciphertext, proof)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, refunded.Status)
	require.Equal(t, uint64(40), refunded.Refunded)
	require.Equal(t, uint64(60), refunded.Released)
	require.Equal(t, uint64(0), refunded.Held)
	require.True(t, refunded.Conserved())
}

func TestService_RefundExceedsAmount(t *testing.T) {
	f := setupEscrow(t)
	p := f.escrowed(t)

	ciphertext, proof, err := f.engine.Encrypt(150, testutil.CoordinatorID, f.payer.Public)
	require.NoError(t, err)

	_, err = f.svc.Refund(p.ID, f.payer.Public, ciphertext, proof)
	require.ErrorIs(t, err, confidential.ErrAmountOutOfRange)

	// The failed gate mutated nothing.
	status, err := f.svc.Status(p.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusEscrowed, status)
}

func TestService_RefundByPayee(t *testing.T) {
	f := setupEscrow(t)
	p := f.escrowed(t)

	ciphertext, proof, err := f.engine.Encrypt(40, testutil.CoordinatorID, f.payer.Public)
	require.NoError(t, err)

	_, err = f.svc.Refund(p.ID, f.payee.Public, ciphertext, proof)
	require.ErrorIs(t, err, confidential.ErrPermissionDenied)
}

func TestService_Dispute(t *testing.T) {
	f := setupEscrow(t)
	p := f.escrowed(t)

	disputed, err := f.svc.Dispute(p.ID, f.payee.Public)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusDisputed, disputed.Status)

	// Refund remains open from Disputed as the resolution path.
	ciphertext, proof, err := f.engine.Encrypt(100, testutil.CoordinatorID, f.payer.Public)
	require.NoError(t, err)
	refunded, err := f.svc.Refund(p.ID, f.payer.Public, ciphertext, proof)
	require.NoError(t, err)
	require.Equal(t, uint64(100), refunded.Refunded)
	require.True(t, refunded.Conserved())
}

func TestService_DisputeTerminal(t *testing.T) {
	f := setupEscrow(t)
	stranger := testutil.NewIdentity(t)

	p := f.escrowed(t)
	_, err := f.svc.Dispute(p.ID, stranger.Public)
	require.ErrorIs(t, err, confidential.ErrPermissionDenied)

	_, err = f.svc.Release(p.ID, f.payer.Public)
	require.NoError(t, err)
	_, err = f.svc.Dispute(p.ID, f.payer.Public)
	require.ErrorIs(t, err, confidential.ErrInvalidStateTransition)
}
