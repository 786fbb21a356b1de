package client_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/client"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/services"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/tdx"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/testutil"
)

type clientFixture struct {
	engine *confidential.StubEngine

	requester *client.Client
	courier   *client.Client

	requesterID testutil.Identity
	courierID   testutil.Identity
}

func setupClients(t *testing.T) *clientFixture {
	t.Helper()

	hub := services.NewEventHub(nil)
	c, engine := testutil.NewCoordinatorWithSink(t, hub)
	handler := services.NewHandler(c, &tdx.DummyProvider{}, hub)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	requesterID := testutil.NewIdentity(t)
	courierID := testutil.NewIdentity(t)

	requester, err := client.New(srv.URL, requesterID.Public, requesterID.Private, nil)
	require.NoError(t, err)
	courier, err := client.New(srv.URL, courierID.Public, courierID.Private, nil)
	require.NoError(t, err)

	return &clientFixture{
		engine:      engine,
		requester:   requester,
		courier:     courier,
		requesterID: requesterID,
		courierID:   courierID,
	}
}

func (f *clientFixture) createDelivery(t *testing.T, ctx context.Context) string {
	t.Helper()
	id, err := f.requester.CreateDelivery(ctx,
		testutil.Encrypt(t, f.engine, 7001, f.requesterID.Public),
		testutil.Encrypt(t, f.engine, confidential.PackLocation(1000, 2000), f.requesterID.Public),
		testutil.Encrypt(t, f.engine, confidential.PackLocation(1400, 2600), f.requesterID.Public),
		testutil.Encrypt(t, f.engine, 50, f.requesterID.Public),
	)
	require.NoError(t, err)
	return id
}

func TestClient_New(t *testing.T) {
	id := testutil.NewIdentity(t)

	_, err := client.New("", id.Public, id.Private, nil)
	require.Error(t, err)
	_, err = client.New("http://localhost:8080", nil, nil, nil)
	require.Error(t, err)
}

func TestClient_FullFlow(t *testing.T) {
	f := setupClients(t)
	ctx := context.Background()

	dlvID := f.createDelivery(t, ctx)

	status, err := f.requester.DeliveryStatus(ctx, dlvID)
	require.NoError(t, err)
	require.Equal(t, "PENDING", status)

	payID, err := f.requester.CreatePayment(ctx, dlvID, f.courierID.Public,
		testutil.Encrypt(t, f.engine, 100, f.requesterID.Public), 100)
	require.NoError(t, err)

	status, err = f.requester.EscrowPayment(ctx, payID)
	require.NoError(t, err)
	require.Equal(t, "ESCROWED", status)

	status, err = f.courier.AcceptDelivery(ctx, dlvID,
		testutil.Encrypt(t, f.engine, confidential.PackLocation(1020, 2050), f.courierID.Public))
	require.NoError(t, err)
	require.Equal(t, "ACCEPTED", status)

	status, err = f.courier.PickupDelivery(ctx, dlvID)
	require.NoError(t, err)
	require.Equal(t, "IN_TRANSIT", status)

	status, err = f.courier.CompleteDelivery(ctx, dlvID)
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", status)

	status, err = f.requester.PaymentStatus(ctx, payID)
	require.NoError(t, err)
	require.Equal(t, "COMPLETED", status)

	require.NoError(t, f.requester.SubmitRating(ctx, dlvID, f.courierID.Public,
		testutil.Encrypt(t, f.engine, 5, f.requesterID.Public),
		testutil.Encrypt(t, f.engine, 0, f.requesterID.Public)))

	handle, err := f.requester.AverageRating(ctx, f.courierID.Public)
	require.NoError(t, err)
	require.NotEmpty(t, handle.HandleID)

	meets, err := f.requester.MeetsThreshold(ctx, f.courierID.Public, 4)
	require.NoError(t, err)
	require.True(t, meets)
}

func TestClient_DomainErrors(t *testing.T) {
	f := setupClients(t)
	ctx := context.Background()

	_, err := f.requester.DeliveryStatus(ctx, "dlv-missing")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 404, apiErr.StatusCode)

	// Cancel by the wrong party and pickup in the wrong state render the
	// same way.
	dlvID := f.createDelivery(t, ctx)
	_, err = f.courier.CancelDelivery(ctx, dlvID)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 409, apiErr.StatusCode)
	deniedMsg := apiErr.Message

	_, err = f.courier.PickupDelivery(ctx, dlvID)
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 409, apiErr.StatusCode)
	require.Equal(t, deniedMsg, apiErr.Message)
}

func TestClient_RefundAndDispute(t *testing.T) {
	f := setupClients(t)
	ctx := context.Background()

	dlvID := f.createDelivery(t, ctx)
	payID, err := f.requester.CreatePayment(ctx, dlvID, f.courierID.Public,
		testutil.Encrypt(t, f.engine, 100, f.requesterID.Public), 100)
	require.NoError(t, err)
	_, err = f.requester.EscrowPayment(ctx, payID)
	require.NoError(t, err)

	status, err := f.courier.DisputePayment(ctx, payID)
	require.NoError(t, err)
	require.Equal(t, "DISPUTED", status)

	status, err = f.requester.RefundPayment(ctx, payID,
		testutil.Encrypt(t, f.engine, 40, f.requesterID.Public))
	require.NoError(t, err)
	require.Equal(t, "REFUNDED", status)
}

func TestClient_VerifyAttestation(t *testing.T) {
	f := setupClients(t)
	ctx := context.Background()

	engineKey, err := f.requester.VerifyAttestation(ctx, &tdx.DummyProvider{})
	require.NoError(t, err)
	require.True(t, engineKey.Equal(f.engine.VerifyKey()))

	cfg, err := f.requester.Config(ctx)
	require.NoError(t, err)
	require.Equal(t, testutil.CoordinatorID, cfg.CoordinatorID)
}

func TestClient_SubscribeEvents(t *testing.T) {
	f := setupClients(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	events, err := f.courier.SubscribeEvents(ctx)
	require.NoError(t, err)

	// The hub registers the subscriber asynchronously; keep creating until
	// an event comes through.
	deadline := time.After(5 * time.Second)
	for {
		f.createDelivery(t, ctx)
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			require.Equal(t, "delivery", ev.Kind)
			require.Equal(t, "PENDING", ev.To)
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestClient_ContextCancellation(t *testing.T) {
	f := setupClients(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.requester.DeliveryStatus(ctx, "dlv-1")
	require.Error(t, err)
}
