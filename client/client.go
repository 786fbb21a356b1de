// Package client is the Go SDK for the coordinator API. It signs every
// mutating request with the participant's private key and decodes the
// coordinator's response envelopes. Ciphertexts and binding proofs are
// produced by the encryption engine out of band; the client only carries
// them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/services"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/tdx"
)

// Client talks to one coordinator instance on behalf of one participant.
type Client struct {
	baseURL    string
	httpClient *http.Client

	publicKey  crypto.PublicKey
	privateKey crypto.PrivateKey
}

// New creates a client for the coordinator at baseURL acting as the given
// identity. A nil httpClient falls back to a default with a 30s timeout.
func New(baseURL string, publicKey crypto.PublicKey, privateKey crypto.PrivateKey, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL cannot be empty")
	}
	if publicKey.IsZero() || len(privateKey) == 0 {
		return nil, errors.New("identity key pair cannot be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		publicKey:  publicKey,
		privateKey: privateKey,
	}, nil
}

// PublicKey returns the identity this client acts as.
func (c *Client) PublicKey() crypto.PublicKey {
	return c.publicKey
}

// CreateDelivery opens a delivery request from four encrypted fields and
// returns its identifier.
func (c *Client) CreateDelivery(ctx context.Context, recipient, pickup, dropoff, fee coordinator.CiphertextInput) (string, error) {
	var resp services.CreatedResponse
	err := postSignedJSON(ctx, c, "/delivery", &services.CreateDeliveryRequest{
		Recipient: recipient,
		Pickup:    pickup,
		Dropoff:   dropoff,
		Fee:       fee,
	}, &resp)
	return resp.ID, err
}

// AcceptDelivery accepts a pending delivery with the caller's encrypted
// location.
func (c *Client) AcceptDelivery(ctx context.Context, deliveryID string, location coordinator.CiphertextInput) (string, error) {
	var resp services.StatusResponse
	err := postSignedJSON(ctx, c, "/delivery/"+deliveryID+"/accept", &services.AcceptDeliveryRequest{
		DeliveryID: deliveryID,
		Location:   location,
	}, &resp)
	return resp.Status, err
}

// PickupDelivery marks an accepted delivery in transit.
func (c *Client) PickupDelivery(ctx context.Context, deliveryID string) (string, error) {
	return c.deliveryTransition(ctx, deliveryID, "pickup")
}

// CompleteDelivery finishes a delivery, releasing any escrowed payment.
func (c *Client) CompleteDelivery(ctx context.Context, deliveryID string) (string, error) {
	return c.deliveryTransition(ctx, deliveryID, "complete")
}

// CancelDelivery withdraws a pending delivery.
func (c *Client) CancelDelivery(ctx context.Context, deliveryID string) (string, error) {
	return c.deliveryTransition(ctx, deliveryID, "cancel")
}

func (c *Client) deliveryTransition(ctx context.Context, deliveryID, action string) (string, error) {
	var resp services.StatusResponse
	err := postSignedJSON(ctx, c, "/delivery/"+deliveryID+"/"+action, &services.DeliveryTransitionRequest{
		DeliveryID: deliveryID,
	}, &resp)
	return resp.Status, err
}

// DeliveryStatus reads a delivery's plaintext status.
func (c *Client) DeliveryStatus(ctx context.Context, deliveryID string) (string, error) {
	var resp services.StatusResponse
	err := c.get(ctx, "/delivery/"+deliveryID+"/status", &resp)
	return resp.Status, err
}

// CreatePayment opens a payment backing a delivery and returns its
// identifier. The caller is the payer.
func (c *Client) CreatePayment(ctx context.Context, deliveryID string, payee crypto.PublicKey, amount coordinator.CiphertextInput, nativeDeposit uint64) (string, error) {
	var resp services.CreatedResponse
	err := postSignedJSON(ctx, c, "/payment", &services.CreatePaymentRequest{
		DeliveryID:    deliveryID,
		Payee:         payee.String(),
		Amount:        amount,
		NativeDeposit: nativeDeposit,
	}, &resp)
	return resp.ID, err
}

// EscrowPayment locks the deposit. Payer only.
func (c *Client) EscrowPayment(ctx context.Context, paymentID string) (string, error) {
	return c.paymentTransition(ctx, paymentID, "escrow")
}

// ReleasePayment settles an escrowed payment without going through delivery
// completion.
func (c *Client) ReleasePayment(ctx context.Context, paymentID string) (string, error) {
	return c.paymentTransition(ctx, paymentID, "release")
}

// DisputePayment escalates a payment.
func (c *Client) DisputePayment(ctx context.Context, paymentID string) (string, error) {
	return c.paymentTransition(ctx, paymentID, "dispute")
}

func (c *Client) paymentTransition(ctx context.Context, paymentID, action string) (string, error) {
	var resp services.StatusResponse
	err := postSignedJSON(ctx, c, "/payment/"+paymentID+"/"+action, &services.PaymentTransitionRequest{
		PaymentID: paymentID,
	}, &resp)
	return resp.Status, err
}

// RefundPayment refunds the escrow by an encrypted amount. Payer only.
func (c *Client) RefundPayment(ctx context.Context, paymentID string, refund coordinator.CiphertextInput) (string, error) {
	var resp services.StatusResponse
	err := postSignedJSON(ctx, c, "/payment/"+paymentID+"/refund", &services.RefundPaymentRequest{
		PaymentID: paymentID,
		Refund:    refund,
	}, &resp)
	return resp.Status, err
}

// PaymentStatus reads a payment's plaintext status.
func (c *Client) PaymentStatus(ctx context.Context, paymentID string) (string, error) {
	var resp services.StatusResponse
	err := c.get(ctx, "/payment/"+paymentID+"/status", &resp)
	return resp.Status, err
}

// SubmitRating rates the other party of a completed delivery.
func (c *Client) SubmitRating(ctx context.Context, deliveryID string, rated crypto.PublicKey, score, comment coordinator.CiphertextInput) error {
	return postSignedJSON(ctx, c, "/rating", &services.SubmitRatingRequest{
		DeliveryID: deliveryID,
		Rated:      rated.String(),
		Score:      score,
		Comment:    comment,
	}, nil)
}

// AverageRating returns the opaque handle reference for a participant's
// truncated mean score. Disclosure requires a Decrypt capability on it.
func (c *Client) AverageRating(ctx context.Context, participant crypto.PublicKey) (*services.HandleResponse, error) {
	var resp services.HandleResponse
	if err := c.get(ctx, "/reputation/"+participant.String()+"/average", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MeetsThreshold asks whether a participant's average meets the minimum. The
// boolean outcome is disclosed to this client's identity.
func (c *Client) MeetsThreshold(ctx context.Context, participant crypto.PublicKey, minimum uint64) (bool, error) {
	var resp services.BoolResponse
	path := fmt.Sprintf("/reputation/%s/meets-threshold?min=%d&caller=%s", participant.String(), minimum, c.publicKey.String())
	err := c.get(ctx, path, &resp)
	return resp.Result, err
}

// Attestation fetches the coordinator's attestation report.
func (c *Client) Attestation(ctx context.Context) (*services.AttestationResponse, error) {
	var resp services.AttestationResponse
	if err := c.get(ctx, "/attestation", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyAttestation fetches the attestation report and checks it with the
// given provider: the report must be genuine and its report data must bind
// the coordinator identifier to the engine key the report itself claims.
// On success it returns the verified engine key for pinning.
func (c *Client) VerifyAttestation(ctx context.Context, provider tdx.Provider) (crypto.PublicKey, error) {
	att, err := c.Attestation(ctx)
	if err != nil {
		return nil, err
	}

	engineKey, err := crypto.NewPublicKeyFromString(att.EngineKey)
	if err != nil {
		return nil, fmt.Errorf("parsing engine key: %w", err)
	}

	expected := tdx.CoordinatorReportData(att.CoordinatorID, engineKey)
	if _, err := provider.Verify(att.Attestation, expected); err != nil {
		return nil, fmt.Errorf("verifying attestation: %w", err)
	}
	return engineKey, nil
}

// Config fetches the coordinator's workflow constants.
func (c *Client) Config(ctx context.Context) (*coordinator.Config, error) {
	var resp coordinator.Config
	if err := c.get(ctx, "/config", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubscribeEvents opens the websocket event stream and delivers transition
// events on the returned channel until the context is done or the
// connection drops, at which point the channel is closed.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan coordinator.Event, error) {
	wsURL := c.baseURL + "/events"
	switch {
	case strings.HasPrefix(wsURL, "https"):
		wsURL = "wss" + strings.TrimPrefix(wsURL, "https")
	case strings.HasPrefix(wsURL, "http"):
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing event stream: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	out := make(chan coordinator.Event)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev coordinator.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError is a non-200 coordinator response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var envelope services.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: envelope.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// postSignedJSON signs the body as the client's identity, posts it, and
// decodes the response into out when out is non-nil. A free function because
// methods cannot be generic.
func postSignedJSON[T any](ctx context.Context, c *Client, path string, body *T, out any) error {
	signed, err := crypto.NewSigned(c.privateKey, body)
	if err != nil {
		return fmt.Errorf("signing request: %w", err)
	}
	payload, err := json.Marshal(signed)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}
