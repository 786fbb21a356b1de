package services

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/tdx"
)

// Handler exposes the coordinator over HTTP. Every mutating entry point
// takes a crypto.Signed envelope; the acting identity is recovered from the
// envelope signature, never from a request field.
type Handler struct {
	coordinator *coordinator.Coordinator
	attestor    tdx.Provider
	events      *EventHub
}

// NewHandler wires the coordinator behind the HTTP entry points. The
// attestor and event hub may be nil; the corresponding endpoints then
// report unavailable.
func NewHandler(c *coordinator.Coordinator, attestor tdx.Provider, events *EventHub) *Handler {
	return &Handler{
		coordinator: c,
		attestor:    attestor,
		events:      events,
	}
}

// RegisterRoutes mounts the coordinator API on the given router.
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post("/delivery", h.handleCreateDelivery)
	router.Post("/delivery/{id}/accept", h.handleAcceptDelivery)
	router.Post("/delivery/{id}/pickup", h.handlePickupDelivery)
	router.Post("/delivery/{id}/complete", h.handleCompleteDelivery)
	router.Post("/delivery/{id}/cancel", h.handleCancelDelivery)
	router.Get("/delivery/{id}/status", h.handleDeliveryStatus)

	router.Post("/payment", h.handleCreatePayment)
	router.Post("/payment/{id}/escrow", h.handleEscrowPayment)
	router.Post("/payment/{id}/release", h.handleReleasePayment)
	router.Post("/payment/{id}/refund", h.handleRefundPayment)
	router.Post("/payment/{id}/dispute", h.handleDisputePayment)
	router.Get("/payment/{id}/status", h.handlePaymentStatus)

	router.Post("/rating", h.handleSubmitRating)
	router.Get("/reputation/{participant}/average", h.handleAverageRating)
	router.Get("/reputation/{participant}/meets-threshold", h.handleMeetsThreshold)

	router.Get("/attestation", h.handleAttestation)
	router.Get("/config", h.handleConfig)

	if h.events != nil {
		router.Get("/events", h.events.HandleSubscribe)
	}
}

func (h *Handler) handleCreateDelivery(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"create_delivery\"}").Inc()

	body, signer, ok := decodeSigned[CreateDeliveryRequest](w, req)
	if !ok {
		return
	}

	id, err := h.coordinator.CreateDelivery(signer, body.Recipient, body.Pickup, body.Dropoff, body.Fee)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	json.NewEncoder(w).Encode(&CreatedResponse{ID: id})
}

func (h *Handler) handleAcceptDelivery(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"accept_delivery\"}").Inc()

	id := chi.URLParam(req, "id")
	body, signer, ok := decodeSigned[AcceptDeliveryRequest](w, req)
	if !ok {
		return
	}
	if body.DeliveryID != id {
		writeError(w, fmt.Sprintf("delivery id mismatch: URL says %s, body says %s", id, body.DeliveryID), http.StatusBadRequest)
		return
	}

	if err := h.coordinator.AcceptDelivery(id, signer, body.Location); err != nil {
		writeDomainError(w, err)
		return
	}

	writeStatus(w, id, h.coordinator.DeliveryStatus)
}

func (h *Handler) handlePickupDelivery(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"pickup_delivery\"}").Inc()
	h.deliveryTransition(w, req, h.coordinator.PickupDelivery)
}

func (h *Handler) handleCompleteDelivery(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"complete_delivery\"}").Inc()
	h.deliveryTransition(w, req, h.coordinator.CompleteDelivery)
}

func (h *Handler) handleCancelDelivery(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"cancel_delivery\"}").Inc()
	h.deliveryTransition(w, req, h.coordinator.CancelDelivery)
}

func (h *Handler) deliveryTransition(w http.ResponseWriter, req *http.Request, transition func(string, crypto.PublicKey) error) {
	id := chi.URLParam(req, "id")
	body, signer, ok := decodeSigned[DeliveryTransitionRequest](w, req)
	if !ok {
		return
	}
	if body.DeliveryID != id {
		writeError(w, fmt.Sprintf("delivery id mismatch: URL says %s, body says %s", id, body.DeliveryID), http.StatusBadRequest)
		return
	}

	if err := transition(id, signer); err != nil {
		writeDomainError(w, err)
		return
	}

	writeStatus(w, id, h.coordinator.DeliveryStatus)
}

func (h *Handler) handleDeliveryStatus(w http.ResponseWriter, req *http.Request) {
	writeStatus(w, chi.URLParam(req, "id"), h.coordinator.DeliveryStatus)
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"create_payment\"}").Inc()

	body, signer, ok := decodeSigned[CreatePaymentRequest](w, req)
	if !ok {
		return
	}

	payee, err := crypto.NewPublicKeyFromString(body.Payee)
	if err != nil {
		writeError(w, "invalid payee public key", http.StatusBadRequest)
		return
	}

	id, err := h.coordinator.CreatePayment(body.DeliveryID, signer, payee, body.Amount, body.NativeDeposit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	json.NewEncoder(w).Encode(&CreatedResponse{ID: id})
}

func (h *Handler) handleEscrowPayment(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"escrow_payment\"}").Inc()
	h.paymentTransition(w, req, h.coordinator.EscrowPayment)
}

func (h *Handler) handleReleasePayment(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"release_payment\"}").Inc()
	h.paymentTransition(w, req, h.coordinator.CompletePayment)
}

func (h *Handler) handleDisputePayment(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"dispute_payment\"}").Inc()
	h.paymentTransition(w, req, h.coordinator.DisputePayment)
}

func (h *Handler) paymentTransition(w http.ResponseWriter, req *http.Request, transition func(string, crypto.PublicKey) error) {
	id := chi.URLParam(req, "id")
	body, signer, ok := decodeSigned[PaymentTransitionRequest](w, req)
	if !ok {
		return
	}
	if body.PaymentID != id {
		writeError(w, fmt.Sprintf("payment id mismatch: URL says %s, body says %s", id, body.PaymentID), http.StatusBadRequest)
		return
	}

	if err := transition(id, signer); err != nil {
		writeDomainError(w, err)
		return
	}

	writeStatus(w, id, h.coordinator.PaymentStatus)
}

func (h *Handler) handleRefundPayment(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"refund_payment\"}").Inc()

	id := chi.URLParam(req, "id")
	body, signer, ok := decodeSigned[RefundPaymentRequest](w, req)
	if !ok {
		return
	}
	if body.PaymentID != id {
		writeError(w, fmt.Sprintf("payment id mismatch: URL says %s, body says %s", id, body.PaymentID), http.StatusBadRequest)
		return
	}

	if err := h.coordinator.RefundPayment(id, signer, body.Refund); err != nil {
		writeDomainError(w, err)
		return
	}

	writeStatus(w, id, h.coordinator.PaymentStatus)
}

func (h *Handler) handlePaymentStatus(w http.ResponseWriter, req *http.Request) {
	writeStatus(w, chi.URLParam(req, "id"), h.coordinator.PaymentStatus)
}

func (h *Handler) handleSubmitRating(w http.ResponseWriter, req *http.Request) {
	metrics.GetOrCreateCounter("coordinator_requests_total{endpoint=\"submit_rating\"}").Inc()

	body, signer, ok := decodeSigned[SubmitRatingRequest](w, req)
	if !ok {
		return
	}

	rated, err := crypto.NewPublicKeyFromString(body.Rated)
	if err != nil {
		writeError(w, "invalid rated public key", http.StatusBadRequest)
		return
	}

	if err := h.coordinator.SubmitRating(body.DeliveryID, signer, rated, body.Score, body.Comment); err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleAverageRating(w http.ResponseWriter, req *http.Request) {
	participant, err := crypto.NewPublicKeyFromString(chi.URLParam(req, "participant"))
	if err != nil {
		writeError(w, "invalid participant public key", http.StatusBadRequest)
		return
	}

	handle, err := h.coordinator.AverageRating(participant)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	json.NewEncoder(w).Encode(&HandleResponse{
		HandleID: string(handle.ID),
		Kind:     handle.Kind.String(),
	})
}

func (h *Handler) handleMeetsThreshold(w http.ResponseWriter, req *http.Request) {
	participant, err := crypto.NewPublicKeyFromString(chi.URLParam(req, "participant"))
	if err != nil {
		writeError(w, "invalid participant public key", http.StatusBadRequest)
		return
	}

	minimum, err := strconv.ParseUint(req.URL.Query().Get("min"), 10, 64)
	if err != nil {
		writeError(w, "invalid min parameter", http.StatusBadRequest)
		return
	}

	caller, err := crypto.NewPublicKeyFromString(req.URL.Query().Get("caller"))
	if err != nil || caller.IsZero() {
		writeError(w, "invalid caller public key", http.StatusBadRequest)
		return
	}

	result, err := h.coordinator.MeetsMinimumReputation(participant, minimum, caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	json.NewEncoder(w).Encode(&BoolResponse{Result: result})
}

func (h *Handler) handleAttestation(w http.ResponseWriter, req *http.Request) {
	if h.attestor == nil {
		writeError(w, "attestation not configured", http.StatusServiceUnavailable)
		return
	}

	cfg := h.coordinator.Config()
	engineKey := h.coordinator.EngineKey()
	reportData := tdx.CoordinatorReportData(cfg.CoordinatorID, engineKey)

	quote, err := h.attestor.Attest(reportData)
	if err != nil {
		writeError(w, fmt.Sprintf("attestation failed: %v", err), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(&AttestationResponse{
		CoordinatorID:   cfg.CoordinatorID,
		AttestationType: h.attestor.AttestationType(),
		EngineKey:       engineKey.String(),
		ReportData:      hex.EncodeToString(reportData[:]),
		Attestation:     quote,
	})
}

func (h *Handler) handleConfig(w http.ResponseWriter, req *http.Request) {
	cfg := h.coordinator.Config()
	json.NewEncoder(w).Encode(&cfg)
}

func writeStatus[S ~string](w http.ResponseWriter, id string, lookup func(string) (S, error)) {
	status, err := lookup(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	json.NewEncoder(w).Encode(&StatusResponse{ID: id, Status: string(status)})
}

// decodeSigned decodes a signed envelope and recovers the signer. On failure
// it writes the error response and returns ok=false.
func decodeSigned[T any](w http.ResponseWriter, req *http.Request) (*T, crypto.PublicKey, bool) {
	var signed crypto.Signed[T]
	if err := json.NewDecoder(req.Body).Decode(&signed); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}

	body, signer, err := signed.Recover()
	if err != nil {
		writeError(w, fmt.Errorf("invalid signature: %w", err).Error(), http.StatusForbidden)
		return nil, nil, false
	}

	return body, signer, true
}

// writeError renders any failure as the single JSON error envelope.
func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(&ErrorResponse{Error: msg})
}

// writeDomainError renders a coordinator failure. Authorization failures and
// invalid transitions share one status code and one message shape on purpose:
// a caller probing an entity it is not party to learns nothing about the
// entity's state from the response.
func writeDomainError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	msg := err.Error()

	switch {
	case errors.Is(err, confidential.ErrEntityNotFound):
		code = http.StatusNotFound
	case errors.Is(err, confidential.ErrInvalidStateTransition),
		errors.Is(err, confidential.ErrPermissionDenied):
		code = http.StatusConflict
		msg = "operation not permitted in current state"
	}

	writeError(w, msg, code)
}
