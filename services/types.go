package services

import (
	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
)

// Request bodies for the mutating entry points. Every one of them travels
// inside a crypto.Signed envelope; the signer is the acting identity. Bodies
// repeat the entity identifier from the URL so a signed request cannot be
// replayed against a different entity.

// CreateDeliveryRequest opens a delivery request with four encrypted fields.
type CreateDeliveryRequest struct {
	Recipient coordinator.CiphertextInput `json:"recipient"`
	Pickup    coordinator.CiphertextInput `json:"pickup"`
	Dropoff   coordinator.CiphertextInput `json:"dropoff"`
	Fee       coordinator.CiphertextInput `json:"fee"`
}

// AcceptDeliveryRequest carries the courier's encrypted location.
type AcceptDeliveryRequest struct {
	DeliveryID string                      `json:"delivery_id"`
	Location   coordinator.CiphertextInput `json:"location"`
}

// DeliveryTransitionRequest covers pickup, complete, and cancel.
type DeliveryTransitionRequest struct {
	DeliveryID string `json:"delivery_id"`
}

// CreatePaymentRequest opens a payment backing a delivery.
type CreatePaymentRequest struct {
	DeliveryID    string                      `json:"delivery_id"`
	Payee         string                      `json:"payee"` // hex public key
	Amount        coordinator.CiphertextInput `json:"amount"`
	NativeDeposit uint64                      `json:"native_deposit"`
}

// PaymentTransitionRequest covers escrow, release, and dispute.
type PaymentTransitionRequest struct {
	PaymentID string `json:"payment_id"`
}

// RefundPaymentRequest carries the encrypted refund amount.
type RefundPaymentRequest struct {
	PaymentID string                      `json:"payment_id"`
	Refund    coordinator.CiphertextInput `json:"refund"`
}

// SubmitRatingRequest rates one party of a completed delivery.
type SubmitRatingRequest struct {
	DeliveryID string                      `json:"delivery_id"`
	Rated      string                      `json:"rated"` // hex public key
	Score      coordinator.CiphertextInput `json:"score"`
	Comment    coordinator.CiphertextInput `json:"comment"`
}

// CreatedResponse returns the identifier of a newly created entity.
type CreatedResponse struct {
	ID string `json:"id"`
}

// StatusResponse returns an entity's plaintext status.
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleResponse returns an opaque handle reference. The value behind it is
// only reachable through the engine with a Decrypt capability.
type HandleResponse struct {
	HandleID string `json:"handle_id"`
	Kind     string `json:"kind"`
}

// BoolResponse returns a disclosed boolean outcome.
type BoolResponse struct {
	Result bool `json:"result"`
}

// AttestationResponse lets clients verify they are talking to a genuine
// coordinator instance before binding ciphertexts to it.
type AttestationResponse struct {
	CoordinatorID   string `json:"coordinator_id"`
	AttestationType string `json:"attestation_type"`
	EngineKey       string `json:"engine_key"`  // hex
	ReportData      string `json:"report_data"` // hex
	Attestation     []byte `json:"attestation"`
}

// ErrorResponse is the single failure envelope. Expected domain failures
// share shape and, for the state/permission pair, wording; see
// writeDomainError.
type ErrorResponse struct {
	Error string `json:"error"`
}
