// Package escrow implements the payment state machine. A payment carries an
// encrypted logical amount used for fee arithmetic and a plaintext
// native-asset deposit backing the escrow. Fee math happens entirely on
// handles; plaintext appears exactly once, at settlement, disclosed to the
// payee and clamped against the recorded deposit.
package escrow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// heldGauge tracks the native funds of payments currently in Escrowed:
// added when a deposit locks, subtracted on whichever transition leaves
// Escrowed. Deposits of payments disputed straight from Pending were never
// locked and never touch the gauge.
var heldGauge = metrics.GetOrCreateGauge("escrow_held_native_total", nil)

// Status is the plaintext lifecycle state of a payment.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusEscrowed  Status = "ESCROWED"
	StatusCompleted Status = "COMPLETED"
	StatusRefunded  Status = "REFUNDED"
	StatusDisputed  Status = "DISPUTED"
)

// Terminal reports whether no further transitions leave the status.
// Disputed is terminal here; resolution happens outside this system.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded || s == StatusDisputed
}

// Payment is a payment entity. The native deposit and its split across
// released/refunded/held are plaintext accounting; the logical amount and
// platform fee are handles.
type Payment struct {
	ID         string           `json:"id"`
	DeliveryID string           `json:"delivery_id"`
	Payer      crypto.PublicKey `json:"payer"`
	Payee      crypto.PublicKey `json:"payee"`

	Amount      confidential.Handle `json:"amount"`
	PlatformFee confidential.Handle `json:"platform_fee"`

	NativeDeposit uint64 `json:"native_deposit"`
	Released      uint64 `json:"released"`
	PlatformCut   uint64 `json:"platform_cut"`
	Refunded      uint64 `json:"refunded"`
	Held          uint64 `json:"held"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the keyed table beneath the payment machine.
type Store interface {
	SavePayment(p *Payment) error
	GetPayment(id string) (*Payment, error)
	// GetPaymentByDelivery returns the payment backing a delivery, used by
	// the coordinator when completion triggers release.
	GetPaymentByDelivery(deliveryID string) (*Payment, error)
}

// Config carries the payment constants. These are configuration, not
// secrets.
type Config struct {
	FeePercent uint64
	MinPayment uint64
	MaxPayment uint64
}

// Service drives payments through Pending -> Escrowed -> Completed, with
// Escrowed -> Refunded and any non-terminal -> Disputed. Mutations are
// serialized under one lock.
type Service struct {
	mu sync.Mutex

	store    Store
	verifier *confidential.BindingVerifier
	prims    *confidential.Primitives
	registry *confidential.Registry
	cfg      Config
}

// NewService creates the payment state machine.
func NewService(store Store, verifier *confidential.BindingVerifier, prims *confidential.Primitives, registry *confidential.Registry, cfg Config) *Service {
	return &Service{
		store:    store,
		verifier: verifier,
		prims:    prims,
		registry: registry,
		cfg:      cfg,
	}
}

// Create stores a new payment in Pending. The amount handle must have been
// admitted for the payer; the platform fee handle is derived eagerly so the
// fee split is fixed at creation time.
func (s *Service) Create(deliveryID string, payer, payee crypto.PublicKey, amount confidential.Handle, nativeDeposit uint64) (*Payment, error) {
	if payee.IsZero() || payee.Equal(payer) {
		return nil, confidential.ErrSelfDealingNotAllowed
	}
	if nativeDeposit < s.cfg.MinPayment || nativeDeposit > s.cfg.MaxPayment {
		return nil, confidential.ErrAmountOutOfRange
	}
	if !s.verifier.OwnedBy(amount, payer) {
		return nil, confidential.ErrBindingMismatch
	}

	fee, err := s.prims.Scale(amount, s.cfg.FeePercent, 100)
	if err != nil {
		return nil, fmt.Errorf("deriving platform fee: %w", err)
	}

	id, err := newPaymentID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:            id,
		DeliveryID:    deliveryID,
		Payer:         payer,
		Payee:         payee,
		Amount:        amount,
		PlatformFee:   fee,
		NativeDeposit: nativeDeposit,
		Held:          nativeDeposit,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.SavePayment(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Escrow locks the deposit. Payer only, from Pending.
func (s *Service) Escrow(id string, caller crypto.PublicKey) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPayment(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, confidential.ErrInvalidStateTransition
	}
	if !caller.Equal(p.Payer) {
		return nil, confidential.ErrPermissionDenied
	}

	p.Status = StatusEscrowed
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.SavePayment(p); err != nil {
		return nil, err
	}
	heldGauge.Add(float64(p.Held))
	return p, nil
}

// Release settles an escrowed payment. The net handle (amount minus
// platform fee) is derived and its Decrypt capability is granted to the
// payee, the one identity permitted to observe the settlement amount. The
// decrypted net is clamped to the deposit before the plaintext split is
// recorded; the remainder of the deposit is the platform's cut.
//
// The net handle is retained for the payee afterwards: a completed
// settlement must stay decryptable to its legitimate party.
func (s *Service) Release(id string, caller crypto.PublicKey) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPayment(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusEscrowed {
		return nil, confidential.ErrInvalidStateTransition
	}
	if !caller.Equal(p.Payer) && !caller.Equal(p.Payee) {
		return nil, confidential.ErrPermissionDenied
	}

	net, err := s.prims.Sub(p.Amount, p.PlatformFee)
	if err != nil {
		return nil, fmt.Errorf("deriving net amount: %w", err)
	}

	if err := s.registry.Grant(net.ID, p.Payee, confidential.ScopeDecrypt); err != nil {
		return nil, err
	}
	netPlain, err := s.prims.GatedDecrypt(net, p.Payee)
	if err != nil {
		return nil, fmt.Errorf("settlement decrypt: %w", err)
	}

	released := netPlain
	if released > p.NativeDeposit {
		released = p.NativeDeposit
	}

	unlocked := p.Held
	p.Released = released
	p.PlatformCut = p.NativeDeposit - released
	p.Held = 0
	p.Status = StatusCompleted
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.SavePayment(p); err != nil {
		return nil, err
	}
	heldGauge.Add(-float64(unlocked))

	if err := s.registry.Retain(net.ID, p.Payee); err != nil {
		return nil, err
	}
	return p, nil
}

// Refund returns funds to the payer. The refund amount arrives as a fresh
// ciphertext and is admitted bound to the original payer; an encrypted
// comparison gates it against the logical amount, with the boolean outcome
// re-granted to the payer (who held Decrypt on both operands). Whatever the
// refund leaves of the deposit is released to the payee.
func (s *Service) Refund(id string, caller crypto.PublicKey, refundCiphertext []byte, proof crypto.BindingProof) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPayment(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusEscrowed && p.Status != StatusDisputed {
		return nil, confidential.ErrInvalidStateTransition
	}
	if !caller.Equal(p.Payer) {
		return nil, confidential.ErrPermissionDenied
	}

	refund, err := s.verifier.Admit(refundCiphertext, proof, p.Amount.Kind, p.Payer)
	if err != nil {
		return nil, err
	}

	withinAmount, err := s.prims.LessOrEqual(refund, p.Amount)
	if err != nil {
		return nil, fmt.Errorf("refund bound check: %w", err)
	}
	if err := s.registry.RegrantDecrypt(withinAmount.ID, p.Payer); err != nil {
		return nil, err
	}
	outcome, err := s.prims.GatedDecrypt(withinAmount, p.Payer)
	if err != nil {
		return nil, fmt.Errorf("refund gate: %w", err)
	}
	if outcome == 0 {
		return nil, confidential.ErrAmountOutOfRange
	}

	refundPlain, err := s.prims.GatedDecrypt(refund, p.Payer)
	if err != nil {
		return nil, fmt.Errorf("refund decrypt: %w", err)
	}
	if refundPlain > p.Held {
		refundPlain = p.Held
	}

	var unlocked uint64
	if p.Status == StatusEscrowed {
		unlocked = p.Held
	}
	p.Refunded = refundPlain
	p.Released = p.Held - refundPlain
	p.Held = 0
	p.Status = StatusRefunded
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.SavePayment(p); err != nil {
		return nil, err
	}
	heldGauge.Add(-float64(unlocked))

	if err := s.registry.Retain(refund.ID, p.Payer); err != nil {
		return nil, err
	}
	return p, nil
}

// Dispute escalates a non-terminal payment. Either party may escalate;
// resolution happens through external administration, not modeled here.
func (s *Service) Dispute(id string, caller crypto.PublicKey) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetPayment(id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, confidential.ErrInvalidStateTransition
	}
	if !caller.Equal(p.Payer) && !caller.Equal(p.Payee) {
		return nil, confidential.ErrPermissionDenied
	}

	var unlocked uint64
	if p.Status == StatusEscrowed {
		unlocked = p.Held
	}
	p.Status = StatusDisputed
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.SavePayment(p); err != nil {
		return nil, err
	}
	heldGauge.Add(-float64(unlocked))
	return p, nil
}

// Get returns the payment.
func (s *Service) Get(id string) (*Payment, error) {
	return s.store.GetPayment(id)
}

// GetByDelivery returns the payment backing a delivery.
func (s *Service) GetByDelivery(deliveryID string) (*Payment, error) {
	return s.store.GetPaymentByDelivery(deliveryID)
}

// Status returns the payment's lifecycle status. Pure read.
func (s *Service) Status(id string) (Status, error) {
	p, err := s.store.GetPayment(id)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// Conserved reports whether the deposit split balances:
// released + platform cut + refunded + held always equals the deposit.
func (p *Payment) Conserved() bool {
	return p.Released+p.PlatformCut+p.Refunded+p.Held == p.NativeDeposit
}

func newPaymentID() (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return "pay-" + hex.EncodeToString(buf[:]), nil
}
