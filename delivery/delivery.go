// Package delivery implements the delivery request lifecycle: a state
// machine over an entity whose recipient, pickup, dropoff, and fee fields
// are encrypted handles. Transitions are authorized from plaintext metadata
// (status, caller identity, binding ownership) plus one gated proximity
// check; the real addresses and fee are never observed.
package delivery

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// Status is the plaintext lifecycle state of a delivery request. Status is
// metadata, never a secret field; reads require no capability.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusInTransit Status = "IN_TRANSIT"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transitions leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether the status is recognized.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInTransit, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Request is a delivery request entity. Requests are retained forever once
// created; terminal records are never physically deleted.
type Request struct {
	ID        string           `json:"id"`
	Requester crypto.PublicKey `json:"requester"`
	Courier   crypto.PublicKey `json:"courier,omitempty"`

	Recipient confidential.Handle `json:"recipient"`
	Pickup    confidential.Handle `json:"pickup"`
	Dropoff   confidential.Handle `json:"dropoff"`
	Fee       confidential.Handle `json:"fee"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the keyed table beneath the lifecycle. Implementations return
// copies; the lifecycle is the only writer.
type Store interface {
	SaveDelivery(req *Request) error
	GetDelivery(id string) (*Request, error)
}

// Lifecycle drives delivery requests through
// Pending -> Accepted -> InTransit -> Completed, with Pending -> Cancelled
// as the only other edge. Mutations are serialized under one lock so every
// transition observes the previous one's result; status reads go straight
// to the store.
type Lifecycle struct {
	mu sync.Mutex

	store       Store
	verifier    *confidential.BindingVerifier
	prims       *confidential.Primitives
	registry    *confidential.Registry
	maxDistance uint64
}

// NewLifecycle creates the delivery state machine.
func NewLifecycle(store Store, verifier *confidential.BindingVerifier, prims *confidential.Primitives, registry *confidential.Registry, maxDistance uint64) *Lifecycle {
	return &Lifecycle{
		store:       store,
		verifier:    verifier,
		prims:       prims,
		registry:    registry,
		maxDistance: maxDistance,
	}
}

// Create stores a new request in Pending. All four handles must have been
// admitted for the requester: a handle bound to anyone else is rejected
// before any state is written.
func (l *Lifecycle) Create(requester crypto.PublicKey, recipient, pickup, dropoff, fee confidential.Handle) (*Request, error) {
	for _, h := range []confidential.Handle{recipient, pickup, dropoff, fee} {
		if !l.verifier.OwnedBy(h, requester) {
			return nil, confidential.ErrBindingMismatch
		}
	}

	id, err := newEntityID("dlv")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	req := &Request{
		ID:        id,
		Requester: requester,
		Recipient: recipient,
		Pickup:    pickup,
		Dropoff:   dropoff,
		Fee:       fee,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.SaveDelivery(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Accept assigns a courier to a pending request, gated on an encrypted
// proximity check between the pickup location and the courier's location.
// The courier triggers the gate and is the party the boolean outcome is
// disclosed to; a false outcome rejects the acceptance with no mutation.
func (l *Lifecycle) Accept(id string, courier crypto.PublicKey, courierLocation confidential.Handle) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.store.GetDelivery(id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, confidential.ErrInvalidStateTransition
	}
	if courier.Equal(req.Requester) {
		return nil, confidential.ErrSelfDealingNotAllowed
	}
	if !l.verifier.OwnedBy(courierLocation, courier) {
		return nil, confidential.ErrBindingMismatch
	}

	within, err := l.prims.Proximity(req.Pickup, courierLocation, l.maxDistance)
	if err != nil {
		return nil, fmt.Errorf("proximity check: %w", err)
	}

	// The gate boolean is disclosed to the accepting courier only. This is
	// an explicit policy grant: the courier did not hold Decrypt on the
	// pickup handle, so derivation eligibility cannot cover it.
	if err := l.registry.Grant(within.ID, courier, confidential.ScopeDecrypt); err != nil {
		return nil, err
	}
	outcome, err := l.prims.GatedDecrypt(within, courier)
	if err != nil {
		return nil, fmt.Errorf("proximity gate: %w", err)
	}
	if outcome == 0 {
		return nil, confidential.ErrLocationMismatch
	}

	req.Courier = courier
	req.Status = StatusAccepted
	req.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveDelivery(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Pickup marks an accepted request in transit. Courier only.
func (l *Lifecycle) Pickup(id string, caller crypto.PublicKey) (*Request, error) {
	return l.courierTransition(id, caller, StatusInTransit, func(s Status) bool {
		return s == StatusAccepted
	})
}

// Complete finishes a request. Courier only, from Accepted or InTransit.
// Completion is the trigger the coordinator uses to release escrow and
// unlock rating submission for both parties.
func (l *Lifecycle) Complete(id string, caller crypto.PublicKey) (*Request, error) {
	return l.courierTransition(id, caller, StatusCompleted, func(s Status) bool {
		return s == StatusAccepted || s == StatusInTransit
	})
}

func (l *Lifecycle) courierTransition(id string, caller crypto.PublicKey, to Status, allowed func(Status) bool) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.store.GetDelivery(id)
	if err != nil {
		return nil, err
	}
	if !allowed(req.Status) {
		return nil, confidential.ErrInvalidStateTransition
	}
	if !caller.Equal(req.Courier) {
		return nil, confidential.ErrPermissionDenied
	}

	req.Status = to
	req.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveDelivery(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel withdraws a pending request. Requester only.
func (l *Lifecycle) Cancel(id string, caller crypto.PublicKey) (*Request, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, err := l.store.GetDelivery(id)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, confidential.ErrInvalidStateTransition
	}
	if !caller.Equal(req.Requester) {
		return nil, confidential.ErrPermissionDenied
	}

	req.Status = StatusCancelled
	req.UpdatedAt = time.Now().UTC()
	if err := l.store.SaveDelivery(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns the request. Status and party identities are plaintext
// metadata; the handles inside are opaque either way.
func (l *Lifecycle) Get(id string) (*Request, error) {
	return l.store.GetDelivery(id)
}

// Status returns the request's lifecycle status. Pure read, no capability
// required.
func (l *Lifecycle) Status(id string) (Status, error) {
	req, err := l.store.GetDelivery(id)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

func newEntityID(prefix string) (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(buf[:]), nil
}
