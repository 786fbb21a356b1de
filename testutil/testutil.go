// Package testutil provides shared fixtures for coordinator tests: key
// pairs, a wired stub engine, encryption helpers, and a minimal in-memory
// store.
package testutil

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/delivery"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/escrow"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/reputation"
)

// Identity is a participant key pair for tests.
type Identity struct {
	Public  crypto.PublicKey
	Private crypto.PrivateKey
}

// NewIdentity generates a fresh participant identity.
func NewIdentity(t *testing.T) Identity {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return Identity{Public: pub, Private: priv}
}

// NewEngine creates a stub engine.
func NewEngine(t *testing.T) *confidential.StubEngine {
	t.Helper()
	engine, err := confidential.NewStubEngine()
	require.NoError(t, err)
	return engine
}

// CoordinatorID is the binding context identifier used by test fixtures.
const CoordinatorID = "coordinator-test"

// NewCoordinator wires a coordinator over a stub engine and an in-memory
// store, with the engine's decrypt authorizer attached to the registry.
// Transition events are dropped.
func NewCoordinator(t *testing.T) (*coordinator.Coordinator, *confidential.StubEngine) {
	t.Helper()
	return NewCoordinatorWithSink(t, nil)
}

// NewCoordinatorWithSink is NewCoordinator with transition events delivered
// to the given sink.
func NewCoordinatorWithSink(t *testing.T, sink coordinator.EventSink) (*coordinator.Coordinator, *confidential.StubEngine) {
	t.Helper()

	engine := NewEngine(t)
	identity := NewIdentity(t)

	c := coordinator.New(
		coordinator.DefaultConfig(CoordinatorID),
		identity.Public,
		engine,
		NewMemStore(),
		sink,
		nil,
	)
	engine.SetAuthorizer(c.Registry())
	return c, engine
}

// Encrypt encrypts a value for the given owner under the fixture coordinator
// context and returns it as an entry-point input.
func Encrypt(t *testing.T, engine *confidential.StubEngine, value uint64, owner crypto.PublicKey) coordinator.CiphertextInput {
	t.Helper()
	ciphertext, proof, err := engine.Encrypt(value, CoordinatorID, owner)
	require.NoError(t, err)
	return coordinator.CiphertextInput{Ciphertext: ciphertext, Proof: proof}
}

// MemStore is a minimal in-memory coordinator.Store for tests. The services
// package carries the production-grade stores; this one exists so packages
// below services can run without importing them.
type MemStore struct {
	mu         sync.Mutex
	deliveries map[string]delivery.Request
	payments   map[string]escrow.Payment
	byDelivery map[string]string
	reputation map[string]reputation.Record
	ratings    map[string]reputation.Rating
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		deliveries: make(map[string]delivery.Request),
		payments:   make(map[string]escrow.Payment),
		byDelivery: make(map[string]string),
		reputation: make(map[string]reputation.Record),
		ratings:    make(map[string]reputation.Rating),
	}
}

func (s *MemStore) SaveDelivery(req *delivery.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[req.ID] = *req
	return nil
}

func (s *MemStore) GetDelivery(id string) (*delivery.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, confidential.ErrEntityNotFound)
	}
	return &req, nil
}

func (s *MemStore) SavePayment(p *escrow.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = *p
	s.byDelivery[p.DeliveryID] = p.ID
	return nil
}

func (s *MemStore) GetPayment(id string) (*escrow.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, confidential.ErrEntityNotFound)
	}
	return &p, nil
}

func (s *MemStore) GetPaymentByDelivery(deliveryID string) (*escrow.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byDelivery[deliveryID]
	if !ok {
		return nil, fmt.Errorf("payment for delivery %s: %w", deliveryID, confidential.ErrEntityNotFound)
	}
	p := s.payments[id]
	return &p, nil
}

func (s *MemStore) GetReputation(participant crypto.PublicKey) (*reputation.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.reputation[participant.String()]
	if !ok {
		return nil, fmt.Errorf("reputation %s: %w", participant, confidential.ErrEntityNotFound)
	}
	return &rec, nil
}

func (s *MemStore) SaveReputation(rec *reputation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation[rec.Participant.String()] = *rec
	return nil
}

func (s *MemStore) GetRating(deliveryID string, rater, rated crypto.PublicKey) (*reputation.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ratings[deliveryID+"|"+rater.String()+"|"+rated.String()]
	if !ok {
		return nil, fmt.Errorf("rating: %w", confidential.ErrEntityNotFound)
	}
	return &r, nil
}

func (s *MemStore) SaveRating(r *reputation.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[r.DeliveryID+"|"+r.Rater.String()+"|"+r.Rated.String()] = *r
	return nil
}

func (s *MemStore) SaveHandle(rec confidential.HandleRecord) error {
	return nil
}
