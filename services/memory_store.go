package services

import (
	"fmt"
	"sync"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/delivery"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/escrow"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/reputation"
)

// InMemoryStore implements the coordinator's store without a database, for
// tests and the demo binary. Tables only grow; nothing is ever deleted,
// matching the append/update-only layout of the persisted tables.
type InMemoryStore struct {
	mu sync.RWMutex

	deliveries map[string]delivery.Request
	payments   map[string]escrow.Payment
	byDelivery map[string]string // deliveryID -> paymentID
	reputation map[string]reputation.Record
	ratings    map[string]reputation.Rating
	handles    map[confidential.HandleID]confidential.HandleRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		deliveries: make(map[string]delivery.Request),
		payments:   make(map[string]escrow.Payment),
		byDelivery: make(map[string]string),
		reputation: make(map[string]reputation.Record),
		ratings:    make(map[string]reputation.Rating),
		handles:    make(map[confidential.HandleID]confidential.HandleRecord),
	}
}

// SaveDelivery stores a delivery request.
func (s *InMemoryStore) SaveDelivery(req *delivery.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[req.ID] = *req
	return nil
}

// GetDelivery returns a copy of a delivery request.
func (s *InMemoryStore) GetDelivery(id string) (*delivery.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, confidential.ErrEntityNotFound)
	}
	return &req, nil
}

// SavePayment stores a payment.
func (s *InMemoryStore) SavePayment(p *escrow.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = *p
	s.byDelivery[p.DeliveryID] = p.ID
	return nil
}

// GetPayment returns a copy of a payment.
func (s *InMemoryStore) GetPayment(id string) (*escrow.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, confidential.ErrEntityNotFound)
	}
	return &p, nil
}

// GetPaymentByDelivery returns the payment backing a delivery.
func (s *InMemoryStore) GetPaymentByDelivery(deliveryID string) (*escrow.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDelivery[deliveryID]
	if !ok {
		return nil, fmt.Errorf("payment for delivery %s: %w", deliveryID, confidential.ErrEntityNotFound)
	}
	p := s.payments[id]
	return &p, nil
}

// GetReputation returns a copy of a participant's record.
func (s *InMemoryStore) GetReputation(participant crypto.PublicKey) (*reputation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.reputation[participant.String()]
	if !ok {
		return nil, fmt.Errorf("reputation %s: %w", participant, confidential.ErrEntityNotFound)
	}
	return &rec, nil
}

// SaveReputation stores a participant's record.
func (s *InMemoryStore) SaveReputation(rec *reputation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reputation[rec.Participant.String()] = *rec
	return nil
}

// GetRating returns the rating for a (delivery, rater, rated) triple.
func (s *InMemoryStore) GetRating(deliveryID string, rater, rated crypto.PublicKey) (*reputation.Rating, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ratings[ratingKey(deliveryID, rater, rated)]
	if !ok {
		return nil, fmt.Errorf("rating: %w", confidential.ErrEntityNotFound)
	}
	return &r, nil
}

// SaveRating stores a rating.
func (s *InMemoryStore) SaveRating(r *reputation.Rating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[ratingKey(r.DeliveryID, r.Rater, r.Rated)] = *r
	return nil
}

// SaveHandle stores a handle's binding and capability snapshot.
func (s *InMemoryStore) SaveHandle(rec confidential.HandleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[rec.ID] = rec
	return nil
}

func ratingKey(deliveryID string, rater, rated crypto.PublicKey) string {
	return deliveryID + "|" + rater.String() + "|" + rated.String()
}
