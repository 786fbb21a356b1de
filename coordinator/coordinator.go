// Package coordinator orchestrates the cross-entity workflows of the
// marketplace: create delivery -> accept -> escrow -> complete -> release ->
// submit ratings. It owns no business state beyond references to the entity
// components; its job is sequencing, admission of incoming ciphertexts, and
// translating each entity's status into permission to invoke the next step.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/delivery"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/escrow"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/reputation"
)

// Config carries the coordinator instance identifier and the workflow
// constants. All of these are configuration, never secrets.
type Config struct {
	CoordinatorID string `yaml:"coordinator_id"`
	FeePercent    uint64 `yaml:"fee_percent"`
	MinPayment    uint64 `yaml:"min_payment"`
	MaxPayment    uint64 `yaml:"max_payment"`
	MaxDistance   uint64 `yaml:"max_distance"`
	MinRating     uint64 `yaml:"min_rating"`
	MaxRating     uint64 `yaml:"max_rating"`
}

// DefaultConfig returns the default workflow constants.
func DefaultConfig(coordinatorID string) Config {
	return Config{
		CoordinatorID: coordinatorID,
		FeePercent:    2,
		MinPayment:    1,
		MaxPayment:    1_000_000,
		MaxDistance:   100,
		MinRating:     1,
		MaxRating:     5,
	}
}

// Store is the persistence surface the coordinator wires beneath the entity
// components: the three entity tables plus the handle/capability table.
type Store interface {
	delivery.Store
	escrow.Store
	reputation.Store
	confidential.Persister
}

// Event describes one state transition. Events carry plaintext metadata
// only (entity kind, identifier, statuses), never ciphertexts or values.
type Event struct {
	Kind     string    `json:"kind"`
	EntityID string    `json:"entity_id"`
	From     string    `json:"from,omitempty"`
	To       string    `json:"to"`
	At       time.Time `json:"at"`
}

// EventSink receives transition events. The HTTP layer fans them out to
// websocket subscribers; a nil sink drops them.
type EventSink interface {
	Emit(ev Event)
}

// CiphertextInput is an incoming encrypted value: the opaque blob plus the
// binding proof attesting who it was encrypted for.
type CiphertextInput struct {
	Ciphertext []byte              `json:"ciphertext"`
	Proof      crypto.BindingProof `json:"proof"`
}

// Coordinator sequences the entity state machines and is the sole component
// that turns confidential conditions into control flow, always through the
// gated decrypt path.
type Coordinator struct {
	log      *slog.Logger
	cfg      Config
	identity crypto.PublicKey
	engine   confidential.Engine

	verifier *confidential.BindingVerifier
	prims    *confidential.Primitives
	registry *confidential.Registry

	deliveries *delivery.Lifecycle
	payments   *escrow.Service
	ratings    *reputation.Aggregator

	events EventSink
}

// New wires a coordinator instance: registry, verifier, primitives, and the
// three entity components over the given store and engine.
func New(cfg Config, identity crypto.PublicKey, engine confidential.Engine, store Store, events EventSink, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}

	registry := confidential.NewRegistry(identity, store)
	verifier := confidential.NewBindingVerifier(cfg.CoordinatorID, engine, registry)
	prims := confidential.NewPrimitives(cfg.CoordinatorID, identity, engine, registry)

	return &Coordinator{
		log:      log,
		cfg:      cfg,
		identity: identity,
		engine:   engine,
		verifier: verifier,
		prims:    prims,
		registry: registry,
		deliveries: delivery.NewLifecycle(store, verifier, prims, registry, cfg.MaxDistance),
		payments: escrow.NewService(store, verifier, prims, registry, escrow.Config{
			FeePercent: cfg.FeePercent,
			MinPayment: cfg.MinPayment,
			MaxPayment: cfg.MaxPayment,
		}),
		ratings: reputation.NewAggregator(store, verifier, prims, registry, reputation.Config{
			MinRating: cfg.MinRating,
			MaxRating: cfg.MaxRating,
		}),
		events: events,
	}
}

// Registry exposes the capability registry, primarily so the engine's
// decrypt authorizer can be attached to it.
func (c *Coordinator) Registry() *confidential.Registry {
	return c.registry
}

// EngineKey returns the verification key of the attached engine. Clients pin
// it when constructing binding proofs.
func (c *Coordinator) EngineKey() crypto.PublicKey {
	return c.engine.VerifyKey()
}

// Config returns the workflow constants.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// CreateDelivery admits the four encrypted fields for the requester and
// opens a pending delivery request.
func (c *Coordinator) CreateDelivery(requester crypto.PublicKey, recipient, pickup, dropoff, fee CiphertextInput) (string, error) {
	handles := make([]confidential.Handle, 4)
	for i, in := range []CiphertextInput{recipient, pickup, dropoff, fee} {
		h, err := c.verifier.Admit(in.Ciphertext, in.Proof, confidential.U64, requester)
		if err != nil {
			return "", err
		}
		handles[i] = h
	}

	req, err := c.deliveries.Create(requester, handles[0], handles[1], handles[2], handles[3])
	if err != nil {
		return "", err
	}

	c.emit("delivery", req.ID, "", string(req.Status))
	c.log.Info("delivery created", "delivery", req.ID)
	return req.ID, nil
}

// AcceptDelivery admits the courier's location and runs the gated proximity
// acceptance.
func (c *Coordinator) AcceptDelivery(id string, courier crypto.PublicKey, location CiphertextInput) error {
	loc, err := c.verifier.Admit(location.Ciphertext, location.Proof, confidential.U64, courier)
	if err != nil {
		return err
	}

	req, err := c.deliveries.Accept(id, courier, loc)
	if err != nil {
		return err
	}

	c.emit("delivery", req.ID, string(delivery.StatusPending), string(req.Status))
	c.log.Info("delivery accepted", "delivery", req.ID)
	return nil
}

// PickupDelivery marks an accepted delivery in transit.
func (c *Coordinator) PickupDelivery(id string, courier crypto.PublicKey) error {
	req, err := c.deliveries.Pickup(id, courier)
	if err != nil {
		return err
	}

	c.emit("delivery", req.ID, string(delivery.StatusAccepted), string(req.Status))
	return nil
}

// CompleteDelivery finishes a delivery and, when an escrowed payment backs
// it, releases the escrow to the payee. A failed release surfaces the error
// but leaves the completed delivery in place; the release can be re-issued
// via CompletePayment.
func (c *Coordinator) CompleteDelivery(id string, courier crypto.PublicKey) error {
	prior, err := c.deliveries.Status(id)
	if err != nil {
		return err
	}
	req, err := c.deliveries.Complete(id, courier)
	if err != nil {
		return err
	}

	c.emit("delivery", req.ID, string(prior), string(req.Status))
	c.log.Info("delivery completed", "delivery", req.ID)

	p, err := c.payments.GetByDelivery(id)
	if errors.Is(err, confidential.ErrEntityNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status != escrow.StatusEscrowed {
		return nil
	}

	released, err := c.payments.Release(p.ID, p.Payee)
	if err != nil {
		return fmt.Errorf("releasing escrow for %s: %w", id, err)
	}

	c.emit("payment", released.ID, string(escrow.StatusEscrowed), string(released.Status))
	c.log.Info("escrow released", "payment", released.ID, "delivery", id)
	return nil
}

// CancelDelivery withdraws a pending delivery.
func (c *Coordinator) CancelDelivery(id string, requester crypto.PublicKey) error {
	req, err := c.deliveries.Cancel(id, requester)
	if err != nil {
		return err
	}

	c.emit("delivery", req.ID, string(delivery.StatusPending), string(req.Status))
	return nil
}

// CreatePayment admits the encrypted amount for the payer and opens a
// payment backing an existing delivery.
func (c *Coordinator) CreatePayment(deliveryID string, payer, payee crypto.PublicKey, amount CiphertextInput, nativeDeposit uint64) (string, error) {
	if _, err := c.deliveries.Get(deliveryID); err != nil {
		return "", err
	}

	amountHandle, err := c.verifier.Admit(amount.Ciphertext, amount.Proof, confidential.U64, payer)
	if err != nil {
		return "", err
	}

	p, err := c.payments.Create(deliveryID, payer, payee, amountHandle, nativeDeposit)
	if err != nil {
		return "", err
	}

	c.emit("payment", p.ID, "", string(p.Status))
	c.log.Info("payment created", "payment", p.ID, "delivery", deliveryID)
	return p.ID, nil
}

// EscrowPayment locks the deposit.
func (c *Coordinator) EscrowPayment(id string, payer crypto.PublicKey) error {
	p, err := c.payments.Escrow(id, payer)
	if err != nil {
		return err
	}

	c.emit("payment", p.ID, string(escrow.StatusPending), string(p.Status))
	return nil
}

// CompletePayment releases an escrowed payment directly, without going
// through delivery completion. Used to re-issue a release that failed
// mid-completion.
func (c *Coordinator) CompletePayment(id string, caller crypto.PublicKey) error {
	p, err := c.payments.Release(id, caller)
	if err != nil {
		return err
	}

	c.emit("payment", p.ID, string(escrow.StatusEscrowed), string(p.Status))
	c.log.Info("escrow released", "payment", p.ID)
	return nil
}

// RefundPayment admits a refund amount bound to the payer and refunds the
// escrow.
func (c *Coordinator) RefundPayment(id string, caller crypto.PublicKey, refund CiphertextInput) error {
	prior, err := c.payments.Status(id)
	if err != nil {
		return err
	}
	p, err := c.payments.Refund(id, caller, refund.Ciphertext, refund.Proof)
	if err != nil {
		return err
	}

	c.emit("payment", p.ID, string(prior), string(p.Status))
	c.log.Info("payment refunded", "payment", p.ID)
	return nil
}

// DisputePayment escalates a payment.
func (c *Coordinator) DisputePayment(id string, caller crypto.PublicKey) error {
	prior, err := c.payments.Status(id)
	if err != nil {
		return err
	}
	p, err := c.payments.Dispute(id, caller)
	if err != nil {
		return err
	}

	c.emit("payment", p.ID, string(prior), string(p.Status))
	return nil
}

// SubmitRating records a rating for one party of a completed delivery by
// the other. Rating is unlocked by delivery completion: anything earlier is
// an invalid transition, and identities outside the delivery's two parties
// are denied.
func (c *Coordinator) SubmitRating(deliveryID string, rater, rated crypto.PublicKey, score, comment CiphertextInput) error {
	req, err := c.deliveries.Get(deliveryID)
	if err != nil {
		return err
	}
	if req.Status != delivery.StatusCompleted {
		return confidential.ErrInvalidStateTransition
	}
	if !c.isParty(req, rater) || !c.isParty(req, rated) {
		return confidential.ErrPermissionDenied
	}

	scoreHandle, err := c.verifier.Admit(score.Ciphertext, score.Proof, confidential.U64, rater)
	if err != nil {
		return err
	}
	commentHandle, err := c.verifier.Admit(comment.Ciphertext, comment.Proof, confidential.U64, rater)
	if err != nil {
		return err
	}

	rating, err := c.ratings.Submit(deliveryID, rater, rated, scoreHandle, commentHandle)
	if err != nil {
		return err
	}

	c.emit("rating", rating.DeliveryID, "", "SUBMITTED")
	c.log.Info("rating submitted", "delivery", deliveryID)
	return nil
}

// DeliveryStatus is a pure read of delivery status.
func (c *Coordinator) DeliveryStatus(id string) (delivery.Status, error) {
	return c.deliveries.Status(id)
}

// PaymentStatus is a pure read of payment status.
func (c *Coordinator) PaymentStatus(id string) (escrow.Status, error) {
	return c.payments.Status(id)
}

// AverageRating returns the participant's truncated mean score as a handle.
// Callers holding Decrypt on it may take it to the engine; this method
// never discloses the value.
func (c *Coordinator) AverageRating(participant crypto.PublicKey) (confidential.Handle, error) {
	return c.ratings.Average(participant)
}

// MeetsMinimumReputation lifts the plaintext threshold into ciphertext
// space, compares, and discloses the boolean outcome to the asking caller.
// The yes/no is the only thing revealed; the score stays opaque.
func (c *Coordinator) MeetsMinimumReputation(participant crypto.PublicKey, minimum uint64, caller crypto.PublicKey) (bool, error) {
	threshold, err := c.prims.Constant(confidential.U64, minimum)
	if err != nil {
		return false, err
	}

	meets, err := c.ratings.MeetsThreshold(participant, threshold)
	if err != nil {
		return false, err
	}

	if err := c.registry.Grant(meets.ID, caller, confidential.ScopeDecrypt); err != nil {
		return false, err
	}
	outcome, err := c.prims.GatedDecrypt(meets, caller)
	if err != nil {
		return false, err
	}
	return outcome != 0, nil
}

func (c *Coordinator) isParty(req *delivery.Request, identity crypto.PublicKey) bool {
	return identity.Equal(req.Requester) || identity.Equal(req.Courier)
}

func (c *Coordinator) emit(kind, id, from, to string) {
	if c.events == nil {
		return
	}
	c.events.Emit(Event{
		Kind:     kind,
		EntityID: id,
		From:     from,
		To:       to,
		At:       time.Now().UTC(),
	})
}
