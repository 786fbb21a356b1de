// Package reputation accumulates encrypted rating scores per participant.
// It is not a state machine but an accumulator: totals and counts are
// handles, updated only through the primitive set, and a score is validated
// against the rating domain through an encrypted range gate before it can
// touch a record.
package reputation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
)

// Record is the per-participant accumulator, created lazily on first
// rating. Total and count are encrypted; their ratio is never materialized
// in plaintext by this package.
type Record struct {
	Participant crypto.PublicKey    `json:"participant"`
	Total       confidential.Handle `json:"total"`
	Count       confidential.Handle `json:"count"`
	LastUpdated time.Time           `json:"last_updated"`
}

// Rating is one submitted rating. At most one exists per
// (delivery, rater, rated) triple.
type Rating struct {
	DeliveryID string           `json:"delivery_id"`
	Rater      crypto.PublicKey `json:"rater"`
	Rated      crypto.PublicKey `json:"rated"`

	Score   confidential.Handle `json:"score"`
	Comment confidential.Handle `json:"comment"`

	CreatedAt time.Time `json:"created_at"`
}

// Store is the keyed table beneath the aggregator.
type Store interface {
	GetReputation(participant crypto.PublicKey) (*Record, error)
	SaveReputation(rec *Record) error
	GetRating(deliveryID string, rater, rated crypto.PublicKey) (*Rating, error)
	SaveRating(r *Rating) error
}

// Config carries the rating domain bounds.
type Config struct {
	MinRating uint64
	MaxRating uint64
}

// Aggregator accumulates encrypted ratings. Scores are carried as U64
// handles like every other counter in the system; the 1..5 domain is
// enforced by the range gate, not by the width.
type Aggregator struct {
	mu sync.Mutex

	store    Store
	verifier *confidential.BindingVerifier
	prims    *confidential.Primitives
	registry *confidential.Registry
	cfg      Config
}

// NewAggregator creates the reputation accumulator.
func NewAggregator(store Store, verifier *confidential.BindingVerifier, prims *confidential.Primitives, registry *confidential.Registry, cfg Config) *Aggregator {
	return &Aggregator{
		store:    store,
		verifier: verifier,
		prims:    prims,
		registry: registry,
		cfg:      cfg,
	}
}

// Submit records a rating. The score and comment must be handles admitted
// for the rater; the score is checked against the rating domain through an
// encrypted range gate whose boolean outcome is disclosed to the rater. An
// out-of-range score fails after the gate with no record mutation; the raw
// score is never branched on.
func (a *Aggregator) Submit(deliveryID string, rater, rated crypto.PublicKey, score, comment confidential.Handle) (*Rating, error) {
	if rated.IsZero() || rater.Equal(rated) {
		return nil, confidential.ErrSelfDealingNotAllowed
	}
	if !a.verifier.OwnedBy(score, rater) || !a.verifier.OwnedBy(comment, rater) {
		return nil, confidential.ErrBindingMismatch
	}
	if score.Kind != confidential.U64 {
		return nil, confidential.ErrWidthMismatch
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.store.GetRating(deliveryID, rater, rated); err == nil {
		return nil, confidential.ErrDuplicateRating
	} else if !errors.Is(err, confidential.ErrEntityNotFound) {
		return nil, err
	}

	inRange, err := a.prims.RangeCheck(score, a.cfg.MinRating, a.cfg.MaxRating)
	if err != nil {
		return nil, fmt.Errorf("score range check: %w", err)
	}
	if err := a.registry.Grant(inRange.ID, rater, confidential.ScopeDecrypt); err != nil {
		return nil, err
	}
	outcome, err := a.prims.GatedDecrypt(inRange, rater)
	if err != nil {
		return nil, fmt.Errorf("score gate: %w", err)
	}
	if outcome == 0 {
		return nil, confidential.ErrAmountOutOfRange
	}

	rec, err := a.store.GetReputation(rated)
	if errors.Is(err, confidential.ErrEntityNotFound) {
		rec, err = a.newRecord(rated)
	}
	if err != nil {
		return nil, err
	}

	total, err := a.prims.Add(rec.Total, score)
	if err != nil {
		return nil, fmt.Errorf("accumulating total: %w", err)
	}
	one, err := a.prims.Constant(confidential.U64, 1)
	if err != nil {
		return nil, err
	}
	count, err := a.prims.Add(rec.Count, one)
	if err != nil {
		return nil, fmt.Errorf("accumulating count: %w", err)
	}

	rating := &Rating{
		DeliveryID: deliveryID,
		Rater:      rater,
		Rated:      rated,
		Score:      score,
		Comment:    comment,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.store.SaveRating(rating); err != nil {
		return nil, err
	}

	rec.Total = total
	rec.Count = count
	rec.LastUpdated = rating.CreatedAt
	if err := a.store.SaveReputation(rec); err != nil {
		return nil, err
	}

	return rating, nil
}

// Average returns the participant's truncated mean score as a handle.
// Fails with ErrNoRatings when no record exists; a record always holds at
// least one rating, so the encrypted count is never a hidden zero.
func (a *Aggregator) Average(participant crypto.PublicKey) (confidential.Handle, error) {
	rec, err := a.store.GetReputation(participant)
	if errors.Is(err, confidential.ErrEntityNotFound) {
		return confidential.Handle{}, confidential.ErrNoRatings
	}
	if err != nil {
		return confidential.Handle{}, err
	}
	return a.prims.Div(rec.Total, rec.Count)
}

// MeetsThreshold returns an encrypted boolean for average >= threshold.
// No plaintext score is produced; disclosure requires a Decrypt capability
// on the result, issued by whoever orchestrates the comparison.
func (a *Aggregator) MeetsThreshold(participant crypto.PublicKey, threshold confidential.Handle) (confidential.Handle, error) {
	avg, err := a.Average(participant)
	if err != nil {
		return confidential.Handle{}, err
	}
	return a.prims.GreaterOrEqual(avg, threshold)
}

// Get returns a participant's record.
func (a *Aggregator) Get(participant crypto.PublicKey) (*Record, error) {
	return a.store.GetReputation(participant)
}

func (a *Aggregator) newRecord(participant crypto.PublicKey) (*Record, error) {
	total, err := a.prims.Constant(confidential.U64, 0)
	if err != nil {
		return nil, err
	}
	count, err := a.prims.Constant(confidential.U64, 0)
	if err != nil {
		return nil, err
	}
	return &Record{
		Participant: participant,
		Total:       total,
		Count:       count,
	}, nil
}
