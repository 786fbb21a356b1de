package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/delivery"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/escrow"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/reputation"
)

// PostgresStore persists the four coordinator tables in PostgreSQL. Rows
// hold plaintext metadata and opaque handle references only; sensitive
// values never reach the database. Tables are append/update-only: no method
// deletes a row.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore opens the database and runs migrations.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id VARCHAR(64) PRIMARY KEY,
		requester VARCHAR(128) NOT NULL,
		courier VARCHAR(128),
		recipient_handle JSONB NOT NULL,
		pickup_handle JSONB NOT NULL,
		dropoff_handle JSONB NOT NULL,
		fee_handle JSONB NOT NULL,
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payments (
		id VARCHAR(64) PRIMARY KEY,
		delivery_id VARCHAR(64) NOT NULL,
		payer VARCHAR(128) NOT NULL,
		payee VARCHAR(128) NOT NULL,
		amount_handle JSONB NOT NULL,
		fee_handle JSONB NOT NULL,
		native_deposit BIGINT NOT NULL,
		released BIGINT NOT NULL,
		platform_cut BIGINT NOT NULL,
		refunded BIGINT NOT NULL,
		held BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_delivery ON payments(delivery_id);

	CREATE TABLE IF NOT EXISTS reputation_records (
		participant VARCHAR(128) PRIMARY KEY,
		total_handle JSONB NOT NULL,
		count_handle JSONB NOT NULL,
		last_updated TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ratings (
		delivery_id VARCHAR(64) NOT NULL,
		rater VARCHAR(128) NOT NULL,
		rated VARCHAR(128) NOT NULL,
		score_handle JSONB NOT NULL,
		comment_handle JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (delivery_id, rater, rated)
	);

	CREATE TABLE IF NOT EXISTS handles (
		handle_id VARCHAR(64) PRIMARY KEY,
		binding JSONB NOT NULL,
		grants JSONB NOT NULL,
		retained JSONB NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// SaveDelivery upserts a delivery request.
func (s *PostgresStore) SaveDelivery(req *delivery.Request) error {
	ctx, cancel := queryContext()
	defer cancel()

	recipient, pickup, dropoff, fee, err := marshalHandles(req.Recipient, req.Pickup, req.Dropoff, req.Fee)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO deliveries
		(id, requester, courier, recipient_handle, pickup_handle, dropoff_handle, fee_handle, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO UPDATE SET
		courier = EXCLUDED.courier,
		status = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		req.ID, req.Requester.String(), req.Courier.String(),
		recipient, pickup, dropoff, fee,
		string(req.Status), req.CreatedAt, req.UpdatedAt,
	)
	return err
}

// GetDelivery loads a delivery request.
func (s *PostgresStore) GetDelivery(id string) (*delivery.Request, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, requester, courier, recipient_handle, pickup_handle, dropoff_handle, fee_handle, status, created_at, updated_at
		FROM deliveries WHERE id = $1
	`, id)

	var (
		req                              delivery.Request
		requester, courier, status       string
		recipient, pickup, dropoff, fee []byte
	)
	err := row.Scan(&req.ID, &requester, &courier, &recipient, &pickup, &dropoff, &fee, &status, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, confidential.ErrEntityNotFound)
	}
	if err != nil {
		return nil, err
	}

	req.Status = delivery.Status(status)
	if req.Requester, err = crypto.NewPublicKeyFromString(requester); err != nil {
		return nil, err
	}
	if courier != "" {
		if req.Courier, err = crypto.NewPublicKeyFromString(courier); err != nil {
			return nil, err
		}
	}
	if err := unmarshalHandles(map[*confidential.Handle][]byte{
		&req.Recipient: recipient, &req.Pickup: pickup, &req.Dropoff: dropoff, &req.Fee: fee,
	}); err != nil {
		return nil, err
	}
	return &req, nil
}

// SavePayment upserts a payment.
func (s *PostgresStore) SavePayment(p *escrow.Payment) error {
	ctx, cancel := queryContext()
	defer cancel()

	amount, fee, err := marshalTwoHandles(p.Amount, p.PlatformFee)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO payments
		(id, delivery_id, payer, payee, amount_handle, fee_handle, native_deposit, released, platform_cut, refunded, held, status, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		released = EXCLUDED.released,
		platform_cut = EXCLUDED.platform_cut,
		refunded = EXCLUDED.refunded,
		held = EXCLUDED.held,
		status = EXCLUDED.status,
		updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.DeliveryID, p.Payer.String(), p.Payee.String(),
		amount, fee,
		int64(p.NativeDeposit), int64(p.Released), int64(p.PlatformCut), int64(p.Refunded), int64(p.Held),
		string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetPayment loads a payment.
func (s *PostgresStore) GetPayment(id string) (*escrow.Payment, error) {
	return s.scanPayment(`SELECT id, delivery_id, payer, payee, amount_handle, fee_handle, native_deposit, released, platform_cut, refunded, held, status, created_at, updated_at
		FROM payments WHERE id = $1`, id)
}

// GetPaymentByDelivery loads the payment backing a delivery.
func (s *PostgresStore) GetPaymentByDelivery(deliveryID string) (*escrow.Payment, error) {
	return s.scanPayment(`SELECT id, delivery_id, payer, payee, amount_handle, fee_handle, native_deposit, released, platform_cut, refunded, held, status, created_at, updated_at
		FROM payments WHERE delivery_id = $1 ORDER BY created_at DESC LIMIT 1`, deliveryID)
}

func (s *PostgresStore) scanPayment(query, arg string) (*escrow.Payment, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := s.db.QueryRowContext(ctx, query, arg)

	var (
		p                                               escrow.Payment
		payer, payee, status                            string
		amount, fee                                     []byte
		deposit, released, platformCut, refunded, held int64
	)
	err := row.Scan(&p.ID, &p.DeliveryID, &payer, &payee, &amount, &fee,
		&deposit, &released, &platformCut, &refunded, &held, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", arg, confidential.ErrEntityNotFound)
	}
	if err != nil {
		return nil, err
	}

	p.Status = escrow.Status(status)
	p.NativeDeposit = uint64(deposit)
	p.Released = uint64(released)
	p.PlatformCut = uint64(platformCut)
	p.Refunded = uint64(refunded)
	p.Held = uint64(held)
	if p.Payer, err = crypto.NewPublicKeyFromString(payer); err != nil {
		return nil, err
	}
	if p.Payee, err = crypto.NewPublicKeyFromString(payee); err != nil {
		return nil, err
	}
	if err := unmarshalHandles(map[*confidential.Handle][]byte{
		&p.Amount: amount, &p.PlatformFee: fee,
	}); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetReputation loads a participant's record.
func (s *PostgresStore) GetReputation(participant crypto.PublicKey) (*reputation.Record, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT total_handle, count_handle, last_updated
		FROM reputation_records WHERE participant = $1
	`, participant.String())

	var (
		rec          reputation.Record
		total, count []byte
	)
	err := row.Scan(&total, &count, &rec.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reputation %s: %w", participant, confidential.ErrEntityNotFound)
	}
	if err != nil {
		return nil, err
	}

	rec.Participant = participant
	if err := unmarshalHandles(map[*confidential.Handle][]byte{
		&rec.Total: total, &rec.Count: count,
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveReputation upserts a participant's record.
func (s *PostgresStore) SaveReputation(rec *reputation.Record) error {
	ctx, cancel := queryContext()
	defer cancel()

	total, count, err := marshalTwoHandles(rec.Total, rec.Count)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO reputation_records (participant, total_handle, count_handle, last_updated)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (participant) DO UPDATE SET
		total_handle = EXCLUDED.total_handle,
		count_handle = EXCLUDED.count_handle,
		last_updated = EXCLUDED.last_updated
	`

	_, err = s.db.ExecContext(ctx, query, rec.Participant.String(), total, count, rec.LastUpdated)
	return err
}

// GetRating loads the rating for a (delivery, rater, rated) triple.
func (s *PostgresStore) GetRating(deliveryID string, rater, rated crypto.PublicKey) (*reputation.Rating, error) {
	ctx, cancel := queryContext()
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT score_handle, comment_handle, created_at
		FROM ratings WHERE delivery_id = $1 AND rater = $2 AND rated = $3
	`, deliveryID, rater.String(), rated.String())

	var (
		r              reputation.Rating
		score, comment []byte
	)
	err := row.Scan(&score, &comment, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rating: %w", confidential.ErrEntityNotFound)
	}
	if err != nil {
		return nil, err
	}

	r.DeliveryID = deliveryID
	r.Rater = rater
	r.Rated = rated
	if err := unmarshalHandles(map[*confidential.Handle][]byte{
		&r.Score: score, &r.Comment: comment,
	}); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRating inserts a rating. The primary key enforces the one-rating-per-
// triple invariant at the storage layer as well.
func (s *PostgresStore) SaveRating(r *reputation.Rating) error {
	ctx, cancel := queryContext()
	defer cancel()

	score, comment, err := marshalTwoHandles(r.Score, r.Comment)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO ratings (delivery_id, rater, rated, score_handle, comment_handle, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (delivery_id, rater, rated) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		r.DeliveryID, r.Rater.String(), r.Rated.String(), score, comment, r.CreatedAt)
	return err
}

// SaveHandle upserts a handle's binding and capability snapshot.
func (s *PostgresStore) SaveHandle(rec confidential.HandleRecord) error {
	ctx, cancel := queryContext()
	defer cancel()

	binding, err := json.Marshal(rec.Binding)
	if err != nil {
		return err
	}
	grants, err := json.Marshal(rec.Grants)
	if err != nil {
		return err
	}
	retained, err := json.Marshal(rec.Retained)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO handles (handle_id, binding, grants, retained, updated_at)
	VALUES ($1, $2, $3, $4, NOW())
	ON CONFLICT (handle_id) DO UPDATE SET
		grants = EXCLUDED.grants,
		retained = EXCLUDED.retained,
		updated_at = NOW()
	`

	_, err = s.db.ExecContext(ctx, query, string(rec.ID), binding, grants, retained)
	return err
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func queryContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func marshalHandles(a, b, c, d confidential.Handle) ([]byte, []byte, []byte, []byte, error) {
	aj, bj, err := marshalTwoHandles(a, b)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cj, dj, err := marshalTwoHandles(c, d)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return aj, bj, cj, dj, nil
}

func marshalTwoHandles(a, b confidential.Handle) ([]byte, []byte, error) {
	aj, err := json.Marshal(a)
	if err != nil {
		return nil, nil, err
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return nil, nil, err
	}
	return aj, bj, nil
}

func unmarshalHandles(fields map[*confidential.Handle][]byte) error {
	for target, raw := range fields {
		if err := json.Unmarshal(raw, target); err != nil {
			return err
		}
	}
	return nil
}
