package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// PaymentRepository records consumed x402 payment signatures. A signature
// hash is inserted exactly once; replays lose on the primary key.
type PaymentRepository interface {
	// Consume records a payment signature. Returns false when the signature
	// was already consumed.
	Consume(ctx context.Context, p *models.Payment) (bool, error)

	// Get returns a payment by signature hash, or nil.
	Get(ctx context.Context, signatureHash string) (*models.Payment, error)

	// AttachGeneration links the payment to the generation it funded.
	AttachGeneration(ctx context.Context, signatureHash, generationID string) error

	// MarkSettled records on-chain settlement of the payment.
	MarkSettled(ctx context.Context, signatureHash string) error

	// ListUnsettledBefore returns consumed payments that funded a generation
	// but never settled, oldest first. The sweep retries these.
	ListUnsettledBefore(ctx context.Context, olderThan time.Time, limit int) ([]*models.Payment, error)
}

type paymentRepo struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a PostgreSQL-backed payment repository.
func NewPaymentRepository(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepo{pool: pool}
}

func (r *paymentRepo) Consume(ctx context.Context, p *models.Payment) (bool, error) {
	query := `
		INSERT INTO payments (signature_hash, payer, amount, asset, network, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signature_hash) DO NOTHING`

	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	ct, err := r.pool.Exec(ctx, query, p.SignatureHash, p.Payer, p.Amount, p.Asset, p.Network, payload)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *paymentRepo) Get(ctx context.Context, signatureHash string) (*models.Payment, error) {
	query := `
		SELECT signature_hash, generation_id, payer, amount, asset, network, payload, settled, created_at, settled_at
		FROM payments
		WHERE signature_hash = $1`

	p := &models.Payment{}
	err := r.pool.QueryRow(ctx, query, signatureHash).Scan(
		&p.SignatureHash, &p.GenerationID, &p.Payer, &p.Amount, &p.Asset, &p.Network,
		&p.Payload, &p.Settled, &p.CreatedAt, &p.SettledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *paymentRepo) AttachGeneration(ctx context.Context, signatureHash, generationID string) error {
	query := `UPDATE payments SET generation_id = $2 WHERE signature_hash = $1`

	_, err := r.pool.Exec(ctx, query, signatureHash, generationID)
	return err
}

func (r *paymentRepo) MarkSettled(ctx context.Context, signatureHash string) error {
	query := `UPDATE payments SET settled = true, settled_at = now() WHERE signature_hash = $1`

	_, err := r.pool.Exec(ctx, query, signatureHash)
	return err
}

func (r *paymentRepo) ListUnsettledBefore(ctx context.Context, olderThan time.Time, limit int) ([]*models.Payment, error) {
	query := `
		SELECT signature_hash, generation_id, payer, amount, asset, network, payload, settled, created_at, settled_at
		FROM payments
		WHERE NOT settled AND generation_id IS NOT NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p := &models.Payment{}
		if err := rows.Scan(
			&p.SignatureHash, &p.GenerationID, &p.Payer, &p.Amount, &p.Asset, &p.Network,
			&p.Payload, &p.Settled, &p.CreatedAt, &p.SettledAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// Compile-time check that paymentRepo implements PaymentRepository.
var _ PaymentRepository = (*paymentRepo)(nil)
