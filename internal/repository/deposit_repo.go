package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// DepositRepository records observed chain deposits and their progression
// seen -> confirmed -> credited or rejected. Rows are keyed by chain event
// ID so re-observing the same log is harmless, and every status advance is
// guarded on the prior status.
type DepositRepository interface {
	// InsertSeen records a newly observed deposit. Returns false when the
	// chain event was already recorded.
	InsertSeen(ctx context.Context, d *models.Deposit) (bool, error)

	// Get returns a deposit by chain event ID, or nil when not found.
	Get(ctx context.Context, chainEventID string) (*models.Deposit, error)

	// ListSeenBelow returns seen deposits on a chain whose block number is
	// at or below maxBlock, i.e. deep enough to confirm.
	ListSeenBelow(ctx context.Context, chain string, maxBlock uint64, limit int) ([]*models.Deposit, error)

	// ListByStatus returns deposits in a status, oldest observation first.
	ListByStatus(ctx context.Context, status models.DepositStatus, limit int) ([]*models.Deposit, error)

	// ListByUser returns a user's deposits, newest observation first.
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Deposit, error)

	// MarkConfirmed advances seen -> confirmed and records the USD value.
	MarkConfirmed(ctx context.Context, chainEventID string, usdValue decimal.Decimal) (bool, error)

	// MarkCredited advances confirmed -> credited and records the resolved
	// owner and granted credits.
	MarkCredited(ctx context.Context, chainEventID string, userID uuid.UUID, credits int64) (bool, error)

	// MarkRejected moves a non-credited deposit to rejected with a reason.
	MarkRejected(ctx context.Context, chainEventID, reason string) (bool, error)

	// GetCursor returns the last scanned block for a chain, zero when the
	// chain has never been scanned.
	GetCursor(ctx context.Context, chain string) (uint64, error)

	// SetCursor records the last scanned block for a chain.
	SetCursor(ctx context.Context, chain string, lastBlock uint64) error
}

type depositRepo struct {
	pool *pgxpool.Pool
}

// NewDepositRepository creates a PostgreSQL-backed deposit repository.
func NewDepositRepository(pool *pgxpool.Pool) DepositRepository {
	return &depositRepo{pool: pool}
}

const depositColumns = `chain_event_id, chain, tx_hash, log_index, block_number, block_hash,
	wallet_address, asset, raw_amount, usd_value, credits, user_id, status,
	reject_reason, observed_at, confirmed_at, credited_at`

func scanDeposit(row pgx.Row) (*models.Deposit, error) {
	d := &models.Deposit{}
	err := row.Scan(
		&d.ChainEventID, &d.Chain, &d.TxHash, &d.LogIndex, &d.BlockNumber, &d.BlockHash,
		&d.WalletAddress, &d.Asset, &d.RawAmount, &d.USDValue, &d.Credits, &d.UserID, &d.Status,
		&d.RejectReason, &d.ObservedAt, &d.ConfirmedAt, &d.CreditedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *depositRepo) InsertSeen(ctx context.Context, d *models.Deposit) (bool, error) {
	query := `
		INSERT INTO deposits (
			chain_event_id, chain, tx_hash, log_index, block_number, block_hash,
			wallet_address, asset, raw_amount
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (chain_event_id) DO NOTHING`

	ct, err := r.pool.Exec(ctx, query,
		d.ChainEventID, d.Chain, d.TxHash, d.LogIndex, d.BlockNumber, d.BlockHash,
		d.WalletAddress, d.Asset, d.RawAmount,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *depositRepo) Get(ctx context.Context, chainEventID string) (*models.Deposit, error) {
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE chain_event_id = $1`

	d, err := scanDeposit(r.pool.QueryRow(ctx, query, chainEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (r *depositRepo) ListSeenBelow(ctx context.Context, chain string, maxBlock uint64, limit int) ([]*models.Deposit, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE status = 'seen' AND chain = $1 AND block_number <= $2
		ORDER BY block_number, log_index
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, chain, maxBlock, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeposits(rows)
}

func (r *depositRepo) ListByStatus(ctx context.Context, status models.DepositStatus, limit int) ([]*models.Deposit, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE status = $1
		ORDER BY observed_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeposits(rows)
}

func (r *depositRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Deposit, error) {
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE user_id = $1
		ORDER BY observed_at DESC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeposits(rows)
}

func (r *depositRepo) MarkConfirmed(ctx context.Context, chainEventID string, usdValue decimal.Decimal) (bool, error) {
	query := `
		UPDATE deposits
		SET status = 'confirmed', usd_value = $2, confirmed_at = now()
		WHERE chain_event_id = $1 AND status = 'seen'`

	ct, err := r.pool.Exec(ctx, query, chainEventID, usdValue)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *depositRepo) MarkCredited(ctx context.Context, chainEventID string, userID uuid.UUID, credits int64) (bool, error) {
	query := `
		UPDATE deposits
		SET status = 'credited', user_id = $2, credits = $3, credited_at = now()
		WHERE chain_event_id = $1 AND status = 'confirmed'`

	ct, err := r.pool.Exec(ctx, query, chainEventID, userID, credits)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *depositRepo) MarkRejected(ctx context.Context, chainEventID, reason string) (bool, error) {
	query := `
		UPDATE deposits
		SET status = 'rejected', reject_reason = $2
		WHERE chain_event_id = $1 AND status IN ('seen', 'confirmed')`

	ct, err := r.pool.Exec(ctx, query, chainEventID, reason)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *depositRepo) GetCursor(ctx context.Context, chain string) (uint64, error) {
	query := `SELECT last_block FROM chain_cursors WHERE chain = $1`

	var lastBlock uint64
	err := r.pool.QueryRow(ctx, query, chain).Scan(&lastBlock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return lastBlock, nil
}

func (r *depositRepo) SetCursor(ctx context.Context, chain string, lastBlock uint64) error {
	query := `
		INSERT INTO chain_cursors (chain, last_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (chain) DO UPDATE SET last_block = $2, updated_at = now()`

	_, err := r.pool.Exec(ctx, query, chain, lastBlock)
	return err
}

func collectDeposits(rows pgx.Rows) ([]*models.Deposit, error) {
	var out []*models.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Compile-time check that depositRepo implements DepositRepository.
var _ DepositRepository = (*depositRepo)(nil)
