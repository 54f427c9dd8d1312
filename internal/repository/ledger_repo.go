package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/pkg/ulid"
)

// ErrInsufficientBalance is returned by Reserve and Adjust when the user's
// balance cannot cover the debit.
var ErrInsufficientBalance = errors.New("insufficient balance")

// LedgerRepository owns the append-only credit ledger. Balances are never
// stored; they are the sum of a user's entries. All balance-changing
// operations serialize per user via an advisory lock so concurrent debits
// cannot overdraw.
type LedgerRepository interface {
	// Reserve holds amount credits for a generation by appending a debit
	// entry and opening a reservation in one transaction. Calling it again
	// with the same generation ID is a no-op. Returns ErrInsufficientBalance
	// when the balance cannot cover the hold.
	Reserve(ctx context.Context, userID uuid.UUID, generationID string, amount int64) error

	// Commit settles an open reservation, refunding any difference between
	// the held amount and charged. Charged is clamped to [0, held]. Returns
	// the settled reservation, or nil when no open reservation exists (the
	// settlement already happened or the reservation was never made).
	Commit(ctx context.Context, generationID string, charged int64) (*models.Reservation, error)

	// Release settles an open reservation by refunding the full held amount.
	// Returns nil when no open reservation exists.
	Release(ctx context.Context, generationID, note string) (*models.Reservation, error)

	// Credit appends a deposit entry keyed by chain event ID. Returns false
	// when an entry for that event already exists.
	Credit(ctx context.Context, userID uuid.UUID, amount int64, chainEventID, note string) (bool, error)

	// Adjust appends a manual correction entry. Negative adjustments that
	// would take the balance below zero return ErrInsufficientBalance.
	Adjust(ctx context.Context, userID uuid.UUID, amount int64, note string) error

	// Balance returns the sum of the user's entries.
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)

	// Entries returns the user's entries newest first, strictly below
	// beforeSeq. A beforeSeq of zero starts from the newest entry.
	Entries(ctx context.Context, userID uuid.UUID, beforeSeq int64, limit int) ([]*models.LedgerEntry, error)

	// GetReservation returns the reservation for a generation, or nil when
	// none exists.
	GetReservation(ctx context.Context, generationID string) (*models.Reservation, error)

	// OpenReservationsBefore returns reservations still open past the cutoff,
	// oldest first. The janitor releases these.
	OpenReservationsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error)
}

type ledgerRepo struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a PostgreSQL-backed ledger repository.
func NewLedgerRepository(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepo{pool: pool}
}

const lockUserQuery = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

func (r *ledgerRepo) Reserve(ctx context.Context, userID uuid.UUID, generationID string, amount int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, lockUserQuery, userID.String()); err != nil {
		return err
	}

	var state string
	err = tx.QueryRow(ctx,
		`SELECT state FROM ledger_reservations WHERE generation_id = $1`,
		generationID,
	).Scan(&state)
	if err == nil {
		// Reservation already exists in some state; the first call won.
		return tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientBalance
	}

	query := `
		INSERT INTO ledger_entries (id, user_id, amount, reason, generation_id)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, query, ulid.New(), userID, -amount, models.ReasonDebit, generationID); err != nil {
		return err
	}

	query = `
		INSERT INTO ledger_reservations (generation_id, user_id, amount)
		VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, query, generationID, userID, amount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *ledgerRepo) Commit(ctx context.Context, generationID string, charged int64) (*models.Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := settleReservation(ctx, tx, generationID, models.ReservationCommitted)
	if err != nil || res == nil {
		return nil, err
	}

	if charged < 0 {
		charged = 0
	}
	if charged > res.Amount {
		charged = res.Amount
	}
	if overage := res.Amount - charged; overage > 0 {
		query := `
			INSERT INTO ledger_entries (id, user_id, amount, reason, generation_id)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, query, ulid.New(), res.UserID, overage, models.ReasonRefund, generationID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *ledgerRepo) Release(ctx context.Context, generationID, note string) (*models.Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := settleReservation(ctx, tx, generationID, models.ReservationReleased)
	if err != nil || res == nil {
		return nil, err
	}

	if res.Amount > 0 {
		query := `
			INSERT INTO ledger_entries (id, user_id, amount, reason, generation_id, note)
			VALUES ($1, $2, $3, $4, $5, $6)`
		if _, err := tx.Exec(ctx, query, ulid.New(), res.UserID, res.Amount, models.ReasonRefund, generationID, nullableString(note)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// settleReservation flips an open reservation to its terminal state. The
// user advisory lock is taken first so entry appends stay serialized with
// Reserve's balance check. Exactly one caller wins; the rest see nil.
func settleReservation(ctx context.Context, tx pgx.Tx, generationID string, state models.ReservationState) (*models.Reservation, error) {
	var userID uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT user_id FROM ledger_reservations WHERE generation_id = $1`,
		generationID,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, lockUserQuery, userID.String()); err != nil {
		return nil, err
	}

	query := `
		UPDATE ledger_reservations
		SET state = $2, settled_at = now()
		WHERE generation_id = $1 AND state = 'open'
		RETURNING generation_id, user_id, amount, state, created_at, settled_at`

	res := &models.Reservation{}
	err = tx.QueryRow(ctx, query, generationID, state).Scan(
		&res.GenerationID, &res.UserID, &res.Amount, &res.State, &res.CreatedAt, &res.SettledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *ledgerRepo) Credit(ctx context.Context, userID uuid.UUID, amount int64, chainEventID, note string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, lockUserQuery, userID.String()); err != nil {
		return false, err
	}

	query := `
		INSERT INTO ledger_entries (id, user_id, amount, reason, chain_event_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain_event_id) WHERE chain_event_id IS NOT NULL DO NOTHING`
	ct, err := tx.Exec(ctx, query, ulid.New(), userID, amount, models.ReasonDeposit, chainEventID, nullableString(note))
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *ledgerRepo) Adjust(ctx context.Context, userID uuid.UUID, amount int64, note string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, lockUserQuery, userID.String()); err != nil {
		return err
	}

	if amount < 0 {
		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`,
			userID,
		).Scan(&balance)
		if err != nil {
			return err
		}
		if balance+amount < 0 {
			return ErrInsufficientBalance
		}
	}

	query := `
		INSERT INTO ledger_entries (id, user_id, amount, reason, note)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, query, ulid.New(), userID, amount, models.ReasonAdjust, nullableString(note)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *ledgerRepo) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = $1`

	var balance int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *ledgerRepo) Entries(ctx context.Context, userID uuid.UUID, beforeSeq int64, limit int) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, seq, user_id, amount, reason, generation_id, chain_event_id, note, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND ($2::BIGINT = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, userID, beforeSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		e := &models.LedgerEntry{}
		err := rows.Scan(
			&e.ID, &e.Seq, &e.UserID, &e.Amount, &e.Reason,
			&e.GenerationID, &e.ChainEventID, &e.Note, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *ledgerRepo) GetReservation(ctx context.Context, generationID string) (*models.Reservation, error) {
	query := `
		SELECT generation_id, user_id, amount, state, created_at, settled_at
		FROM ledger_reservations
		WHERE generation_id = $1`

	res := &models.Reservation{}
	err := r.pool.QueryRow(ctx, query, generationID).Scan(
		&res.GenerationID, &res.UserID, &res.Amount, &res.State, &res.CreatedAt, &res.SettledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *ledgerRepo) OpenReservationsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Reservation, error) {
	query := `
		SELECT generation_id, user_id, amount, state, created_at, settled_at
		FROM ledger_reservations
		WHERE state = 'open' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		res := &models.Reservation{}
		err := rows.Scan(&res.GenerationID, &res.UserID, &res.Amount, &res.State, &res.CreatedAt, &res.SettledAt)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// nullableString maps "" to NULL.
func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Compile-time check that ledgerRepo implements LedgerRepository.
var _ LedgerRepository = (*ledgerRepo)(nil)
