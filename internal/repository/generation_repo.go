package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// GenerationRepository persists generation requests and drives their status
// machine. Terminal transitions are guarded in SQL so exactly one caller
// wins when completion, failure and cancellation race.
type GenerationRepository interface {
	// Create inserts a queued generation and fills server-assigned fields.
	Create(ctx context.Context, g *models.Generation) error

	// Get returns a generation by ID, or nil when not found.
	Get(ctx context.Context, id string) (*models.Generation, error)

	// GetByJobID resolves a backend callback to its generation.
	GetByJobID(ctx context.Context, jobID string) (*models.Generation, error)

	// GetByIdempotencyKey returns the generation previously created by the
	// same user with the same idempotency key, or nil.
	GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Generation, error)

	// BatchGet returns the generations for the given IDs, in ID order.
	BatchGet(ctx context.Context, ids []string) ([]*models.Generation, error)

	// MarkRunning moves a queued generation to running and records backend
	// placement and deadlines. Returns false when the generation is no
	// longer queued (a racing cancel won).
	MarkRunning(ctx context.Context, id, backend string, jobID *string, nextPollAt, softDeadline, hardDeadline *time.Time) (bool, error)

	// UpdateOptimistic writes the record's mutable delivery fields guarded
	// by its version. False means the row changed underneath the caller.
	UpdateOptimistic(ctx context.Context, g *models.Generation) (bool, error)

	// TransitionTerminal moves a queued or running generation to a terminal
	// status. Returns the updated generation, or nil when another caller
	// already terminated it. The winner is responsible for settlement.
	TransitionTerminal(ctx context.Context, id string, to models.GenerationStatus, outputs json.RawMessage, errorCode, errorMessage *string) (*models.Generation, error)

	// SetCharged records the settled charge after the ledger commit.
	SetCharged(ctx context.Context, id string, charged int64) error

	// SetDeliveryStatus records the outcome of result delivery.
	SetDeliveryStatus(ctx context.Context, id string, ds models.DeliveryStatus) error

	// UpdatePollSchedule advances the poll counter and next poll time.
	UpdatePollSchedule(ctx context.Context, id string, attempts int, nextPollAt time.Time) error

	// ListByUser returns the user's generations newest first. beforeID is a
	// keyset cursor; empty starts from the newest.
	ListByUser(ctx context.Context, userID uuid.UUID, beforeID string, limit int) ([]*models.Generation, error)

	// ListByCast returns a cast's generations in step order.
	ListByCast(ctx context.Context, castID string) ([]*models.Generation, error)

	// ListDuePolls returns running poll-mode generations whose next poll
	// time has passed, soonest first.
	ListDuePolls(ctx context.Context, now time.Time, limit int) ([]*models.Generation, error)

	// ListUndelivered returns terminal generations whose delivery is still
	// pending and older than the cutoff, oldest first. The janitor re-emits
	// these.
	ListUndelivered(ctx context.Context, cutoff time.Time, limit int) ([]*models.Generation, error)

	// ListOverdue returns running generations past their hard deadline.
	// The poller covers poll-mode records; this catches webhook-mode jobs
	// whose callback never arrived.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Generation, error)

	// ListByStatusStrategy returns generations in a given status and
	// delivery strategy, newest first. Serves the ops listing surface.
	ListByStatusStrategy(ctx context.Context, status models.GenerationStatus, strategy models.DeliveryStrategy, limit int) ([]*models.Generation, error)
}

type generationRepo struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a PostgreSQL-backed generation repository.
func NewGenerationRepository(pool *pgxpool.Pool) GenerationRepository {
	return &generationRepo{pool: pool}
}

const generationColumns = `id, user_id, tool_id, inputs, status, delivery_strategy, delivery_status,
	quoted_credits, charged_credits, quoted_usd, backend, backend_job_id, outputs,
	error_code, error_message, origin_platform, origin_address, reply_to,
	webhook_url, webhook_secret, payment_sig_hash, parent_cast_id, step_index,
	idempotency_key, poll_attempts, next_poll_at, soft_deadline, hard_deadline,
	version, queued_at, started_at, completed_at`

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	g := &models.Generation{}
	err := row.Scan(
		&g.ID, &g.UserID, &g.ToolID, &g.Inputs, &g.Status, &g.DeliveryStrategy, &g.DeliveryStatus,
		&g.QuotedCredits, &g.ChargedCredits, &g.QuotedUSD, &g.Backend, &g.BackendJobID, &g.Outputs,
		&g.ErrorCode, &g.ErrorMessage, &g.OriginPlatform, &g.OriginAddress, &g.ReplyTo,
		&g.WebhookURL, &g.WebhookSecret, &g.PaymentSigHash, &g.ParentCastID, &g.StepIndex,
		&g.IdempotencyKey, &g.PollAttempts, &g.NextPollAt, &g.SoftDeadline, &g.HardDeadline,
		&g.Version, &g.QueuedAt, &g.StartedAt, &g.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (r *generationRepo) Create(ctx context.Context, g *models.Generation) error {
	query := `
		INSERT INTO generations (
			id, user_id, tool_id, inputs, status, delivery_strategy,
			quoted_credits, quoted_usd, origin_platform, origin_address, reply_to,
			webhook_url, webhook_secret, payment_sig_hash, parent_cast_id, step_index,
			idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING delivery_status, poll_attempts, version, queued_at`

	return r.pool.QueryRow(ctx, query,
		g.ID, g.UserID, g.ToolID, g.Inputs, g.Status, g.DeliveryStrategy,
		g.QuotedCredits, g.QuotedUSD, g.OriginPlatform, g.OriginAddress, g.ReplyTo,
		g.WebhookURL, g.WebhookSecret, g.PaymentSigHash, g.ParentCastID, g.StepIndex,
		g.IdempotencyKey,
	).Scan(&g.DeliveryStatus, &g.PollAttempts, &g.Version, &g.QueuedAt)
}

func (r *generationRepo) Get(ctx context.Context, id string) (*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1`

	g, err := scanGeneration(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (r *generationRepo) GetByJobID(ctx context.Context, jobID string) (*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE backend_job_id = $1`

	g, err := scanGeneration(r.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (r *generationRepo) GetByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE user_id = $1 AND idempotency_key = $2`

	g, err := scanGeneration(r.pool.QueryRow(ctx, query, userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (r *generationRepo) BatchGet(ctx context.Context, ids []string) ([]*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = ANY($1) ORDER BY id`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func (r *generationRepo) MarkRunning(ctx context.Context, id, backend string, jobID *string, nextPollAt, softDeadline, hardDeadline *time.Time) (bool, error) {
	query := `
		UPDATE generations
		SET status = 'running', backend = $2, backend_job_id = $3, started_at = now(),
		    next_poll_at = $4, soft_deadline = $5, hard_deadline = $6, version = version + 1
		WHERE id = $1 AND status = 'queued'`

	ct, err := r.pool.Exec(ctx, query, id, backend, jobID, nextPollAt, softDeadline, hardDeadline)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *generationRepo) UpdateOptimistic(ctx context.Context, g *models.Generation) (bool, error) {
	query := `
		UPDATE generations
		SET delivery_status = $3, webhook_url = $4, webhook_secret = $5, version = version + 1
		WHERE id = $1 AND version = $2`

	ct, err := r.pool.Exec(ctx, query, g.ID, g.Version, g.DeliveryStatus, g.WebhookURL, g.WebhookSecret)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() != 1 {
		return false, nil
	}
	g.Version++
	return true, nil
}

func (r *generationRepo) TransitionTerminal(ctx context.Context, id string, to models.GenerationStatus, outputs json.RawMessage, errorCode, errorMessage *string) (*models.Generation, error) {
	query := `
		UPDATE generations
		SET status = $2, outputs = COALESCE($3, outputs), error_code = $4, error_message = $5,
		    completed_at = now(), next_poll_at = NULL, version = version + 1
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING ` + generationColumns

	g, err := scanGeneration(r.pool.QueryRow(ctx, query, id, to, outputs, errorCode, errorMessage))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (r *generationRepo) SetCharged(ctx context.Context, id string, charged int64) error {
	query := `UPDATE generations SET charged_credits = $2, version = version + 1 WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, charged)
	return err
}

func (r *generationRepo) SetDeliveryStatus(ctx context.Context, id string, ds models.DeliveryStatus) error {
	query := `UPDATE generations SET delivery_status = $2, version = version + 1 WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, ds)
	return err
}

func (r *generationRepo) UpdatePollSchedule(ctx context.Context, id string, attempts int, nextPollAt time.Time) error {
	query := `
		UPDATE generations
		SET poll_attempts = $2, next_poll_at = $3, version = version + 1
		WHERE id = $1 AND status = 'running'`

	_, err := r.pool.Exec(ctx, query, id, attempts, nextPollAt)
	return err
}

func (r *generationRepo) ListByUser(ctx context.Context, userID uuid.UUID, beforeID string, limit int) ([]*models.Generation, error) {
	query := `
		SELECT ` + generationColumns + `
		FROM generations
		WHERE user_id = $1 AND ($2 = '' OR id < $2)
		ORDER BY id DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, userID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func (r *generationRepo) ListByCast(ctx context.Context, castID string) ([]*models.Generation, error) {
	query := `
		SELECT ` + generationColumns + `
		FROM generations
		WHERE parent_cast_id = $1
		ORDER BY step_index`

	rows, err := r.pool.Query(ctx, query, castID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func (r *generationRepo) ListDuePolls(ctx context.Context, now time.Time, limit int) ([]*models.Generation, error) {
	query := `
		SELECT ` + generationColumns + `
		FROM generations
		WHERE status = 'running' AND next_poll_at IS NOT NULL AND next_poll_at <= $1
		ORDER BY next_poll_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func (r *generationRepo) ListUndelivered(ctx context.Context, cutoff time.Time, limit int) ([]*models.Generation, error) {
	query := `
		SELECT ` + generationColumns + `
		FROM generations
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND delivery_status = 'pending'
		  AND completed_at < $1
		ORDER BY completed_at
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func (r *generationRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Generation, error) {
	query := `
		SELECT ` + generationColumns + `
		FROM generations
		WHERE status = 'running' AND hard_deadline IS NOT NULL AND hard_deadline < $1
		ORDER BY hard_deadline
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func (r *generationRepo) ListByStatusStrategy(ctx context.Context, status models.GenerationStatus, strategy models.DeliveryStrategy, limit int) ([]*models.Generation, error) {
	query := `
		SELECT ` + generationColumns + `
		FROM generations
		WHERE status = $1 AND delivery_strategy = $2
		ORDER BY id DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, status, strategy, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGenerations(rows)
}

func collectGenerations(rows pgx.Rows) ([]*models.Generation, error) {
	var out []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation, used to detect idempotency-key races on insert.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Compile-time check that generationRepo implements GenerationRepository.
var _ GenerationRepository = (*generationRepo)(nil)
