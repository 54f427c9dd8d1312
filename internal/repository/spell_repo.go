package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// SpellRepository stores spell definitions and their casts. Spells are
// immutable once published; saving under an existing slug creates the next
// version. Cast terminal transitions are guarded like generation ones.
type SpellRepository interface {
	// CreateSpell inserts a spell as the next version of its slug.
	CreateSpell(ctx context.Context, s *models.Spell) error

	// GetSpell returns a spell by ID, or nil.
	GetSpell(ctx context.Context, id string) (*models.Spell, error)

	// GetSpellBySlug returns the latest published version of a slug, or nil.
	GetSpellBySlug(ctx context.Context, slug string) (*models.Spell, error)

	// GetSpellVersion returns one exact version of a slug, or nil.
	GetSpellVersion(ctx context.Context, slug string, version int) (*models.Spell, error)

	// ListSpells returns spells, newest first. With publishedOnly only
	// published versions are returned; with ownerID only that owner's.
	ListSpells(ctx context.Context, publishedOnly bool, ownerID *uuid.UUID, limit int) ([]*models.Spell, error)

	// PublishSpell marks an owner's spell published. Returns false when the
	// spell does not exist or belongs to someone else.
	PublishSpell(ctx context.Context, id string, ownerID uuid.UUID) (bool, error)

	// CreateCast inserts a running cast and fills server-assigned fields.
	CreateCast(ctx context.Context, c *models.SpellCast) error

	// GetCast returns a cast by ID, or nil.
	GetCast(ctx context.Context, id string) (*models.SpellCast, error)

	// ListCastsByUser returns the user's casts newest first. beforeID is a
	// keyset cursor; empty starts from the newest.
	ListCastsByUser(ctx context.Context, userID uuid.UUID, beforeID string, limit int) ([]*models.SpellCast, error)

	// AppendGeneration records a step's generation and advances the cursor.
	// Appending an id the cast already holds is a no-op, so redelivered
	// events cannot double-record a step.
	AppendGeneration(ctx context.Context, castID, generationID string, currentStep int) error

	// SetCastCharged records the cast's settled charge total. The runner
	// recomputes the total from the cast's generations, so writing it is
	// idempotent under event redelivery.
	SetCastCharged(ctx context.Context, castID string, charged int64) error

	// FinishCast moves a running cast to a terminal status. Returns the
	// updated cast, or nil when another caller already terminated it.
	FinishCast(ctx context.Context, castID string, status models.CastStatus, failedStep *int, errorCode, errorMessage *string, finalOutput json.RawMessage) (*models.SpellCast, error)

	// SetCastDeliveryStatus records the outcome of final delivery.
	SetCastDeliveryStatus(ctx context.Context, castID string, ds models.DeliveryStatus) error
}

type spellRepo struct {
	pool *pgxpool.Pool
}

// NewSpellRepository creates a PostgreSQL-backed spell repository.
func NewSpellRepository(pool *pgxpool.Pool) SpellRepository {
	return &spellRepo{pool: pool}
}

const spellColumns = `id, owner_id, slug, name, version, description, steps, parameters, published, created_at`

func scanSpell(row pgx.Row) (*models.Spell, error) {
	s := &models.Spell{}
	err := row.Scan(
		&s.ID, &s.OwnerID, &s.Slug, &s.Name, &s.Version, &s.Description,
		&s.Steps, &s.Parameters, &s.Published, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *spellRepo) CreateSpell(ctx context.Context, s *models.Spell) error {
	// The version subselect races under the (slug, version) unique index;
	// callers retry on unique violation.
	query := `
		INSERT INTO spells (id, owner_id, slug, name, version, description, steps, parameters, published)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(version), 0) + 1 FROM spells WHERE slug = $3),
			$5, $6, $7, $8)
		RETURNING version, created_at`

	return r.pool.QueryRow(ctx, query,
		s.ID, s.OwnerID, s.Slug, s.Name, s.Description, s.Steps, s.Parameters, s.Published,
	).Scan(&s.Version, &s.CreatedAt)
}

func (r *spellRepo) GetSpell(ctx context.Context, id string) (*models.Spell, error) {
	query := `SELECT ` + spellColumns + ` FROM spells WHERE id = $1`

	s, err := scanSpell(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *spellRepo) GetSpellBySlug(ctx context.Context, slug string) (*models.Spell, error) {
	query := `
		SELECT ` + spellColumns + `
		FROM spells
		WHERE slug = $1 AND published
		ORDER BY version DESC
		LIMIT 1`

	s, err := scanSpell(r.pool.QueryRow(ctx, query, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *spellRepo) GetSpellVersion(ctx context.Context, slug string, version int) (*models.Spell, error) {
	query := `SELECT ` + spellColumns + ` FROM spells WHERE slug = $1 AND version = $2`

	s, err := scanSpell(r.pool.QueryRow(ctx, query, slug, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *spellRepo) ListSpells(ctx context.Context, publishedOnly bool, ownerID *uuid.UUID, limit int) ([]*models.Spell, error) {
	query := `
		SELECT ` + spellColumns + `
		FROM spells
		WHERE (NOT $1::BOOLEAN OR published) AND ($2::UUID IS NULL OR owner_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, publishedOnly, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spells []*models.Spell
	for rows.Next() {
		s, err := scanSpell(rows)
		if err != nil {
			return nil, err
		}
		spells = append(spells, s)
	}
	return spells, rows.Err()
}

func (r *spellRepo) PublishSpell(ctx context.Context, id string, ownerID uuid.UUID) (bool, error) {
	query := `UPDATE spells SET published = true WHERE id = $1 AND owner_id = $2`

	ct, err := r.pool.Exec(ctx, query, id, ownerID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

const castColumns = `id, spell_id, spell_version, user_id, parameters, generation_ids, status,
	current_step, failed_step, error_code, error_message, final_output,
	quoted_credits, charged_credits,
	delivery_strategy, delivery_status, origin_platform, origin_address, reply_to,
	webhook_url, webhook_secret, version, created_at, completed_at`

func scanCast(row pgx.Row) (*models.SpellCast, error) {
	c := &models.SpellCast{}
	err := row.Scan(
		&c.ID, &c.SpellID, &c.SpellVersion, &c.UserID, &c.Parameters, &c.GenerationIDs, &c.Status,
		&c.CurrentStep, &c.FailedStep, &c.ErrorCode, &c.ErrorMessage, &c.FinalOutput,
		&c.QuotedCredits, &c.ChargedCredits,
		&c.DeliveryStrategy, &c.DeliveryStatus, &c.OriginPlatform, &c.OriginAddress, &c.ReplyTo,
		&c.WebhookURL, &c.WebhookSecret, &c.Version, &c.CreatedAt, &c.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *spellRepo) CreateCast(ctx context.Context, c *models.SpellCast) error {
	query := `
		INSERT INTO spell_casts (
			id, spell_id, spell_version, user_id, parameters, quoted_credits,
			delivery_strategy, origin_platform, origin_address, reply_to,
			webhook_url, webhook_secret
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING generation_ids, status, current_step, charged_credits, delivery_status, version, created_at`

	return r.pool.QueryRow(ctx, query,
		c.ID, c.SpellID, c.SpellVersion, c.UserID, c.Parameters, c.QuotedCredits,
		c.DeliveryStrategy, c.OriginPlatform, c.OriginAddress, c.ReplyTo,
		c.WebhookURL, c.WebhookSecret,
	).Scan(&c.GenerationIDs, &c.Status, &c.CurrentStep, &c.ChargedCredits, &c.DeliveryStatus, &c.Version, &c.CreatedAt)
}

func (r *spellRepo) GetCast(ctx context.Context, id string) (*models.SpellCast, error) {
	query := `SELECT ` + castColumns + ` FROM spell_casts WHERE id = $1`

	c, err := scanCast(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *spellRepo) ListCastsByUser(ctx context.Context, userID uuid.UUID, beforeID string, limit int) ([]*models.SpellCast, error) {
	query := `
		SELECT ` + castColumns + `
		FROM spell_casts
		WHERE user_id = $1 AND ($2 = '' OR id < $2)
		ORDER BY id DESC
		LIMIT $3`

	rows, err := r.pool.Query(ctx, query, userID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var casts []*models.SpellCast
	for rows.Next() {
		c, err := scanCast(rows)
		if err != nil {
			return nil, err
		}
		casts = append(casts, c)
	}
	return casts, rows.Err()
}

func (r *spellRepo) AppendGeneration(ctx context.Context, castID, generationID string, currentStep int) error {
	query := `
		UPDATE spell_casts
		SET generation_ids = generation_ids || to_jsonb($2::TEXT),
		    current_step = $3, version = version + 1
		WHERE id = $1 AND NOT generation_ids @> to_jsonb($2::TEXT)`

	_, err := r.pool.Exec(ctx, query, castID, generationID, currentStep)
	return err
}

func (r *spellRepo) SetCastCharged(ctx context.Context, castID string, charged int64) error {
	query := `
		UPDATE spell_casts
		SET charged_credits = $2, version = version + 1
		WHERE id = $1 AND charged_credits <> $2`

	_, err := r.pool.Exec(ctx, query, castID, charged)
	return err
}

func (r *spellRepo) FinishCast(ctx context.Context, castID string, status models.CastStatus, failedStep *int, errorCode, errorMessage *string, finalOutput json.RawMessage) (*models.SpellCast, error) {
	query := `
		UPDATE spell_casts
		SET status = $2, failed_step = $3, error_code = $4, error_message = $5,
		    final_output = $6, completed_at = now(), version = version + 1
		WHERE id = $1 AND status = 'running'
		RETURNING ` + castColumns

	c, err := scanCast(r.pool.QueryRow(ctx, query, castID, status, failedStep, errorCode, errorMessage, finalOutput))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (r *spellRepo) SetCastDeliveryStatus(ctx context.Context, castID string, ds models.DeliveryStatus) error {
	query := `UPDATE spell_casts SET delivery_status = $2, version = version + 1 WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, castID, ds)
	return err
}

// Compile-time check that spellRepo implements SpellRepository.
var _ SpellRepository = (*spellRepo)(nil)
