package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// UserRepository manages accounts, their platform identities, linked
// wallets, API keys and wallet-link requests. Accounts are created lazily
// on the first verified identity.
type UserRepository interface {
	// Get returns a user by ID, or nil when not found.
	Get(ctx context.Context, id uuid.UUID) (*models.User, error)

	// GetOrCreateByIdentity resolves a platform identity to its user,
	// creating both when the identity is new. The bool reports creation.
	GetOrCreateByIdentity(ctx context.Context, platform, platformUserID string) (*models.User, bool, error)

	// GetByWallet returns the user a wallet address is linked to, or nil.
	GetByWallet(ctx context.Context, walletAddress string) (*models.User, error)

	// LinkWallet binds a wallet address to a user. Returns false when the
	// address is already bound.
	LinkWallet(ctx context.Context, walletAddress string, userID uuid.UUID, chain string) (bool, error)

	// ListWallets returns the user's linked wallets.
	ListWallets(ctx context.Context, userID uuid.UUID) ([]*models.WalletLink, error)

	// CreateAPIKey inserts a key record and fills server-assigned fields.
	CreateAPIKey(ctx context.Context, k *models.APIKey) error

	// GetAPIKeyByHash returns the non-revoked key with the given hash, or nil.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)

	// ListAPIKeys returns the user's keys, newest first.
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)

	// TouchAPIKey updates the key's last-used timestamp.
	TouchAPIKey(ctx context.Context, id uuid.UUID) error

	// RevokeAPIKey revokes a user's key. Returns false when the key does
	// not exist, belongs to someone else, or is already revoked.
	RevokeAPIKey(ctx context.Context, id, userID uuid.UUID) (bool, error)

	// CreateLinkRequest inserts a pending wallet-link request. Fails with a
	// unique violation when the magic amount collides with another pending
	// request; callers pick a new amount and retry.
	CreateLinkRequest(ctx context.Context, lr *models.WalletLinkRequest) error

	// GetLinkRequest returns a link request by ID, or nil.
	GetLinkRequest(ctx context.Context, id string) (*models.WalletLinkRequest, error)

	// FindPendingLinkByAmount returns the unexpired pending request whose
	// magic amount matches exactly, or nil.
	FindPendingLinkByAmount(ctx context.Context, amount string) (*models.WalletLinkRequest, error)

	// CompleteLinkRequest marks a pending request completed with the wallet
	// that paid it. Returns false when the request is not pending.
	CompleteLinkRequest(ctx context.Context, id, walletAddress string) (bool, error)

	// ExpireLinkRequests expires pending requests past their deadline and
	// returns how many were expired.
	ExpireLinkRequests(ctx context.Context, now time.Time) (int64, error)
}

type userRepo struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a PostgreSQL-backed user repository.
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepo{pool: pool}
}

func (r *userRepo) Get(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT id, created_at FROM users WHERE id = $1`

	u := &models.User{}
	err := r.pool.QueryRow(ctx, query, id).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepo) GetOrCreateByIdentity(ctx context.Context, platform, platformUserID string) (*models.User, bool, error) {
	u, err := r.getByIdentity(ctx, platform, platformUserID)
	if err != nil {
		return nil, false, err
	}
	if u != nil {
		return u, false, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	u = &models.User{}
	err = tx.QueryRow(ctx, `INSERT INTO users DEFAULT VALUES RETURNING id, created_at`).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO user_identities (platform, platform_user_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform, platform_user_id) DO NOTHING`
	ct, err := tx.Exec(ctx, query, platform, platformUserID, u.ID)
	if err != nil {
		return nil, false, err
	}
	if ct.RowsAffected() == 0 {
		// Lost a concurrent registration; drop our user row and return the winner's.
		if err := tx.Rollback(ctx); err != nil {
			return nil, false, err
		}
		u, err = r.getByIdentity(ctx, platform, platformUserID)
		if err != nil {
			return nil, false, err
		}
		return u, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

func (r *userRepo) getByIdentity(ctx context.Context, platform, platformUserID string) (*models.User, error) {
	query := `
		SELECT u.id, u.created_at
		FROM users u
		JOIN user_identities i ON i.user_id = u.id
		WHERE i.platform = $1 AND i.platform_user_id = $2`

	u := &models.User{}
	err := r.pool.QueryRow(ctx, query, platform, platformUserID).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepo) GetByWallet(ctx context.Context, walletAddress string) (*models.User, error) {
	query := `
		SELECT u.id, u.created_at
		FROM users u
		JOIN user_wallets w ON w.user_id = u.id
		WHERE w.wallet_address = $1`

	u := &models.User{}
	err := r.pool.QueryRow(ctx, query, walletAddress).Scan(&u.ID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepo) LinkWallet(ctx context.Context, walletAddress string, userID uuid.UUID, chain string) (bool, error) {
	query := `
		INSERT INTO user_wallets (wallet_address, user_id, chain)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet_address) DO NOTHING`

	ct, err := r.pool.Exec(ctx, query, walletAddress, userID, chain)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *userRepo) ListWallets(ctx context.Context, userID uuid.UUID) ([]*models.WalletLink, error) {
	query := `
		SELECT wallet_address, user_id, chain, linked_at
		FROM user_wallets
		WHERE user_id = $1
		ORDER BY linked_at`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*models.WalletLink
	for rows.Next() {
		l := &models.WalletLink{}
		if err := rows.Scan(&l.WalletAddress, &l.UserID, &l.Chain, &l.LinkedAt); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (r *userRepo) CreateAPIKey(ctx context.Context, k *models.APIKey) error {
	query := `
		INSERT INTO api_keys (user_id, key_hash, key_prefix, name, scopes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return r.pool.QueryRow(ctx, query, k.UserID, k.KeyHash, k.KeyPrefix, k.Name, k.Scopes).
		Scan(&k.ID, &k.CreatedAt)
}

func (r *userRepo) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	query := `
		SELECT id, user_id, key_hash, key_prefix, name, scopes, last_used_at, created_at, revoked_at
		FROM api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL`

	k := &models.APIKey{}
	err := r.pool.QueryRow(ctx, query, keyHash).Scan(
		&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Scopes,
		&k.LastUsedAt, &k.CreatedAt, &k.RevokedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (r *userRepo) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	query := `
		SELECT id, user_id, key_hash, key_prefix, name, scopes, last_used_at, created_at, revoked_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		k := &models.APIKey{}
		err := rows.Scan(
			&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Scopes,
			&k.LastUsedAt, &k.CreatedAt, &k.RevokedAt,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *userRepo) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE api_keys SET last_used_at = now() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id)
	return err
}

func (r *userRepo) RevokeAPIKey(ctx context.Context, id, userID uuid.UUID) (bool, error) {
	query := `
		UPDATE api_keys
		SET revoked_at = now()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`

	ct, err := r.pool.Exec(ctx, query, id, userID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *userRepo) CreateLinkRequest(ctx context.Context, lr *models.WalletLinkRequest) error {
	query := `
		INSERT INTO wallet_link_requests (id, user_id, magic_amount, expires_at)
		VALUES ($1, $2, $3::NUMERIC, $4)
		RETURNING status, created_at`

	return r.pool.QueryRow(ctx, query, lr.ID, lr.UserID, lr.MagicAmount, lr.ExpiresAt).
		Scan(&lr.Status, &lr.CreatedAt)
}

const linkRequestColumns = `id, user_id, magic_amount::TEXT, status, wallet_address, expires_at, created_at, completed_at`

func scanLinkRequest(row pgx.Row) (*models.WalletLinkRequest, error) {
	lr := &models.WalletLinkRequest{}
	err := row.Scan(
		&lr.ID, &lr.UserID, &lr.MagicAmount, &lr.Status, &lr.WalletAddress,
		&lr.ExpiresAt, &lr.CreatedAt, &lr.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return lr, nil
}

func (r *userRepo) GetLinkRequest(ctx context.Context, id string) (*models.WalletLinkRequest, error) {
	query := `SELECT ` + linkRequestColumns + ` FROM wallet_link_requests WHERE id = $1`

	lr, err := scanLinkRequest(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return lr, err
}

func (r *userRepo) FindPendingLinkByAmount(ctx context.Context, amount string) (*models.WalletLinkRequest, error) {
	query := `
		SELECT ` + linkRequestColumns + `
		FROM wallet_link_requests
		WHERE magic_amount = $1::NUMERIC AND status = 'pending' AND expires_at > now()`

	lr, err := scanLinkRequest(r.pool.QueryRow(ctx, query, amount))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return lr, err
}

func (r *userRepo) CompleteLinkRequest(ctx context.Context, id, walletAddress string) (bool, error) {
	query := `
		UPDATE wallet_link_requests
		SET status = 'completed', wallet_address = $2, completed_at = now()
		WHERE id = $1 AND status = 'pending'`

	ct, err := r.pool.Exec(ctx, query, id, walletAddress)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *userRepo) ExpireLinkRequests(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE wallet_link_requests
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= $1`

	ct, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// Compile-time check that userRepo implements UserRepository.
var _ UserRepository = (*userRepo)(nil)
