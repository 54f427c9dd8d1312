package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the stable account identity. Users are created on the first
// verified external identity and never destroyed.
type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// UserIdentity links a platform-scoped identity (chat user id, canvas
// account) to a user.
type UserIdentity struct {
	Platform       string    `json:"platform" db:"platform"`
	PlatformUserID string    `json:"platform_user_id" db:"platform_user_id"`
	UserID         uuid.UUID `json:"user_id" db:"user_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// WalletLink binds a wallet address to a user. An address binds to at
// most one user.
type WalletLink struct {
	WalletAddress string    `json:"wallet_address" db:"wallet_address"`
	UserID        uuid.UUID `json:"user_id" db:"user_id"`
	Chain         string    `json:"chain" db:"chain"`
	LinkedAt      time.Time `json:"linked_at" db:"linked_at"`
}

// APIKey is a hashed API credential. The raw key is shown once at
// creation and never stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	Name       string     `json:"name" db:"name"`
	Scopes     []string   `json:"scopes" db:"scopes"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// HasScope reports whether the key carries the given scope.
func (k *APIKey) HasScope(scope string) bool {
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// LinkRequestStatus tracks a magic-amount wallet-linking request.
type LinkRequestStatus string

const (
	LinkRequestPending   LinkRequestStatus = "pending"
	LinkRequestCompleted LinkRequestStatus = "completed"
	LinkRequestExpired   LinkRequestStatus = "expired"
)

// WalletLinkRequest is one outstanding magic-amount linking flow: the
// user deposits exactly MagicAmount from the wallet they want linked.
type WalletLinkRequest struct {
	ID            string            `json:"id" db:"id"`
	UserID        uuid.UUID         `json:"user_id" db:"user_id"`
	MagicAmount   string            `json:"magic_amount" db:"magic_amount"` // atomic units, decimal string
	Status        LinkRequestStatus `json:"status" db:"status"`
	WalletAddress *string           `json:"wallet_address,omitempty" db:"wallet_address"`
	ExpiresAt     time.Time         `json:"expires_at" db:"expires_at"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
}
