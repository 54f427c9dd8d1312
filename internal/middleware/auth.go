package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey contextKey = "user_id"
	// ScopesKey is the context key for the credential's scopes.
	ScopesKey contextKey = "scopes"
	// APIKeyIDKey is the context key for the authenticating API key ID.
	APIKeyIDKey contextKey = "api_key_id"
)

// Session value keys. The dashboard sets user_id at login and the CSRF
// token is checked on every state-changing request.
const (
	SessionUserKey = "user_id"
	SessionCSRFKey = "csrf_token"
)

// ScopeAdmin grants access to the /admin surface.
const ScopeAdmin = "admin"

// PlatformScope names the scope a service key needs to submit work on
// behalf of another user of the given platform.
func PlatformScope(platform string) string {
	return "platform:" + platform
}

// HashAPIKey returns the hex SHA-256 digest stored for an API key. Raw
// keys are shown once at creation and never persisted.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewSessionStore builds the cookie store backing browser sessions.
// Cookies are Secure only in prod so local development works over HTTP.
func NewSessionStore(secret string, prod bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   7 * 24 * 60 * 60,
		HttpOnly: true,
		Secure:   prod,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

// Authenticator resolves API keys and web sessions into a request
// identity: a user ID plus the scopes of the credential used.
type Authenticator struct {
	users      repository.UserRepository
	store      sessions.Store
	cookieName string
	logger     *slog.Logger
}

// NewAuthenticator creates the authentication middleware provider.
func NewAuthenticator(users repository.UserRepository, store sessions.Store, cookieName string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		users:      users,
		store:      store,
		cookieName: cookieName,
		logger:     logger.With("component", "auth"),
	}
}

// Middleware authenticates every request. API keys are accepted in
// X-API-Key or as a Bearer token; browser requests authenticate with the
// session cookie and must send X-CSRF-Token on state-changing methods.
// Unauthenticated requests are rejected.
func (a *Authenticator) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := apiKeyFrom(r); raw != "" {
				key, err := a.users.GetAPIKeyByHash(r.Context(), HashAPIKey(raw))
				if err != nil {
					response.Error(w, r, err)
					return
				}
				if key == nil {
					response.Error(w, r, apierrors.ErrUnauthorized)
					return
				}
				a.touch(key.ID)

				ctx := context.WithValue(r.Context(), UserIDKey, key.UserID)
				ctx = context.WithValue(ctx, ScopesKey, key.Scopes)
				ctx = context.WithValue(ctx, APIKeyIDKey, key.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if sess, err := a.store.Get(r, a.cookieName); err == nil && !sess.IsNew {
				rawID, _ := sess.Values[SessionUserKey].(string)
				if userID, err := uuid.Parse(rawID); err == nil {
					if !safeMethod(r.Method) && !csrfOK(sess, r) {
						response.Error(w, r, apierrors.ErrForbidden.WithMessage("missing or invalid CSRF token"))
						return
					}
					ctx := context.WithValue(r.Context(), UserIDKey, userID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			response.Error(w, r, apierrors.ErrUnauthorized)
		})
	}
}

// touch records key usage without holding up the request. Failures are
// logged and dropped; last_used_at is advisory.
func (a *Authenticator) touch(id uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.users.TouchAPIKey(ctx, id); err != nil {
			a.logger.Warn("failed to touch api key", "key_id", id, "error", err)
		}
	}()
}

// RequireScope rejects requests whose credential does not carry the
// scope. Session identities carry no scopes and never pass.
func RequireScope(scope string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				response.Error(w, r, apierrors.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetUserID returns the authenticated user, or uuid.Nil when the request
// carries no identity.
func GetUserID(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(UserIDKey).(uuid.UUID)
	return id
}

// GetScopes returns the scopes of the credential used, nil for sessions.
func GetScopes(ctx context.Context) []string {
	scopes, _ := ctx.Value(ScopesKey).([]string)
	return scopes
}

// GetAPIKeyID returns the authenticating key's ID, or uuid.Nil for
// session-authenticated requests.
func GetAPIKeyID(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(APIKeyIDKey).(uuid.UUID)
	return id
}

// HasScope reports whether the request identity carries the scope.
func HasScope(ctx context.Context, scope string) bool {
	for _, s := range GetScopes(ctx) {
		if s == scope {
			return true
		}
	}
	return false
}

func apiKeyFrom(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func csrfOK(sess *sessions.Session, r *http.Request) bool {
	want, _ := sess.Values[SessionCSRFKey].(string)
	got := r.Header.Get("X-CSRF-Token")
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
