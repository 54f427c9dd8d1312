package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/manaforge-ai/manaforge/internal/middleware"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

const (
	apiKeyBytes  = 24
	apiKeyPrefix = "mf_"
)

// KeyHandler manages a user's API keys.
type KeyHandler struct {
	users    repository.UserRepository
	validate *validator.Validate
	logger   *slog.Logger
}

// NewKeyHandler creates the API key handler.
func NewKeyHandler(users repository.UserRepository, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{
		users:    users,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "keys")),
	}
}

// Routes returns a chi router with key routes.
func (h *KeyHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Delete("/{id}", h.Revoke)

	return r
}

// CreateKeyHTTPRequest is the HTTP request body for creating an API key.
type CreateKeyHTTPRequest struct {
	Name   string   `json:"name" validate:"required,max=128"`
	Scopes []string `json:"scopes" validate:"omitempty,max=16,dive,required,max=64"`
}

// CreateKeyResponse carries the raw key exactly once, at creation.
type CreateKeyResponse struct {
	ID        uuid.UUID `json:"id"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	CreatedAt string    `json:"created_at"`
}

// Create handles POST /api/v1/keys. Only the hash is stored; the raw key
// appears in this response and nowhere else. Callers without the admin
// scope cannot grant scopes to new keys.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, validationError(err))
		return
	}

	scopes := req.Scopes
	if len(scopes) > 0 && !middleware.HasScope(r.Context(), middleware.ScopeAdmin) {
		response.Error(w, r, apierrors.ErrForbidden.WithMessage("Only admin keys may grant scopes"))
		return
	}
	for _, s := range scopes {
		if s != strings.ToLower(s) || strings.ContainsAny(s, " \t") {
			response.ValidationError(w, r, "scopes", "scopes must be lowercase tokens")
			return
		}
	}

	raw, err := generateAPIKey()
	if err != nil {
		response.Error(w, r, apierrors.NewInternalError("Could not generate a key"))
		return
	}

	key := &models.APIKey{
		UserID:    middleware.GetUserID(r.Context()),
		KeyHash:   middleware.HashAPIKey(raw),
		KeyPrefix: raw[:len(apiKeyPrefix)+7],
		Name:      req.Name,
		Scopes:    scopes,
	}
	if err := h.users.CreateAPIKey(r.Context(), key); err != nil {
		response.Error(w, r, err)
		return
	}

	h.logger.Info("api key created",
		slog.String("key_id", key.ID.String()),
		slog.String("user_id", key.UserID.String()),
	)

	response.Created(w, CreateKeyResponse{
		ID:        key.ID,
		Key:       raw,
		KeyPrefix: key.KeyPrefix,
		Name:      key.Name,
		Scopes:    key.Scopes,
		CreatedAt: key.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// List handles GET /api/v1/keys. Hashes never leave the database; the
// prefix is enough to tell keys apart.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.users.ListAPIKeys(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, map[string]any{"keys": keys, "count": len(keys)})
}

// Revoke handles DELETE /api/v1/keys/{id}. Revocation is permanent; a
// revoked key can be listed but never used again.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid key ID"))
		return
	}

	ok, err := h.users.RevokeAPIKey(r.Context(), keyID, middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if !ok {
		response.NotFound(w, r, "key")
		return
	}

	response.NoContent(w)
}

// generateAPIKey returns a fresh key of the form mf_<48 hex chars>.
func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
