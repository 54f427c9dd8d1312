package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/manaforge-ai/manaforge/internal/database"
	"github.com/manaforge-ai/manaforge/internal/middleware"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
	"github.com/manaforge-ai/manaforge/internal/registry"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// AdminHandler serves operator endpoints. Every route requires the admin
// scope; the scope check is applied where the handler is mounted.
type AdminHandler struct {
	catalog  ToolCatalog
	ledger   Ledger
	users    repository.UserRepository
	rdb      *database.Redis
	validate *validator.Validate
	logger   *slog.Logger
}

// NewAdminHandler creates the admin handler. rdb may be nil; reloads then
// apply to this instance only.
func NewAdminHandler(
	catalog ToolCatalog,
	ledger Ledger,
	users repository.UserRepository,
	rdb *database.Redis,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		catalog:  catalog,
		ledger:   ledger,
		users:    users,
		rdb:      rdb,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns a chi router with admin routes.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/tools/reload", h.ReloadTools)
	r.Post("/credits/adjust", h.AdjustCredits)

	return r
}

// ReloadTools handles POST /admin/tools/reload. The local catalog is
// rebuilt first so the caller sees failures; peers follow via pub/sub.
func (h *AdminHandler) ReloadTools(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Reload(r.Context()); err != nil {
		h.logger.Error("catalog reload failed", slog.String("error", err.Error()))
		response.Error(w, r, apierrors.NewInternalError("Catalog reload failed, previous catalog kept"))
		return
	}

	if h.rdb != nil {
		if err := h.rdb.Publish(r.Context(), registry.ReloadChannel, "reload"); err != nil {
			h.logger.Warn("reload fan-out failed, peers keep their catalogs",
				slog.String("error", err.Error()),
			)
		}
	}

	response.OK(w, map[string]any{
		"tools":     h.catalog.Count(),
		"loaded_at": h.catalog.LoadedAt(),
	})
}

// AdjustCreditsHTTPRequest is the HTTP request body for a manual ledger
// adjustment.
type AdjustCreditsHTTPRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Amount int64  `json:"amount" validate:"required"`
	Note   string `json:"note" validate:"required,max=512"`
}

// AdjustCredits handles POST /admin/credits/adjust. Amount may be
// negative; the note is mandatory so every manual entry carries a reason.
func (h *AdminHandler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req AdjustCreditsHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, validationError(err))
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.ValidationError(w, r, "user_id", "must be a valid UUID")
		return
	}
	user, err := h.users.Get(r.Context(), userID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if user == nil {
		response.NotFound(w, r, "user")
		return
	}

	if err := h.ledger.Adjust(r.Context(), userID, req.Amount, req.Note); err != nil {
		response.Error(w, r, err)
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	h.logger.Info("manual credit adjustment",
		slog.String("user_id", userID.String()),
		slog.Int64("amount", req.Amount),
		slog.String("admin_key_id", middleware.GetAPIKeyID(r.Context()).String()),
	)

	response.OK(w, map[string]any{
		"user_id": userID,
		"amount":  req.Amount,
		"balance": balance,
	})
}
