package handler

import (
	"crypto/rand"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/middleware"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
	"github.com/manaforge-ai/manaforge/internal/pkg/ulid"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// magicOffsetRange bounds the random atomic-unit offset added to the
// link base amount. Small enough to stay under a cent-scale surcharge,
// large enough that pending-amount collisions stay rare.
const magicOffsetRange = 999_999

// linkCreateAttempts bounds retries when a magic amount collides with
// another pending request.
const linkCreateAttempts = 5

// WalletHandler serves wallet linking and deposit history.
type WalletHandler struct {
	users    repository.UserRepository
	deposits repository.DepositRepository
	cfg      *config.Config
	validate *validator.Validate
	logger   *slog.Logger
}

// NewWalletHandler creates the wallet handler.
func NewWalletHandler(users repository.UserRepository, deposits repository.DepositRepository, cfg *config.Config, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		users:    users,
		deposits: deposits,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "wallet")),
	}
}

// Routes returns a chi router with wallet routes.
func (h *WalletHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/link/initiate", h.InitiateLink)
	r.Get("/link/status/{request_id}", h.LinkStatus)
	r.Get("/deposits", h.Deposits)
	r.Get("/", h.List)

	return r
}

// depositTarget names one contract users can deposit into.
type depositTarget struct {
	Chain    string `json:"chain"`
	Contract string `json:"contract"`
}

// LinkInitiateResponse tells the user what exact amount to deposit from
// the wallet they want linked.
type LinkInitiateResponse struct {
	RequestID      string          `json:"request_id"`
	MagicAmount    string          `json:"magic_amount"` // atomic units
	DepositTargets []depositTarget `json:"deposit_targets"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// InitiateLink handles POST /api/v1/wallets/link/initiate. The magic
// amount is the configured base plus a random offset; a deposit of
// exactly that amount before the deadline links its sender wallet.
func (h *WalletHandler) InitiateLink(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var lr *models.WalletLinkRequest
	for attempt := 0; attempt < linkCreateAttempts; attempt++ {
		offset, err := rand.Int(rand.Reader, big.NewInt(magicOffsetRange))
		if err != nil {
			response.Error(w, r, err)
			return
		}
		amount := h.cfg.Wallet.LinkBaseAmount + offset.Int64() + 1

		candidate := &models.WalletLinkRequest{
			ID:          ulid.New(),
			UserID:      userID,
			MagicAmount: strconv.FormatInt(amount, 10),
			ExpiresAt:   time.Now().Add(h.cfg.Wallet.LinkTTL),
		}
		err = h.users.CreateLinkRequest(r.Context(), candidate)
		if err == nil {
			lr = candidate
			break
		}
		if !repository.IsUniqueViolation(err) {
			response.Error(w, r, err)
			return
		}
	}
	if lr == nil {
		response.Error(w, r, apierrors.NewInternalError("could not allocate a unique link amount"))
		return
	}

	targets := make([]depositTarget, len(h.cfg.Chains))
	for i, c := range h.cfg.Chains {
		targets[i] = depositTarget{Chain: c.Name, Contract: c.LedgerContract}
	}

	h.logger.Info("wallet link initiated",
		slog.String("request_id", lr.ID),
		slog.String("user_id", userID.String()),
	)
	response.Created(w, LinkInitiateResponse{
		RequestID:      lr.ID,
		MagicAmount:    lr.MagicAmount,
		DepositTargets: targets,
		ExpiresAt:      lr.ExpiresAt,
	})
}

// LinkStatus handles GET /api/v1/wallets/link/status/{request_id}.
func (h *WalletHandler) LinkStatus(w http.ResponseWriter, r *http.Request) {
	lr, err := h.users.GetLinkRequest(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if lr == nil || lr.UserID != middleware.GetUserID(r.Context()) {
		response.Error(w, r, apierrors.NewNotFoundError("link request"))
		return
	}

	// Expiry is also applied lazily so a status poll never reports a
	// pending request past its deadline.
	if lr.Status == models.LinkRequestPending && time.Now().After(lr.ExpiresAt) {
		lr.Status = models.LinkRequestExpired
	}
	response.OK(w, lr)
}

// List handles GET /api/v1/wallets: the caller's linked wallets.
func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	wallets, err := h.users.ListWallets(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, map[string]any{"wallets": wallets})
}

// Deposits handles GET /api/v1/wallets/deposits: the caller's on-chain
// deposit history, newest first.
func (h *WalletHandler) Deposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.deposits.ListByUser(r.Context(), middleware.GetUserID(r.Context()), pageLimit(r))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, map[string]any{"deposits": deposits})
}
