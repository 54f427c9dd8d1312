package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/manaforge-ai/manaforge/internal/middleware"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
)

// Ledger is the credit ledger surface the handlers consume. The ledger
// service implements it.
type Ledger interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	Entries(ctx context.Context, userID uuid.UUID, beforeSeq int64, limit int) ([]*models.LedgerEntry, error)
	Adjust(ctx context.Context, userID uuid.UUID, amount int64, note string) error
}

// LedgerHandler serves balance and history reads.
type LedgerHandler struct {
	ledger Ledger
}

// NewLedgerHandler creates the ledger handler.
func NewLedgerHandler(ledger Ledger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// Routes returns a chi router with ledger routes.
func (h *LedgerHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/balance", h.Balance)
	r.Get("/entries", h.Entries)

	return r
}

// Balance handles GET /api/v1/ledger/balance.
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

// Entries handles GET /api/v1/ledger/entries. Cursor pagination: pass
// the seq of the last entry of the previous page as ?cursor=.
func (h *LedgerHandler) Entries(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := pageLimit(r)

	var beforeSeq int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			response.BadRequest(w, r, "cursor must be a positive integer")
			return
		}
		beforeSeq = n
	}

	entries, err := h.ledger.Entries(r.Context(), userID, beforeSeq, limit)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	var next int64
	if len(entries) == limit {
		next = entries[len(entries)-1].Seq
	}
	response.OK(w, map[string]any{
		"entries":     entries,
		"next_cursor": next,
	})
}
