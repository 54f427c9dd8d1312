package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
)

// maxCallbackBody caps backend callback payloads. Results travel via
// the fetch-on-callback path, so the body is only a trigger.
const maxCallbackBody = 1 << 20

// CallbackCompleter finalizes a generation when its backend signals
// completion. The engine implements it.
type CallbackCompleter interface {
	CompleteFromCallback(ctx context.Context, pathID string) (*models.Generation, error)
}

// CallbackHandler receives completion signals from generation backends.
type CallbackHandler struct {
	engine CallbackCompleter
	secret string
	logger *slog.Logger
}

// NewCallbackHandler creates the backend callback handler.
func NewCallbackHandler(eng CallbackCompleter, cfg *config.Config, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{
		engine: eng,
		secret: cfg.Webhook.CallbackSecret,
		logger: logger.With(slog.String("handler", "callback")),
	}
}

// Routes returns a chi router with callback routes.
func (h *CallbackHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/backend/{job_id}", h.Complete)

	return r
}

// Complete handles POST /callbacks/backend/{job_id}. The body content is
// untrusted; the generation result is fetched from the backend directly.
func (h *CallbackHandler) Complete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Could not read request body"))
		return
	}

	if !h.verifySignature(r.Header.Get("X-Callback-Signature"), body) {
		h.logger.Warn("callback signature rejected",
			slog.String("job_id", jobID),
			slog.String("remote_addr", r.RemoteAddr),
		)
		response.Error(w, r, apierrors.ErrUnauthorized.WithMessage("Invalid callback signature"))
		return
	}

	gen, err := h.engine.CompleteFromCallback(r.Context(), jobID)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.OK(w, map[string]any{
		"generation_id": gen.ID,
		"status":        gen.Status,
	})
}

// verifySignature checks the sha256= HMAC that backends attach to
// callback requests.
func (h *CallbackHandler) verifySignature(header string, body []byte) bool {
	if h.secret == "" || header == "" {
		return false
	}
	encoded, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
