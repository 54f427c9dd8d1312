package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/engine"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/payment"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
	"github.com/manaforge-ai/manaforge/internal/quote"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// PaymentGate is the x402 surface the handler drives. The payment gate
// implements it.
type PaymentGate interface {
	Requirements(q *quote.Quote, resource, description string) *models.PaymentRequirements
	Authorize(ctx context.Context, header string, reqs *models.PaymentRequirements) (*payment.Authorization, error)
}

// Waiter holds a request open until its generation's terminal event
// arrives. The notification hub implements it.
type Waiter interface {
	Wait(generationID string) <-chan *models.Generation
	Forget(generationID string)
}

// X402Handler serves pay-per-request execution: anonymous callers fund a
// single generation with a signed transfer authorization.
type X402Handler struct {
	gate     PaymentGate
	hub      Waiter
	engine   Engine
	gens     repository.GenerationRepository
	users    repository.UserRepository
	catalog  ToolCatalog
	quoter   *quote.Quoter
	cfg      *config.Config
	validate *validator.Validate
	logger   *slog.Logger
}

// NewX402Handler creates the x402 handler.
func NewX402Handler(
	gate PaymentGate,
	hub Waiter,
	eng Engine,
	gens repository.GenerationRepository,
	users repository.UserRepository,
	catalog ToolCatalog,
	quoter *quote.Quoter,
	cfg *config.Config,
	logger *slog.Logger,
) *X402Handler {
	return &X402Handler{
		gate:     gate,
		hub:      hub,
		engine:   eng,
		gens:     gens,
		users:    users,
		catalog:  catalog,
		quoter:   quoter,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "x402")),
	}
}

// Routes returns a chi router with x402 routes.
func (h *X402Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/execute", h.Execute)

	return r
}

// X402ExecuteHTTPRequest is the HTTP request body for a paid execution.
type X402ExecuteHTTPRequest struct {
	Tool   string          `json:"tool" validate:"required,max=128"`
	Inputs json.RawMessage `json:"inputs"`
}

// Execute handles POST /x402/execute. Without an X-Payment header the
// caller gets a 402 challenge carrying the exact price; with one, the
// payment funds exactly one generation and the connection is held open
// for its result.
func (h *X402Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req X402ExecuteHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, validationError(err))
		return
	}

	tool, err := resolveTool(h.catalog, req.Tool)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	inputs, err := h.catalog.ValidateInputs(tool.ID, req.Inputs)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	q, err := h.quoter.QuoteTool(tool, inputs)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	reqs := h.gate.Requirements(q, h.resource(r), tool.Description)

	header := r.Header.Get("X-Payment")
	if header == "" {
		h.challenge(w, r, reqs)
		return
	}

	auth, err := h.gate.Authorize(r.Context(), header, reqs)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	// The verified payment doubles as identity: repeat payers keep one
	// user keyed by their wallet.
	payer, _, err := h.users.GetOrCreateByIdentity(r.Context(), "x402", strings.ToLower(auth.Payer))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	gen, err := h.engine.Execute(r.Context(), &engine.Request{
		UserID:         payer.ID,
		Tool:           tool,
		Inputs:         inputs,
		Quote:          q,
		Strategy:       models.DeliverX402,
		OriginPlatform: "x402",
		OriginAddress:  auth.Payer,
		PaymentSigHash: auth.SignatureHash,
	})
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if gen.Status.Terminal() {
		response.OK(w, gen)
		return
	}
	h.await(w, r, gen)
}

// challenge answers 402 with the price in both the body and the
// X-Payment-Required header.
func (h *X402Handler) challenge(w http.ResponseWriter, r *http.Request, reqs *models.PaymentRequirements) {
	enc, err := payment.EncodeRequirements(reqs)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	w.Header().Set("X-Payment-Required", enc)
	response.Error(w, r, apierrors.ErrPaymentRequired.WithDetails(map[string]any{
		"payment_requirements": reqs,
	}))
}

// await blocks until the generation is terminal, the sync window runs
// out, or the client goes away. The waiter registration races the
// dispatcher, so the record is re-read once after registering.
func (h *X402Handler) await(w http.ResponseWriter, r *http.Request, gen *models.Generation) {
	ch := h.hub.Wait(gen.ID)
	defer h.hub.Forget(gen.ID)

	if latest, err := h.gens.Get(r.Context(), gen.ID); err == nil && latest != nil && latest.Status.Terminal() {
		response.OK(w, latest)
		return
	}

	timer := time.NewTimer(h.cfg.Server.SyncWait)
	defer timer.Stop()

	select {
	case terminal := <-ch:
		response.OK(w, terminal)
	case <-timer.C:
		response.Accepted(w, acceptedResponse{
			GenerationID:  gen.ID,
			Status:        gen.Status,
			QuotedCredits: gen.QuotedCredits,
			CheckAfterMS:  checkAfterMS(mustTool(h.catalog, gen.ToolID)),
		})
	case <-r.Context().Done():
		h.logger.Info("x402 caller disconnected",
			slog.String("generation_id", gen.ID),
		)
	}
}

// resource names the paid resource in the challenge.
func (h *X402Handler) resource(r *http.Request) string {
	scheme := "https"
	if !h.cfg.Server.IsProd() && r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// mustTool is a lookup for records whose tool was just resolved; a
// missing entry after a reload falls back to a zero definition.
func mustTool(catalog ToolCatalog, toolID string) *models.ToolDefinition {
	if t, ok := catalog.Get(toolID); ok {
		return t
	}
	return &models.ToolDefinition{ID: toolID}
}
