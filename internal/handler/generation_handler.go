// Package handler provides the HTTP handlers for the public API surface.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/engine"
	"github.com/manaforge-ai/manaforge/internal/middleware"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
	"github.com/manaforge-ai/manaforge/internal/quote"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBatchIDs     = 100
)

// Engine is the execution surface the generation endpoints drive. The
// engine implements it.
type Engine interface {
	Execute(ctx context.Context, req *engine.Request) (*models.Generation, error)
	Cancel(ctx context.Context, generationID string) (*models.Generation, error)
	EmitTerminal(gen *models.Generation) bool
}

// GenerationHandler serves generation execution, history and delivery
// control.
type GenerationHandler struct {
	engine   Engine
	gens     repository.GenerationRepository
	users    repository.UserRepository
	catalog  ToolCatalog
	quoter   *quote.Quoter
	cfg      *config.Config
	validate *validator.Validate
	logger   *slog.Logger
}

// NewGenerationHandler creates the generation handler.
func NewGenerationHandler(
	eng Engine,
	gens repository.GenerationRepository,
	users repository.UserRepository,
	catalog ToolCatalog,
	quoter *quote.Quoter,
	cfg *config.Config,
	logger *slog.Logger,
) *GenerationHandler {
	return &GenerationHandler{
		engine:   eng,
		gens:     gens,
		users:    users,
		catalog:  catalog,
		quoter:   quoter,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "generation")),
	}
}

// Routes returns a chi router with generation routes.
func (h *GenerationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/execute", h.Execute)
	r.Get("/", h.List)
	r.Post("/status", h.BatchStatus)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/redeliver", h.Redeliver)

	return r
}

// webhookSpec asks for webhook delivery of the terminal result.
type webhookSpec struct {
	URL    string `json:"url" validate:"required,max=2048"`
	Secret string `json:"secret" validate:"omitempty,min=8,max=256"`
}

// originSpec identifies the platform user a service key submits for.
type originSpec struct {
	Platform       string `json:"platform" validate:"required,lowercase,alphanum,max=32"`
	PlatformUserID string `json:"platform_user_id" validate:"required,max=256"`
	Address        string `json:"address" validate:"omitempty,max=512"`
}

// ExecuteHTTPRequest is the HTTP request body for executing a tool.
type ExecuteHTTPRequest struct {
	Tool           string          `json:"tool" validate:"required,max=128"`
	Inputs         json.RawMessage `json:"inputs"`
	IdempotencyKey string          `json:"idempotency_key" validate:"omitempty,max=128"`
	ReplyTo        string          `json:"reply_to" validate:"omitempty,max=512"`
	Webhook        *webhookSpec    `json:"webhook"`
	Origin         *originSpec     `json:"origin"`
}

// acceptedResponse is the 202 body for asynchronous work.
type acceptedResponse struct {
	GenerationID  string                  `json:"generation_id"`
	Status        models.GenerationStatus `json:"status"`
	QuotedCredits int64                   `json:"quoted_credits"`
	CheckAfterMS  int64                   `json:"check_after_ms"`
}

// Execute handles POST /api/v1/generations/execute.
func (h *GenerationHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, validationError(err))
		return
	}

	userID, err := h.resolveActor(r, req.Origin)
	if err != nil {
		response.Error(w, r, err)
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

	execReq := &engine.Request{
		UserID:         userID,
		Tool:           tool,
		Inputs:         inputs,
		Quote:          q,
		Strategy:       models.DeliverDirect,
		IdempotencyKey: req.IdempotencyKey,
		ReplyTo:        req.ReplyTo,
	}
	if req.Origin != nil {
		execReq.OriginPlatform = req.Origin.Platform
		execReq.OriginAddress = req.Origin.Address
	}
	if req.Webhook != nil {
		if err := validateWebhookURL(req.Webhook.URL, h.cfg.Server.IsProd(), h.cfg.Webhook.AllowPrivate); err != nil {
			response.Error(w, r, err)
			return
		}
		execReq.Strategy = models.DeliverWebhook
		execReq.WebhookURL = req.Webhook.URL
		execReq.WebhookSecret = req.Webhook.Secret
	}

	gen, err := h.engine.Execute(r.Context(), execReq)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if gen.Status.Terminal() {
		response.OK(w, gen)
		return
	}
	response.Accepted(w, acceptedResponse{
		GenerationID:  gen.ID,
		Status:        gen.Status,
		QuotedCredits: gen.QuotedCredits,
		CheckAfterMS:  checkAfterMS(tool),
	})
}

// Get handles GET /api/v1/generations/{id}.
func (h *GenerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	gen, err := h.ownedGeneration(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, gen)
}

// List handles GET /api/v1/generations. Cursor pagination: pass the last
// id of the previous page as ?cursor=.
func (h *GenerationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := pageLimit(r)

	gens, err := h.gens.ListByUser(r.Context(), userID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	next := ""
	if len(gens) == limit {
		next = gens[len(gens)-1].ID
	}
	response.OK(w, map[string]any{
		"generations": gens,
		"next_cursor": next,
	})
}

// BatchStatusHTTPRequest is the HTTP request body for batch status polls.
type BatchStatusHTTPRequest struct {
	GenerationIDs []string `json:"generation_ids" validate:"required,min=1,max=100,dive,required,max=64"`
}

// generationStatus is the compact per-generation poll answer.
type generationStatus struct {
	ID             string                  `json:"id"`
	Status         models.GenerationStatus `json:"status"`
	DeliveryStatus models.DeliveryStatus   `json:"delivery_status"`
	Outputs        json.RawMessage         `json:"outputs,omitempty"`
	Error          *models.GenError        `json:"error,omitempty"`
	ChargedCredits *int64                  `json:"charged_credits,omitempty"`
}

// BatchStatus handles POST /api/v1/generations/status. IDs that do not
// exist or belong to someone else are silently omitted.
func (h *GenerationHandler) BatchStatus(w http.ResponseWriter, r *http.Request) {
	var req BatchStatusHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, validationError(err))
		return
	}

	gens, err := h.gens.BatchGet(r.Context(), req.GenerationIDs)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	userID := middleware.GetUserID(r.Context())
	statuses := make([]generationStatus, 0, len(gens))
	for _, g := range gens {
		if g.UserID != userID {
			continue
		}
		statuses = append(statuses, generationStatus{
			ID:             g.ID,
			Status:         g.Status,
			DeliveryStatus: g.DeliveryStatus,
			Outputs:        g.Outputs,
			Error:          g.Error(),
			ChargedCredits: g.ChargedCredits,
		})
	}
	response.OK(w, map[string]any{"generations": statuses})
}

// Cancel handles POST /api/v1/generations/{id}/cancel. Cancelling an
// already terminal generation returns the record unchanged.
func (h *GenerationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	gen, err := h.ownedGeneration(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	cancelled, err := h.engine.Cancel(r.Context(), gen.ID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, cancelled)
}

// Redeliver handles POST /api/v1/generations/{id}/redeliver: re-emits the
// terminal event of a finished generation through the dispatcher.
func (h *GenerationHandler) Redeliver(w http.ResponseWriter, r *http.Request) {
	gen, err := h.ownedGeneration(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if !gen.Status.Terminal() {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Generation is not finished yet"))
		return
	}

	if !h.engine.EmitTerminal(gen) {
		response.Error(w, r, apierrors.ErrRateLimited.WithMessage("Delivery queue is full, try again shortly"))
		return
	}
	response.Accepted(w, map[string]string{
		"generation_id": gen.ID,
		"delivery":      "requeued",
	})
}

// ownedGeneration loads the {id} generation and hides other users'
// records behind the same not-found error.
func (h *GenerationHandler) ownedGeneration(r *http.Request) (*models.Generation, error) {
	gen, err := h.gens.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if gen == nil || gen.UserID != middleware.GetUserID(r.Context()) {
		return nil, apierrors.NewNotFoundError("generation")
	}
	return gen, nil
}

// resolveActor returns the user the work runs as. Without an origin that
// is the authenticated caller; with one, the caller needs the platform's
// scope and the platform identity is resolved (created on first sight).
func (h *GenerationHandler) resolveActor(r *http.Request, origin *originSpec) (uuid.UUID, error) {
	callerID := middleware.GetUserID(r.Context())
	if origin == nil {
		return callerID, nil
	}

	if !middleware.HasScope(r.Context(), middleware.PlatformScope(origin.Platform)) {
		return uuid.Nil, apierrors.ErrForbidden.WithMessage("Caller is not authorized to submit for platform " + origin.Platform)
	}

	user, created, err := h.users.GetOrCreateByIdentity(r.Context(), origin.Platform, origin.PlatformUserID)
	if err != nil {
		return uuid.Nil, err
	}
	if created {
		h.logger.Info("user created from platform identity",
			slog.String("platform", origin.Platform),
			slog.String("user_id", user.ID.String()),
		)
	}
	return user.ID, nil
}

// resolveTool accepts a tool id or a platform command name. Internal
// tools are not invocable through the public surface.
func resolveTool(catalog ToolCatalog, name string) (*models.ToolDefinition, error) {
	tool, ok := catalog.Get(name)
	if !ok {
		tool, ok = catalog.GetByCommand(name)
	}
	if !ok || tool.Visibility == models.VisibilityInternal {
		return nil, apierrors.NewNotFoundError("tool")
	}
	return tool, nil
}

// checkAfterMS suggests when an async caller should poll first.
func checkAfterMS(tool *models.ToolDefinition) int64 {
	switch {
	case tool.AvgRuntime > 0:
		return tool.AvgRuntime.Milliseconds()
	case tool.PollInterval > 0:
		return tool.PollInterval.Milliseconds()
	default:
		return 2000
	}
}

// pageLimit reads ?limit=, clamped to [1, maxPageSize].
func pageLimit(r *http.Request) int {
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return limit
}

// validationError maps validator failures onto the field-error envelope.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apierrors.ErrBadRequest.WithMessage(err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, e := range verrs {
		fields[strings.ToLower(e.Field())] = "failed " + e.Tag() + " validation"
	}
	return apierrors.NewValidationErrors(fields)
}

// validateWebhookURL enforces the delivery target policy: https only in
// production and never a loopback or private address, unless the
// deployment explicitly allows private targets.
func validateWebhookURL(raw string, prod, allowPrivate bool) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return apierrors.NewValidationError("webhook.url", "must be an absolute http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierrors.NewValidationError("webhook.url", "must use http or https")
	}

	private := privateHost(u.Hostname())
	if prod && !allowPrivate {
		if u.Scheme != "https" {
			return apierrors.NewValidationError("webhook.url", "must use https")
		}
		if private {
			return apierrors.NewValidationError("webhook.url", "must not target a loopback or private address")
		}
		return nil
	}

	// Outside production plain http is accepted for local targets only.
	if u.Scheme == "http" && !private && !allowPrivate {
		return apierrors.NewValidationError("webhook.url", "plain http is only allowed for local addresses")
	}
	return nil
}

func privateHost(host string) bool {
	h := strings.ToLower(host)
	if h == "localhost" || strings.HasSuffix(h, ".localhost") ||
		strings.HasSuffix(h, ".local") || strings.HasSuffix(h, ".internal") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
