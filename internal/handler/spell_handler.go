package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/middleware"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
	"github.com/manaforge-ai/manaforge/internal/repository"
	"github.com/manaforge-ai/manaforge/internal/spell"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// Caster is the spell runner surface the handlers drive.
type Caster interface {
	Cast(ctx context.Context, def *models.Spell, params json.RawMessage, userID uuid.UUID, intent spell.Intent) (*models.SpellCast, error)
	CancelCast(ctx context.Context, castID string) (*models.SpellCast, error)
}

// SpellHandler serves spell authoring and casting.
type SpellHandler struct {
	runner   Caster
	spells   repository.SpellRepository
	gens     repository.GenerationRepository
	users    repository.UserRepository
	catalog  ToolCatalog
	cfg      *config.Config
	validate *validator.Validate
	logger   *slog.Logger
}

// NewSpellHandler creates the spell handler.
func NewSpellHandler(
	runner Caster,
	spells repository.SpellRepository,
	gens repository.GenerationRepository,
	users repository.UserRepository,
	catalog ToolCatalog,
	cfg *config.Config,
	logger *slog.Logger,
) *SpellHandler {
	return &SpellHandler{
		runner:   runner,
		spells:   spells,
		gens:     gens,
		users:    users,
		catalog:  catalog,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With(slog.String("handler", "spell")),
	}
}

// Routes returns a chi router with spell routes.
func (h *SpellHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/cast", h.Cast)
	r.Get("/casts/{id}", h.GetCast)
	r.Post("/casts/{id}/cancel", h.CancelCast)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/publish", h.Publish)

	return r
}

// CreateSpellHTTPRequest is the HTTP request body for creating a spell.
// Saving an existing slug creates its next version.
type CreateSpellHTTPRequest struct {
	Slug        string             `json:"slug" validate:"required,max=64"`
	Name        string             `json:"name" validate:"required,max=128"`
	Description string             `json:"description" validate:"omitempty,max=2048"`
	Steps       []models.SpellStep `json:"steps" validate:"required,min=1,max=20"`
	Parameters  json.RawMessage    `json:"parameters"`
}

// Create handles POST /api/v1/spells.
func (h *SpellHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSpellHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, validationError(err))
		return
	}
	if !slugPattern.MatchString(req.Slug) {
		response.Error(w, r, apierrors.NewValidationError("slug", "must be lowercase letters, digits and hyphens"))
		return
	}
	if err := h.validateSteps(req.Steps); err != nil {
		response.Error(w, r, err)
		return
	}

	params := req.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}

	s := &models.Spell{
		OwnerID:     middleware.GetUserID(r.Context()),
		Slug:        req.Slug,
		Name:        req.Name,
		Description: req.Description,
		Steps:       req.Steps,
		Parameters:  params,
	}
	if err := h.spells.CreateSpell(r.Context(), s); err != nil {
		response.Error(w, r, err)
		return
	}
	response.Created(w, s)
}

// validateSteps checks structural soundness: tools must exist and step
// bindings may only point backwards.
func (h *SpellHandler) validateSteps(steps []models.SpellStep) error {
	for i, st := range steps {
		if st.ToolID == "" {
			return apierrors.NewValidationError(fmt.Sprintf("steps[%d].tool_id", i), "required")
		}
		if _, ok := h.catalog.Get(st.ToolID); !ok {
			return apierrors.NewValidationError(fmt.Sprintf("steps[%d].tool_id", i), fmt.Sprintf("unknown tool %q", st.ToolID))
		}
		for field, b := range st.Bindings {
			where := fmt.Sprintf("steps[%d].bindings.%s", i, field)
			switch b.Source {
			case models.BindLiteral:
				if len(b.Value) == 0 {
					return apierrors.NewValidationError(where, "literal binding needs a value")
				}
			case models.BindParameter:
				if b.Parameter == "" {
					return apierrors.NewValidationError(where, "parameter binding needs a parameter name")
				}
			case models.BindStep:
				if b.Step < 0 || b.Step >= i {
					return apierrors.NewValidationError(where, "step binding must reference an earlier step")
				}
				if b.Output == "" {
					return apierrors.NewValidationError(where, "step binding needs an output name")
				}
			default:
				return apierrors.NewValidationError(where, fmt.Sprintf("unknown binding source %q", b.Source))
			}
		}
	}
	return nil
}

// List handles GET /api/v1/spells. Published spells by default;
// ?mine=true lists the caller's own, drafts included.
func (h *SpellHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := pageLimit(r)

	var (
		spells []*models.Spell
		err    error
	)
	if r.URL.Query().Get("mine") == "true" {
		userID := middleware.GetUserID(r.Context())
		spells, err = h.spells.ListSpells(r.Context(), false, &userID, limit)
	} else {
		spells, err = h.spells.ListSpells(r.Context(), true, nil, limit)
	}
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, map[string]any{"spells": spells})
}

// Get handles GET /api/v1/spells/{id}. Drafts are visible to their owner
// only.
func (h *SpellHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.spells.GetSpell(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if s == nil || (!s.Published && s.OwnerID != middleware.GetUserID(r.Context())) {
		response.Error(w, r, apierrors.NewNotFoundError("spell"))
		return
	}
	response.OK(w, s)
}

// Publish handles POST /api/v1/spells/{id}/publish.
func (h *SpellHandler) Publish(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.spells.PublishSpell(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, r, err)
		return
	}
	if !ok {
		response.Error(w, r, apierrors.NewNotFoundError("spell"))
		return
	}

	s, err := h.spells.GetSpell(r.Context(), id)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, s)
}

// CastHTTPRequest is the HTTP request body for casting a spell. Spell
// accepts an id or a slug; a version pins one exact slug version.
type CastHTTPRequest struct {
	Spell      string          `json:"spell" validate:"required,max=64"`
	Version    int             `json:"version" validate:"omitempty,min=1"`
	Parameters json.RawMessage `json:"parameters"`
	ReplyTo    string          `json:"reply_to" validate:"omitempty,max=512"`
	Webhook    *webhookSpec    `json:"webhook"`
	Origin     *originSpec     `json:"origin"`
}

// castAccepted is the 202 body for a started cast.
type castAccepted struct {
	CastID        string            `json:"cast_id"`
	SpellID       string            `json:"spell_id"`
	Status        models.CastStatus `json:"status"`
	CurrentStep   int               `json:"current_step"`
	Steps         int               `json:"steps"`
	QuotedCredits int64             `json:"quoted_credits"`
}

// Cast handles POST /api/v1/spells/cast.
func (h *SpellHandler) Cast(w http.ResponseWriter, r *http.Request) {
	var req CastHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, r, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, r, validationError(err))
		return
	}
	if req.Webhook != nil {
		if err := validateWebhookURL(req.Webhook.URL, h.cfg.Server.IsProd(), h.cfg.Webhook.AllowPrivate); err != nil {
			response.Error(w, r, err)
			return
		}
	}

	userID, err := h.resolveActor(r, req.Origin)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	def, err := h.resolveSpell(r.Context(), req.Spell, req.Version, middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, r, err)
		return
	}

	intent := spell.Intent{Strategy: models.DeliverDirect, ReplyTo: req.ReplyTo}
	if req.Origin != nil {
		intent.OriginPlatform = req.Origin.Platform
		intent.OriginAddress = req.Origin.Address
	}
	if req.Webhook != nil {
		intent.Strategy = models.DeliverWebhook
		intent.WebhookURL = req.Webhook.URL
		intent.WebhookSecret = req.Webhook.Secret
	}

	cast, err := h.runner.Cast(r.Context(), def, req.Parameters, userID, intent)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.Accepted(w, castAccepted{
		CastID:        cast.ID,
		SpellID:       cast.SpellID,
		Status:        cast.Status,
		CurrentStep:   cast.CurrentStep,
		Steps:         len(def.Steps),
		QuotedCredits: cast.QuotedCredits,
	})
}

// resolveActor mirrors the generation handler's platform-origin rules.
func (h *SpellHandler) resolveActor(r *http.Request, origin *originSpec) (uuid.UUID, error) {
	callerID := middleware.GetUserID(r.Context())
	if origin == nil {
		return callerID, nil
	}
	if !middleware.HasScope(r.Context(), middleware.PlatformScope(origin.Platform)) {
		return uuid.Nil, apierrors.ErrForbidden.WithMessage("Caller is not authorized to submit for platform " + origin.Platform)
	}
	user, _, err := h.users.GetOrCreateByIdentity(r.Context(), origin.Platform, origin.PlatformUserID)
	if err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

// resolveSpell finds the definition to cast: exact id, pinned slug
// version, or the latest published version of a slug. Drafts resolve for
// their owner only.
func (h *SpellHandler) resolveSpell(ctx context.Context, ref string, version int, callerID uuid.UUID) (*models.Spell, error) {
	if version > 0 {
		s, err := h.spells.GetSpellVersion(ctx, ref, version)
		if err != nil {
			return nil, err
		}
		if s == nil || (!s.Published && s.OwnerID != callerID) {
			return nil, apierrors.NewNotFoundError("spell")
		}
		return s, nil
	}

	s, err := h.spells.GetSpell(ctx, ref)
	if err != nil {
		return nil, err
	}
	if s == nil {
		s, err = h.spells.GetSpellBySlug(ctx, ref)
		if err != nil {
			return nil, err
		}
	}
	if s == nil || (!s.Published && s.OwnerID != callerID) {
		return nil, apierrors.NewNotFoundError("spell")
	}
	return s, nil
}

// GetCast handles GET /api/v1/spells/casts/{id}: the cast plus a compact
// view of its step generations.
func (h *SpellHandler) GetCast(w http.ResponseWriter, r *http.Request) {
	cast, err := h.ownedCast(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	gens, err := h.gens.ListByCast(r.Context(), cast.ID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	steps := make([]generationStatus, len(gens))
	for i, g := range gens {
		steps[i] = generationStatus{
			ID:             g.ID,
			Status:         g.Status,
			DeliveryStatus: g.DeliveryStatus,
			Outputs:        g.Outputs,
			Error:          g.Error(),
			ChargedCredits: g.ChargedCredits,
		}
	}
	response.OK(w, map[string]any{
		"cast":        cast,
		"generations": steps,
	})
}

// CancelCast handles POST /api/v1/spells/casts/{id}/cancel.
func (h *SpellHandler) CancelCast(w http.ResponseWriter, r *http.Request) {
	cast, err := h.ownedCast(r)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	cancelled, err := h.runner.CancelCast(r.Context(), cast.ID)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.OK(w, cancelled)
}

func (h *SpellHandler) ownedCast(r *http.Request) (*models.SpellCast, error) {
	cast, err := h.spells.GetCast(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if cast == nil || cast.UserID != middleware.GetUserID(r.Context()) {
		return nil, apierrors.NewNotFoundError("cast")
	}
	return cast, nil
}
