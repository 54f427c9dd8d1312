package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
	"github.com/manaforge-ai/manaforge/internal/pkg/response"
)

// ToolCatalog is the registry surface the handlers consume. The registry
// implements it.
type ToolCatalog interface {
	Get(toolID string) (*models.ToolDefinition, bool)
	GetByCommand(command string) (*models.ToolDefinition, bool)
	List(platform string, includeUnlisted bool) []*models.ToolDefinition
	ValidateInputs(toolID string, inputs json.RawMessage) (json.RawMessage, error)
	Count() int
	LoadedAt() time.Time
	Reload(ctx context.Context) error
}

// ToolHandler serves tool discovery.
type ToolHandler struct {
	catalog ToolCatalog
}

// NewToolHandler creates the tool discovery handler.
func NewToolHandler(catalog ToolCatalog) *ToolHandler {
	return &ToolHandler{catalog: catalog}
}

// Routes returns a chi router with tool routes.
func (h *ToolHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)

	return r
}

// ToolResponse is the public view of a catalog entry. Backend bindings
// and cost internals stay server-side.
type ToolResponse struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description"`
	Command      string              `json:"command,omitempty"`
	Category     string              `json:"category,omitempty"`
	InputSchema  json.RawMessage     `json:"input_schema"`
	OutputSchema json.RawMessage     `json:"output_schema,omitempty"`
	DeliveryMode models.DeliveryMode `json:"delivery_mode"`
	CostKind     models.CostKind     `json:"cost_kind"`
	Platforms    []string            `json:"platforms,omitempty"`
}

func toToolResponse(t *models.ToolDefinition, platform string) *ToolResponse {
	desc := t.Description
	if platform != "" {
		desc = t.DescriptionFor(platform)
	}
	return &ToolResponse{
		ID:           t.ID,
		Name:         t.Name,
		Description:  desc,
		Command:      t.Command,
		Category:     t.Category,
		InputSchema:  t.InputSchema,
		OutputSchema: t.OutputSchema,
		DeliveryMode: t.DeliveryMode,
		CostKind:     t.Cost.Kind,
		Platforms:    t.Platforms,
	}
}

// List handles GET /api/v1/tools. ?platform= narrows to tools visible on
// that surface and swaps in its description variant.
func (h *ToolHandler) List(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	includeUnlisted := r.URL.Query().Get("include_unlisted") == "true"

	tools := h.catalog.List(platform, includeUnlisted)
	views := make([]*ToolResponse, len(tools))
	for i, t := range tools {
		views[i] = toToolResponse(t, platform)
	}
	response.OK(w, map[string]any{
		"tools": views,
		"count": len(views),
	})
}

// Get handles GET /api/v1/tools/{id}. Internal tools stay hidden.
func (h *ToolHandler) Get(w http.ResponseWriter, r *http.Request) {
	tool, ok := h.catalog.Get(chi.URLParam(r, "id"))
	if !ok || tool.Visibility == models.VisibilityInternal {
		response.Error(w, r, apierrors.NewNotFoundError("tool"))
		return
	}
	response.OK(w, toToolResponse(tool, r.URL.Query().Get("platform")))
}
