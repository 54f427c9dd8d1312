package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/models"
)

func TestToolHandler_List(t *testing.T) {
	public := staticTool("tool.image", 0.05)
	public.Platforms = []string{"discord", "telegram"}
	unlisted := staticTool("tool.beta", 0.02)
	unlisted.Visibility = models.VisibilityUnlisted
	internal := staticTool("tool.moderate", 0.01)
	internal.Visibility = models.VisibilityInternal

	h := NewToolHandler(newFakeCatalog(public, unlisted, internal))

	var resp struct {
		Tools []*ToolResponse `json:"tools"`
		Count int             `json:"count"`
	}

	t.Run("lists public tools only", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tools", nil)
		rec := httptest.NewRecorder()
		h.List(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "tool.image", resp.Tools[0].ID)
	})

	t.Run("include_unlisted widens the list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tools?include_unlisted=true", nil)
		rec := httptest.NewRecorder()
		h.List(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
	})

	t.Run("platform filter narrows the list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tools?platform=discord&include_unlisted=true", nil)
		rec := httptest.NewRecorder()
		h.List(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "tool.image", resp.Tools[0].ID)
	})
}

func TestToolHandler_Get(t *testing.T) {
	public := staticTool("tool.image", 0.05)
	internal := staticTool("tool.moderate", 0.01)
	internal.Visibility = models.VisibilityInternal

	h := NewToolHandler(newFakeCatalog(public, internal))

	tests := []struct {
		name           string
		id             string
		expectedStatus int
	}{
		{"public tool resolves", "tool.image", http.StatusOK},
		{"internal tool stays hidden", "tool.moderate", http.StatusNotFound},
		{"unknown tool", "tool.unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/tools/"+tt.id, nil)
			req = withURLParam(req, "id", tt.id)
			rec := httptest.NewRecorder()
			h.Get(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				var tool ToolResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tool))
				assert.Equal(t, tt.id, tool.ID)
				assert.Equal(t, models.CostStatic, tool.CostKind)
			}
		})
	}
}
