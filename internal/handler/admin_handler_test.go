package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// fakeAdminUsers answers user existence checks.
type fakeAdminUsers struct {
	repository.UserRepository

	users map[uuid.UUID]*models.User
}

func (f *fakeAdminUsers) Get(_ context.Context, id uuid.UUID) (*models.User, error) {
	return f.users[id], nil
}

func TestAdminHandler_ReloadTools(t *testing.T) {
	t.Run("rebuilds the catalog", func(t *testing.T) {
		catalog := newFakeCatalog(staticTool("tool.image", 0.05))
		h := NewAdminHandler(catalog, &fakeLedger{}, &fakeAdminUsers{}, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/admin/tools/reload", nil, uuid.New(), "admin")
		rec := httptest.NewRecorder()
		h.ReloadTools(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, catalog.reloadCount())

		var resp struct {
			Tools    int       `json:"tools"`
			LoadedAt time.Time `json:"loaded_at"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Tools)
	})

	t.Run("keeps the old catalog on failure", func(t *testing.T) {
		catalog := newFakeCatalog(staticTool("tool.image", 0.05))
		catalog.reloadErr = assert.AnError
		h := NewAdminHandler(catalog, &fakeLedger{}, &fakeAdminUsers{}, nil, testLogger())

		req := authedRequest(t, http.MethodPost, "/admin/tools/reload", nil, uuid.New(), "admin")
		rec := httptest.NewRecorder()
		h.ReloadTools(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestAdminHandler_AdjustCredits(t *testing.T) {
	userID := uuid.New()
	users := &fakeAdminUsers{users: map[uuid.UUID]*models.User{
		userID: {ID: userID},
	}}

	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{
			name:           "credits a user",
			body:           AdjustCreditsHTTPRequest{UserID: userID.String(), Amount: 250, Note: "support goodwill"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "debits a user",
			body:           AdjustCreditsHTTPRequest{UserID: userID.String(), Amount: -50, Note: "chargeback"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "unknown user",
			body:           AdjustCreditsHTTPRequest{UserID: uuid.New().String(), Amount: 10, Note: "n"},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "note is mandatory",
			body:           AdjustCreditsHTTPRequest{UserID: userID.String(), Amount: 10},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "rejects a malformed user id",
			body:           AdjustCreditsHTTPRequest{UserID: "nope", Amount: 10, Note: "n"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &fakeLedger{}
			h := NewAdminHandler(newFakeCatalog(), ledger, users, nil, testLogger())

			req := authedRequest(t, http.MethodPost, "/admin/credits/adjust", tt.body, uuid.New(), "admin")
			rec := httptest.NewRecorder()
			h.AdjustCredits(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if tt.expectedStatus == http.StatusOK {
				var resp struct {
					UserID  uuid.UUID `json:"user_id"`
					Amount  int64     `json:"amount"`
					Balance int64     `json:"balance"`
				}
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, userID, resp.UserID)
				require.Len(t, ledger.adjusts, 1)
				assert.Equal(t, resp.Amount, ledger.adjusts[0])
				assert.Equal(t, resp.Amount, resp.Balance)
			}
		})
	}
}
