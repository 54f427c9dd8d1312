package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/middleware"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/repository"
)

// fakeKeyUsers overrides the API key CRUD the handler uses.
type fakeKeyUsers struct {
	repository.UserRepository

	mu   sync.Mutex
	keys []*models.APIKey
}

func (f *fakeKeyUsers) CreateAPIKey(_ context.Context, k *models.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k.ID = uuid.New()
	k.CreatedAt = time.Now().UTC()
	f.keys = append(f.keys, k)
	return nil
}

func (f *fakeKeyUsers) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.APIKey
	for _, k := range f.keys {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeKeyUsers) RevokeAPIKey(_ context.Context, id, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.ID == id && k.UserID == userID && k.RevokedAt == nil {
			now := time.Now().UTC()
			k.RevokedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func TestKeyHandler_Create(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name           string
		body           any
		scopes         []string
		expectedStatus int
	}{
		{
			name:           "creates a plain key",
			body:           CreateKeyHTTPRequest{Name: "ci bot"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "scope grants need the admin scope",
			body:           CreateKeyHTTPRequest{Name: "relay", Scopes: []string{"platform:discord"}},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "admin grants scopes",
			body:           CreateKeyHTTPRequest{Name: "relay", Scopes: []string{"platform:discord"}},
			scopes:         []string{middleware.ScopeAdmin},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "rejects uppercase scopes",
			body:           CreateKeyHTTPRequest{Name: "relay", Scopes: []string{"Platform:Discord"}},
			scopes:         []string{middleware.ScopeAdmin},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "rejects a missing name",
			body:           CreateKeyHTTPRequest{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "rejects invalid JSON",
			body:           "not json",
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &fakeKeyUsers{}
			h := NewKeyHandler(users, testLogger())

			req := authedRequest(t, http.MethodPost, "/api/v1/keys", tt.body, userID, tt.scopes...)
			rec := httptest.NewRecorder()
			h.Create(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
			if tt.expectedStatus != http.StatusCreated {
				assert.Empty(t, users.keys)
			}
		})
	}
}

func TestKeyHandler_CreateShowsRawKeyOnce(t *testing.T) {
	userID := uuid.New()
	users := &fakeKeyUsers{}
	h := NewKeyHandler(users, testLogger())

	req := authedRequest(t, http.MethodPost, "/api/v1/keys", CreateKeyHTTPRequest{Name: "ci bot"}, userID)
	rec := httptest.NewRecorder()
	h.Create(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp CreateKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.True(t, strings.HasPrefix(resp.Key, "mf_"))
	assert.Len(t, resp.Key, len("mf_")+2*apiKeyBytes)
	assert.Equal(t, resp.Key[:10], resp.KeyPrefix)

	// Only the hash reaches storage.
	require.Len(t, users.keys, 1)
	stored := users.keys[0]
	assert.Equal(t, middleware.HashAPIKey(resp.Key), stored.KeyHash)
	assert.NotContains(t, stored.KeyHash, resp.Key)
	assert.Equal(t, userID, stored.UserID)
}

func TestKeyHandler_List(t *testing.T) {
	userID := uuid.New()
	users := &fakeKeyUsers{keys: []*models.APIKey{
		{ID: uuid.New(), UserID: userID, Name: "one", KeyPrefix: "mf_aaaaaaa"},
		{ID: uuid.New(), UserID: uuid.New(), Name: "other", KeyPrefix: "mf_bbbbbbb"},
	}}
	h := NewKeyHandler(users, testLogger())

	req := authedRequest(t, http.MethodGet, "/api/v1/keys", nil, userID)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Keys  []*models.APIKey `json:"keys"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "one", resp.Keys[0].Name)
}

func TestKeyHandler_Revoke(t *testing.T) {
	owner := uuid.New()
	keyID := uuid.New()

	newUsers := func() *fakeKeyUsers {
		return &fakeKeyUsers{keys: []*models.APIKey{
			{ID: keyID, UserID: owner, Name: "doomed"},
		}}
	}

	tests := []struct {
		name           string
		id             string
		caller         uuid.UUID
		expectedStatus int
	}{
		{"owner revokes", keyID.String(), owner, http.StatusNoContent},
		{"foreign key hidden", keyID.String(), uuid.New(), http.StatusNotFound},
		{"unknown key", uuid.New().String(), owner, http.StatusNotFound},
		{"invalid id", "not-a-uuid", owner, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewKeyHandler(newUsers(), testLogger())

			req := authedRequest(t, http.MethodDelete, "/api/v1/keys/"+tt.id, nil, tt.caller)
			req = withURLParam(req, "id", tt.id)
			rec := httptest.NewRecorder()
			h.Revoke(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}
