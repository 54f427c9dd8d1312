package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/models"
)

// fakeLedger satisfies Ledger with canned balances and entries.
type fakeLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
	entries  []*models.LedgerEntry
	adjusts  []int64
}

func (f *fakeLedger) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeLedger) Entries(_ context.Context, userID uuid.UUID, beforeSeq int64, limit int) ([]*models.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range f.entries {
		if e.UserID != userID {
			continue
		}
		if beforeSeq > 0 && e.Seq >= beforeSeq {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeLedger) Adjust(_ context.Context, userID uuid.UUID, amount int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances == nil {
		f.balances = make(map[uuid.UUID]int64)
	}
	f.balances[userID] += amount
	f.adjusts = append(f.adjusts, amount)
	return nil
}

func TestLedgerHandler_Balance(t *testing.T) {
	userID := uuid.New()
	h := NewLedgerHandler(&fakeLedger{balances: map[uuid.UUID]int64{userID: 420}})

	req := authedRequest(t, http.MethodGet, "/api/v1/ledger/balance", nil, userID)
	rec := httptest.NewRecorder()
	h.Balance(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UserID  uuid.UUID `json:"user_id"`
		Balance int64     `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, userID, resp.UserID)
	assert.Equal(t, int64(420), resp.Balance)
}

func TestLedgerHandler_Entries(t *testing.T) {
	userID := uuid.New()
	ledger := &fakeLedger{entries: []*models.LedgerEntry{
		{Seq: 30, UserID: userID, Amount: -5, Reason: models.ReasonDebit},
		{Seq: 20, UserID: userID, Amount: 100, Reason: models.ReasonDeposit},
		{Seq: 10, UserID: userID, Amount: 50, Reason: models.ReasonDeposit},
	}}
	h := NewLedgerHandler(ledger)

	var page struct {
		Entries    []*models.LedgerEntry `json:"entries"`
		NextCursor int64                 `json:"next_cursor"`
	}

	t.Run("first page sets the cursor", func(t *testing.T) {
		req := authedRequest(t, http.MethodGet, "/api/v1/ledger/entries?limit=2", nil, userID)
		rec := httptest.NewRecorder()
		h.Entries(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		require.Len(t, page.Entries, 2)
		assert.Equal(t, int64(30), page.Entries[0].Seq)
		assert.Equal(t, int64(20), page.NextCursor)
	})

	t.Run("cursor continues strictly below", func(t *testing.T) {
		req := authedRequest(t, http.MethodGet, "/api/v1/ledger/entries?limit=2&cursor=20", nil, userID)
		rec := httptest.NewRecorder()
		h.Entries(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		require.Len(t, page.Entries, 1)
		assert.Equal(t, int64(10), page.Entries[0].Seq)
		assert.Zero(t, page.NextCursor)
	})

	t.Run("rejects a malformed cursor", func(t *testing.T) {
		req := authedRequest(t, http.MethodGet, "/api/v1/ledger/entries?cursor=abc", nil, userID)
		rec := httptest.NewRecorder()
		h.Entries(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
