package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/pkg/canonical"
)

func testSender(maxAttempts int) *WebhookSender {
	return NewWebhookSender(config.WebhookConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestSendSignsPayload(t *testing.T) {
	secret := "whsec_test"
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := map[string]any{
		"event":         "generation.completed",
		"generation_id": "01HTEST",
		"status":        "completed",
	}
	err := testSender(3).Send(context.Background(), srv.URL, secret, payload)
	require.NoError(t, err)

	var received map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &received))

	sig, ok := received[canonical.SignatureField].(string)
	require.True(t, ok, "body carries the inline signature")
	assert.Equal(t, "sha256="+sig, gotSig, "header and inline signature agree")
	assert.True(t, canonical.Verify([]byte(secret), received, sig))
	assert.False(t, canonical.Verify([]byte("wrong"), received, sig))
}

func TestSendWithoutSecretSkipsSignature(t *testing.T) {
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testSender(1).Send(context.Background(), srv.URL, "", map[string]any{"event": "generation.completed"})
	require.NoError(t, err)

	assert.Empty(t, gotSig)
	var received map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &received))
	_, has := received[canonical.SignatureField]
	assert.False(t, has)
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := testSender(5).Send(context.Background(), srv.URL, "s", map[string]any{"event": "generation.completed"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendExhaustsAttemptBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testSender(3).Send(context.Background(), srv.URL, "s", map[string]any{"event": "generation.failed"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendDoesNotRetryClientRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := testSender(5).Send(context.Background(), srv.URL, "s", map[string]any{"event": "generation.completed"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are permanent")
}
