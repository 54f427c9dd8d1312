package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/manaforge-ai/manaforge/internal/models"
)

const facilitatorTimeout = 15 * time.Second

// Facilitator talks to the external x402 facilitator service, which
// holds the keys: it checks transfer-authorization signatures against
// the chain state and broadcasts the settlement transaction. We never
// touch a private key here.
type Facilitator struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewFacilitator builds a client for the facilitator at baseURL.
func NewFacilitator(baseURL string, logger *slog.Logger) *Facilitator {
	return &Facilitator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: facilitatorTimeout},
		logger:  logger.With(slog.String("component", "facilitator")),
	}
}

// facilitatorRequest is the wire form shared by /verify and /settle.
type facilitatorRequest struct {
	PaymentPayload      *models.PaymentPayload      `json:"payment_payload"`
	PaymentRequirements *models.PaymentRequirements `json:"payment_requirements"`
}

// VerifyResult reports whether a payment authorization is acceptable.
// Valid=false is a protocol answer, not a transport failure.
type VerifyResult struct {
	Valid         bool   `json:"is_valid"`
	InvalidReason string `json:"invalid_reason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult reports the outcome of broadcasting a settlement.
type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"error_reason,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Network     string `json:"network,omitempty"`
}

// Verify asks the facilitator whether the signed authorization is valid
// for the given requirements. A non-nil error means the facilitator
// could not be reached or answered garbage, not that the payment is bad.
func (f *Facilitator) Verify(ctx context.Context, payload *models.PaymentPayload, reqs *models.PaymentRequirements) (*VerifyResult, error) {
	var result VerifyResult
	if err := f.post(ctx, "/verify", &facilitatorRequest{PaymentPayload: payload, PaymentRequirements: reqs}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle asks the facilitator to broadcast the transfer authorized by
// payload. Settling an authorization twice is safe: the transfer nonce
// burns on first use and the facilitator reports the replay as failed.
func (f *Facilitator) Settle(ctx context.Context, payload *models.PaymentPayload, reqs *models.PaymentRequirements) (*SettleResult, error) {
	var result SettleResult
	if err := f.post(ctx, "/settle", &facilitatorRequest{PaymentPayload: payload, PaymentRequirements: reqs}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (f *Facilitator) post(ctx context.Context, path string, body, result any) error {
	reqURL, err := url.JoinPath(f.baseURL, path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("facilitator %s: status %d: %s", path, resp.StatusCode, clip(respBody))
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

func clip(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return string(body)
}
