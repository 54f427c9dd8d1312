package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequirements is the 402 challenge body: what a client must
// sign to authorize one generation.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"pay_to"`
	MaxAmountRequired string `json:"max_amount_required"` // atomic units, decimal string
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int    `json:"max_timeout_seconds"`
}

// PaymentPayload is the decoded X-Payment header: a signed transfer
// authorization presented with the request.
type PaymentPayload struct {
	Scheme    string `json:"scheme"`
	Network   string `json:"network"`
	Signature string `json:"signature"`
	Authorization struct {
		From        string `json:"from"`
		To          string `json:"to"`
		Value       string `json:"value"` // atomic units, decimal string
		ValidAfter  int64  `json:"valid_after"`
		ValidBefore int64  `json:"valid_before"`
		Nonce       string `json:"nonce"`
	} `json:"authorization"`
}

// Payment records one consumed one-shot payment signature. The primary
// key is the signature hash: one signature authorizes exactly one
// generation, ever. Payload keeps the signed authorization so settlement
// can be replayed after a restart.
type Payment struct {
	SignatureHash string          `json:"signature_hash" db:"signature_hash"`
	GenerationID  *string         `json:"generation_id,omitempty" db:"generation_id"`
	Payer         string          `json:"payer" db:"payer"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // atomic units
	Asset         string          `json:"asset" db:"asset"`
	Network       string          `json:"network" db:"network"`
	Payload       json.RawMessage `json:"-" db:"payload"`
	Settled       bool            `json:"settled" db:"settled"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
}
