package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenerationStatus is the lifecycle state of one generation. Transitions
// are monotonic toward a terminal state.
type GenerationStatus string

const (
	StatusQueued    GenerationStatus = "queued"
	StatusRunning   GenerationStatus = "running"
	StatusCompleted GenerationStatus = "completed"
	StatusFailed    GenerationStatus = "failed"
	StatusCancelled GenerationStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s GenerationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DeliveryStrategy routes a generation's terminal event.
type DeliveryStrategy string

const (
	DeliverDirect     DeliveryStrategy = "direct"
	DeliverSpellStep  DeliveryStrategy = "spell_step"
	DeliverSpellFinal DeliveryStrategy = "spell_final"
	DeliverWebhook    DeliveryStrategy = "webhook"
	DeliverX402       DeliveryStrategy = "x402"
)

// SpellBound reports whether the terminal event feeds the spell runner.
func (s DeliveryStrategy) SpellBound() bool {
	return s == DeliverSpellStep || s == DeliverSpellFinal
}

// DeliveryStatus tracks the notification outcome, independent of the
// generation's own lifecycle: work that succeeded can still fail to be
// delivered, and remains re-deliverable.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryDone    DeliveryStatus = "delivered"
	DeliveryFailed  DeliveryStatus = "delivery_failed"
	DeliverySkipped DeliveryStatus = "skipped"
)

// GenError is the classified failure recorded on a generation.
type GenError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Generation is the atomic unit of work: one invocation of one tool,
// one settlement, one delivery.
type Generation struct {
	ID               string           `json:"id" db:"id"`
	UserID           uuid.UUID        `json:"user_id" db:"user_id"`
	ToolID           string           `json:"tool_id" db:"tool_id"`
	Inputs           json.RawMessage  `json:"inputs" db:"inputs"`
	Status           GenerationStatus `json:"status" db:"status"`
	DeliveryStrategy DeliveryStrategy `json:"delivery_strategy" db:"delivery_strategy"`
	DeliveryStatus   DeliveryStatus   `json:"delivery_status" db:"delivery_status"`
	QuotedCredits    int64            `json:"quoted_credits" db:"quoted_credits"`
	ChargedCredits   *int64           `json:"charged_credits,omitempty" db:"charged_credits"`
	QuotedUSD        decimal.Decimal  `json:"quoted_usd" db:"quoted_usd"`
	Backend          *string          `json:"backend,omitempty" db:"backend"`
	BackendJobID     *string          `json:"backend_job_id,omitempty" db:"backend_job_id"`
	Outputs          json.RawMessage  `json:"outputs,omitempty" db:"outputs"`
	ErrorCode        *string          `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage     *string          `json:"error_message,omitempty" db:"error_message"`
	OriginPlatform   *string          `json:"origin_platform,omitempty" db:"origin_platform"`
	OriginAddress    *string          `json:"origin_address,omitempty" db:"origin_address"`
	ReplyTo          *string          `json:"reply_to,omitempty" db:"reply_to"`
	WebhookURL       *string          `json:"webhook_url,omitempty" db:"webhook_url"`
	WebhookSecret    *string          `json:"-" db:"webhook_secret"`
	PaymentSigHash   *string          `json:"-" db:"payment_sig_hash"`
	ParentCastID     *string          `json:"parent_cast_id,omitempty" db:"parent_cast_id"`
	StepIndex        *int             `json:"step_index,omitempty" db:"step_index"`
	IdempotencyKey   *string          `json:"-" db:"idempotency_key"`
	PollAttempts     int              `json:"-" db:"poll_attempts"`
	NextPollAt       *time.Time       `json:"-" db:"next_poll_at"`
	SoftDeadline     *time.Time       `json:"-" db:"soft_deadline"`
	HardDeadline     *time.Time       `json:"-" db:"hard_deadline"`
	Version          int64            `json:"-" db:"version"`
	QueuedAt         time.Time        `json:"queued_at" db:"queued_at"`
	StartedAt        *time.Time       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// Error returns the classified failure, if any.
func (g *Generation) Error() *GenError {
	if g.ErrorCode == nil {
		return nil
	}
	e := GenError{Code: *g.ErrorCode}
	if g.ErrorMessage != nil {
		e.Message = *g.ErrorMessage
	}
	return &e
}

// LedgerFunded reports whether settlement goes through the credit
// ledger. x402 generations are funded by a one-shot payment instead.
func (g *Generation) LedgerFunded() bool {
	return g.PaymentSigHash == nil
}
