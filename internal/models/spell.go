package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BindingSource says where a step input value comes from.
type BindingSource string

const (
	BindLiteral   BindingSource = "literal"
	BindParameter BindingSource = "parameter"
	BindStep      BindingSource = "step"
)

// InputBinding wires one input field of a step to a literal, a
// spell-level parameter, or a named output of an earlier step.
type InputBinding struct {
	Source BindingSource `json:"source"`
	// Literal value, when Source is literal.
	Value json.RawMessage `json:"value,omitempty"`
	// Parameter name, when Source is parameter.
	Parameter string `json:"parameter,omitempty"`
	// Step index and declared output name, when Source is step.
	Step   int    `json:"step,omitempty"`
	Output string `json:"output,omitempty"`
}

// SpellStep is one tool invocation inside a spell.
type SpellStep struct {
	ToolID   string                  `json:"tool_id"`
	Bindings map[string]InputBinding `json:"bindings"`
}

// Spell is a stored multi-step definition. Published spells are
// immutable by id; edits create a new version.
type Spell struct {
	ID          string          `json:"id" db:"id"`
	OwnerID     uuid.UUID       `json:"owner_id" db:"owner_id"`
	Slug        string          `json:"slug" db:"slug"`
	Name        string          `json:"name" db:"name"`
	Version     int             `json:"version" db:"version"`
	Description string          `json:"description" db:"description"`
	Steps       []SpellStep     `json:"steps" db:"steps"`
	Parameters  json.RawMessage `json:"parameters" db:"parameters"` // exposed parameter schema
	Published   bool            `json:"published" db:"published"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// CastStatus is the lifecycle state of one spell execution.
type CastStatus string

const (
	CastRunning   CastStatus = "running"
	CastCompleted CastStatus = "completed"
	CastFailed    CastStatus = "failed"
	CastCancelled CastStatus = "cancelled"
)

// Terminal reports whether the cast status is final.
func (s CastStatus) Terminal() bool {
	return s == CastCompleted || s == CastFailed || s == CastCancelled
}

// SpellCast is one execution of a spell. The generation id list grows
// append-only as steps dispatch.
type SpellCast struct {
	ID               string           `json:"id" db:"id"`
	SpellID          string           `json:"spell_id" db:"spell_id"`
	SpellVersion     int              `json:"spell_version" db:"spell_version"`
	UserID           uuid.UUID        `json:"user_id" db:"user_id"`
	Parameters       json.RawMessage  `json:"parameters" db:"parameters"`
	GenerationIDs    []string         `json:"generation_ids" db:"generation_ids"`
	Status           CastStatus       `json:"status" db:"status"`
	CurrentStep      int              `json:"current_step" db:"current_step"`
	FailedStep       *int             `json:"failed_step,omitempty" db:"failed_step"`
	ErrorCode        *string          `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage     *string          `json:"error_message,omitempty" db:"error_message"`
	FinalOutput      json.RawMessage  `json:"final_output,omitempty" db:"final_output"`
	QuotedCredits    int64            `json:"quoted_credits" db:"quoted_credits"`
	ChargedCredits   int64            `json:"charged_credits" db:"charged_credits"`
	DeliveryStrategy DeliveryStrategy `json:"delivery_strategy" db:"delivery_strategy"`
	DeliveryStatus   DeliveryStatus   `json:"delivery_status" db:"delivery_status"`
	OriginPlatform   *string          `json:"origin_platform,omitempty" db:"origin_platform"`
	OriginAddress    *string          `json:"origin_address,omitempty" db:"origin_address"`
	ReplyTo          *string          `json:"reply_to,omitempty" db:"reply_to"`
	WebhookURL       *string          `json:"webhook_url,omitempty" db:"webhook_url"`
	WebhookSecret    *string          `json:"-" db:"webhook_secret"`
	Version          int64            `json:"-" db:"version"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}
