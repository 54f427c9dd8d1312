package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryMode is how a tool's backend hands results back.
type DeliveryMode string

const (
	ModeImmediate DeliveryMode = "immediate"
	ModeWebhook   DeliveryMode = "webhook"
	ModePoll      DeliveryMode = "poll"
)

// Visibility controls discovery of a tool.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityInternal Visibility = "internal"
)

// CostKind selects the pricing formula for a tool.
type CostKind string

const (
	CostStatic    CostKind = "static"
	CostPerUnit   CostKind = "per_unit"
	CostPerSecond CostKind = "per_second"
)

// CostModel declares how a tool invocation is priced, in USD.
type CostModel struct {
	Kind CostKind `json:"kind"`

	// static
	AmountUSD decimal.Decimal `json:"amount_usd,omitempty"`

	// per_unit: rate * units, where units derive from an input field
	// and an optional tier multiplier keyed by another field.
	UnitRateUSD decimal.Decimal            `json:"unit_rate_usd,omitempty"`
	UnitField   string                     `json:"unit_field,omitempty"`
	TierField   string                     `json:"tier_field,omitempty"`
	Tiers       map[string]decimal.Decimal `json:"tiers,omitempty"`

	// per_second: average runtime * hardware-class rate.
	HardwareClass string `json:"hardware_class,omitempty"`
}

// BackendBinding points a tool at its upstream service.
type BackendBinding struct {
	Backend  string `json:"backend"`            // key into the configured backend map, or "openai"/"anthropic"
	Endpoint string `json:"endpoint,omitempty"` // workflow id, model name, or path
}

// ToolDefinition is an immutable catalog entry. Definitions are loaded
// at startup and on reload; a new catalog replaces the old atomically.
type ToolDefinition struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Command      string          `json:"command,omitempty"` // platform command name for reverse lookup
	Category     string          `json:"category,omitempty"`
	Visibility   Visibility      `json:"visibility"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	// InputAliases maps retired field names to their replacements so
	// stored spells survive schema evolution.
	InputAliases map[string]string `json:"input_aliases,omitempty"`
	// AllowUnknown admits input fields the schema doesn't declare.
	AllowUnknown bool `json:"allow_unknown,omitempty"`

	DeliveryMode DeliveryMode   `json:"delivery_mode"`
	Cost         CostModel      `json:"cost"`
	Backend      BackendBinding `json:"backend"`

	// AvgRuntime feeds per_second quotes; updated from catalog stats.
	AvgRuntime time.Duration `json:"avg_runtime,omitempty"`
	// SoftTimeout bounds the poll schedule; HardTimeout fails the
	// generation with BACKEND_TIMEOUT.
	SoftTimeout time.Duration `json:"soft_timeout,omitempty"`
	HardTimeout time.Duration `json:"hard_timeout,omitempty"`
	// PollInterval is the base poll cadence for poll-mode tools.
	PollInterval time.Duration `json:"poll_interval,omitempty"`
	// CostTolerance bounds charged/quoted overrun; zero means the
	// service default applies.
	CostTolerance float64 `json:"cost_tolerance,omitempty"`
	// EmptyOutputOK treats a successful backend status with no outputs
	// as completed instead of BACKEND_ERROR.
	EmptyOutputOK bool `json:"empty_output_ok,omitempty"`

	// Platforms hints which surfaces show the tool; empty means all.
	Platforms []string `json:"platforms,omitempty"`
	// PlatformDescriptions carries per-platform variants truncated to
	// each platform's display limit at load time.
	PlatformDescriptions map[string]string `json:"platform_descriptions,omitempty"`
}

// VisibleOn reports whether the tool is discoverable on a platform.
func (t *ToolDefinition) VisibleOn(platform string) bool {
	if len(t.Platforms) == 0 {
		return true
	}
	for _, p := range t.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// DescriptionFor returns the platform-truncated description variant,
// falling back to the full description.
func (t *ToolDefinition) DescriptionFor(platform string) string {
	if d, ok := t.PlatformDescriptions[platform]; ok {
		return d
	}
	return t.Description
}
