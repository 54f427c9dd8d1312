// Package quote prices tool invocations. Prices are computed in USD from
// the tool's cost model and converted to whole credits, always rounding
// up so fractional cost is never given away.
package quote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	apierrors "github.com/manaforge-ai/manaforge/internal/pkg/errors"
)

// Quote is a priced invocation.
type Quote struct {
	ToolID    string          `json:"tool_id"`
	USD       decimal.Decimal `json:"usd"`
	Credits   int64           `json:"credits"`
	Breakdown Breakdown       `json:"breakdown"`
}

// Breakdown explains how the USD figure was reached.
type Breakdown struct {
	Kind           models.CostKind  `json:"kind"`
	Units          *decimal.Decimal `json:"units,omitempty"`
	UnitRateUSD    *decimal.Decimal `json:"unit_rate_usd,omitempty"`
	Tier           string           `json:"tier,omitempty"`
	TierMultiplier *decimal.Decimal `json:"tier_multiplier,omitempty"`
	Seconds        *decimal.Decimal `json:"seconds,omitempty"`
	RatePerSecond  *decimal.Decimal `json:"rate_usd_per_second,omitempty"`
}

// Quoter converts tool cost models and inputs into credit quotes.
type Quoter struct {
	cfg           config.CreditsConfig
	hardwareRates map[string]decimal.Decimal
}

// New builds a quoter. Hardware rates are parsed once; a per_second tool
// referencing an unconfigured class fails its quote, not the constructor.
func New(cfg config.CreditsConfig) (*Quoter, error) {
	rates := make(map[string]decimal.Decimal, len(cfg.HardwareRates))
	for class, rate := range cfg.HardwareRates {
		r, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("hardware rate %q: %w", class, err)
		}
		rates[class] = r
	}
	return &Quoter{cfg: cfg, hardwareRates: rates}, nil
}

// Credits converts a USD amount into whole credits, rounding up.
func (q *Quoter) Credits(usd decimal.Decimal) int64 {
	return usd.Mul(decimal.NewFromInt(q.cfg.PerUSD)).Ceil().IntPart()
}

// Tolerance returns the allowed charged/quoted overrun for a tool, falling
// back to the service default when the tool does not override it.
func (q *Quoter) Tolerance(tool *models.ToolDefinition) float64 {
	if tool.CostTolerance > 0 {
		return tool.CostTolerance
	}
	return q.cfg.Tolerance
}

// ActualCredits prices a finished invocation. Per-second tools bill
// their measured runtime; every other kind bills the quote. Callers
// clamp against the reserve, so a long overrun never charges past it.
func (q *Quoter) ActualCredits(tool *models.ToolDefinition, quoted int64, runtime time.Duration) int64 {
	if tool == nil || tool.Cost.Kind != models.CostPerSecond || runtime <= 0 {
		return quoted
	}
	rate, ok := q.hardwareRates[tool.Cost.HardwareClass]
	if !ok {
		return quoted
	}
	usd := rate.Mul(decimal.NewFromFloat(runtime.Seconds()))
	return q.Credits(usd)
}

// QuoteTool prices one invocation. Inputs must already be normalized by
// the registry so schema defaults are present.
func (q *Quoter) QuoteTool(tool *models.ToolDefinition, inputs json.RawMessage) (*Quote, error) {
	var usd decimal.Decimal
	breakdown := Breakdown{Kind: tool.Cost.Kind}

	switch tool.Cost.Kind {
	case models.CostStatic:
		usd = tool.Cost.AmountUSD

	case models.CostPerUnit:
		units, err := numberField(inputs, tool.Cost.UnitField)
		if err != nil {
			return nil, err
		}
		if units.Sign() <= 0 {
			return nil, apierrors.NewValidationError(tool.Cost.UnitField, "must be a positive number")
		}

		multiplier := decimal.NewFromInt(1)
		if tool.Cost.TierField != "" {
			tier, err := stringField(inputs, tool.Cost.TierField)
			if err != nil {
				return nil, err
			}
			if tier != "" {
				m, ok := tool.Cost.Tiers[tier]
				if !ok {
					return nil, apierrors.NewValidationError(tool.Cost.TierField, fmt.Sprintf("unknown tier %q", tier))
				}
				multiplier = m
				breakdown.Tier = tier
				breakdown.TierMultiplier = &m
			}
		}

		usd = tool.Cost.UnitRateUSD.Mul(units).Mul(multiplier)
		breakdown.Units = &units
		breakdown.UnitRateUSD = &tool.Cost.UnitRateUSD

	case models.CostPerSecond:
		rate, ok := q.hardwareRates[tool.Cost.HardwareClass]
		if !ok {
			return nil, apierrors.NewInternalError(fmt.Sprintf("no rate for hardware class %q", tool.Cost.HardwareClass))
		}
		seconds := decimal.NewFromFloat(tool.AvgRuntime.Seconds())
		usd = rate.Mul(seconds)
		breakdown.Seconds = &seconds
		breakdown.RatePerSecond = &rate

	default:
		return nil, apierrors.NewInternalError(fmt.Sprintf("unknown cost kind %q", tool.Cost.Kind))
	}

	return &Quote{
		ToolID:    tool.ID,
		USD:       usd,
		Credits:   q.Credits(usd),
		Breakdown: breakdown,
	}, nil
}

// numberField reads a numeric input field as a decimal, preserving the
// JSON literal exactly.
func numberField(inputs json.RawMessage, field string) (decimal.Decimal, error) {
	dec := json.NewDecoder(bytes.NewReader(inputs))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return decimal.Zero, apierrors.NewValidationError(field, "inputs must be a JSON object")
	}

	v, ok := m[field]
	if !ok {
		return decimal.Zero, apierrors.NewValidationError(field, "required for pricing")
	}
	num, ok := v.(json.Number)
	if !ok {
		return decimal.Zero, apierrors.NewValidationError(field, "must be a number")
	}
	d, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero, apierrors.NewValidationError(field, "must be a number")
	}
	return d, nil
}

func stringField(inputs json.RawMessage, field string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(inputs, &m); err != nil {
		return "", apierrors.NewValidationError(field, "inputs must be a JSON object")
	}
	v, ok := m[field]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", apierrors.NewValidationError(field, "must be a string")
	}
	return s, nil
}
